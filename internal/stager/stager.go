// Package stager persists extracted payloads to object storage under deterministic keys.
package stager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/objectstore"
)

// ContentType of staged artifacts.
const ContentType = "application/x-ndjson"

// Key returns the storage key for a source and logical date.
func Key(source string, date civil.Date) string {
	return fmt.Sprintf("%s/%s.json", source, date.String())
}

// Stager writes payloads to a Store.
type Stager struct {
	store objectstore.Store
}

// New creates a Stager.
func New(store objectstore.Store) *Stager {
	return &Stager{store: store}
}

// Stage writes the payload under its key. If an object with the same content
// hash is already present the call is a no-op and Created is false.
func (s *Stager) Stage(ctx context.Context, p *domain.Payload) (*domain.Artifact, error) {
	if p == nil {
		return nil, failure.New(failure.Internal, "Stage", "nil payload")
	}

	data, err := p.NDJSON()
	if err != nil {
		return nil, failure.Wrap(failure.Internal, "Stage", err)
	}

	sum := sha256.Sum256(data)
	artifact := &domain.Artifact{
		Source:      p.Source,
		LogicalDate: p.LogicalDate,
		Key:         Key(p.Source, p.LogicalDate),
		SHA256:      hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
		Records:     len(p.Records),
	}
	artifact.URI = s.store.URI(artifact.Key)

	log := logger.FromContext(ctx).With().Str("key", artifact.Key).Logger()

	created, err := s.write(ctx, artifact, data, true)
	if errors.Is(err, objectstore.ErrPreconditionFailed) {
		// Another writer created the key between Stat and Put.
		created, err = s.write(ctx, artifact, data, false)
	}
	if err != nil {
		return nil, err
	}
	artifact.Created = created

	if created {
		log.Info().Int("records", artifact.Records).Int64("bytes", artifact.Size).Msg("Staged artifact")
	} else {
		log.Info().Msg("Artifact unchanged, skipping write")
	}

	return artifact, nil
}

func (s *Stager) write(ctx context.Context, a *domain.Artifact, data []byte, firstWrite bool) (bool, error) {
	info, err := s.store.Stat(ctx, a.Key)
	switch {
	case err == nil:
		if info.SHA256 == a.SHA256 {
			return false, nil
		}
	case errors.Is(err, objectstore.ErrNotFound):
	default:
		return false, fmt.Errorf("Stage: stat %s: %w", a.Key, err)
	}

	opts := objectstore.PutOptions{
		ContentType: ContentType,
		SHA256:      a.SHA256,
		IfAbsent:    firstWrite && err != nil,
	}
	if err := s.store.Put(ctx, a.Key, data, opts); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return false, err
		}
		return false, fmt.Errorf("Stage: put %s: %w", a.Key, err)
	}
	return true, nil
}

// Read returns the staged bytes of an artifact and verifies their hash.
func (s *Stager) Read(ctx context.Context, a *domain.Artifact) ([]byte, error) {
	data, err := s.store.Get(ctx, a.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, failure.Wrap(failure.Internal, "Read", err)
		}
		return nil, fmt.Errorf("Read: %w", err)
	}

	if a.SHA256 != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != a.SHA256 {
			return nil, failure.Newf(failure.StorageUnavailable, "Read", "content of %s changed since staging", a.Key)
		}
	}
	return data, nil
}

// Lookup returns the artifact already staged for source and date, so a
// resumed run can load it without extracting again.
func (s *Stager) Lookup(ctx context.Context, source string, date civil.Date) (*domain.Artifact, error) {
	key := Key(source, date)
	info, err := s.store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, failure.Wrap(failure.Internal, "Lookup", fmt.Errorf("no artifact staged at %s: %w", key, err))
		}
		return nil, fmt.Errorf("Lookup %s: %w", key, err)
	}
	return &domain.Artifact{
		Source:      source,
		LogicalDate: date,
		Key:         key,
		URI:         s.store.URI(key),
		SHA256:      info.SHA256,
		Size:        info.Size,
	}, nil
}
