package pipeline

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/extract"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/loader"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/quality"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/stager"
	"github.com/dvloznov/finance-elt/internal/transform"
)

func payloadKey(source string) string  { return "payload/" + source }
func artifactKey(source string) string { return "artifact/" + source }

// ExtractStep fetches the source's records and keeps them in the run context.
type ExtractStep struct {
	name    string
	source  string
	fetcher extract.Fetcher
}

func (s *ExtractStep) Name() string { return s.name }

func (s *ExtractStep) Execute(ctx context.Context, rc *scheduler.RunContext) error {
	p, err := s.fetcher.Fetch(ctx, rc.LogicalDate)
	if err != nil {
		return err
	}
	p.Source = s.source
	rc.Put(payloadKey(s.source), p)

	log := logger.FromContext(ctx)

	log.Info().Int("records", len(p.Records)).Msg("Extracted records")
	return nil
}

// StageStep persists the extracted payload to object storage.
type StageStep struct {
	name   string
	source string
	stager *stager.Stager
}

func (s *StageStep) Name() string { return s.name }

func (s *StageStep) Execute(ctx context.Context, rc *scheduler.RunContext) error {
	v, ok := rc.Get(payloadKey(s.source))
	if !ok {
		return failure.Newf(failure.Internal, "Stage", "no extracted payload for %s", s.source)
	}
	p, ok := v.(*domain.Payload)
	if !ok {
		return failure.Newf(failure.Internal, "Stage", "unexpected payload type %T", v)
	}

	a, err := s.stager.Stage(ctx, p)
	if err != nil {
		return err
	}
	rc.Put(artifactKey(s.source), a)
	return nil
}

// ArtifactLookup finds an artifact staged by an earlier attempt.
type ArtifactLookup interface {
	Lookup(ctx context.Context, source string, date civil.Date) (*domain.Artifact, error)
}

// LoadStep loads the staged artifact into the raw table partition.
type LoadStep struct {
	name   string
	source string
	loader *loader.Loader
	lookup ArtifactLookup
	target loader.Target
}

func (s *LoadStep) Name() string { return s.name }

func (s *LoadStep) Execute(ctx context.Context, rc *scheduler.RunContext) error {
	var a *domain.Artifact
	if v, ok := rc.Get(artifactKey(s.source)); ok {
		a, _ = v.(*domain.Artifact)
	}
	if a == nil {
		// The stage step was carried over from a previous attempt.
		found, err := s.lookup.Lookup(ctx, s.source, rc.LogicalDate)
		if err != nil {
			return err
		}
		a = found
	}

	_, err := s.loader.Load(ctx, a, s.target)
	return err
}

// TransformStep materializes one model.
type TransformStep struct {
	model       string
	transformer *transform.Transformer
}

func (s *TransformStep) Name() string { return s.model }

func (s *TransformStep) Execute(ctx context.Context, rc *scheduler.RunContext) error {
	res, err := s.transformer.Materialize(ctx, s.model, rc.LogicalDate)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().Int64("rows", res.Rows).Msg("Materialized model")
	return nil
}

// ValidateStep evaluates a model's assertions and publishes it when they pass.
type ValidateStep struct {
	name      string
	model     *transform.Model
	validator *quality.Validator
}

func (s *ValidateStep) Name() string { return s.name }

func (s *ValidateStep) Execute(ctx context.Context, rc *scheduler.RunContext) error {
	report, err := s.validator.Validate(ctx, s.model, rc.LogicalDate)
	if report != nil {
		rc.RecordAssertions(s.name, report.Results)
	}
	return err
}
