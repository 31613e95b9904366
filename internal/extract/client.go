// Package extract fetches transaction records for a logical date from the upstream API.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "finance-elt/1.0"
	defaultMaxPages  = 1000
	maxBodyBytes     = 64 << 20
)

// Fetcher returns the records for one logical date.
type Fetcher interface {
	Fetch(ctx context.Context, date civil.Date) (*domain.Payload, error)
}

// Options configures a Client.
type Options struct {
	Endpoint  string
	Token     string
	Source    string
	UserAgent string
	Timeout   time.Duration
	MaxPages  int

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client is an HTTP Fetcher for the transaction API.
type Client struct {
	endpoint   *url.URL
	token      string
	source     string
	userAgent  string
	maxPages   int
	httpClient *http.Client
}

// NewClient validates the options and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("NewClient: endpoint is required")
	}
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("NewClient: parse endpoint: %w", err)
	}
	if opts.Source == "" {
		opts.Source = "transactions"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		endpoint:   endpoint,
		token:      opts.Token,
		source:     opts.Source,
		userAgent:  opts.UserAgent,
		maxPages:   opts.MaxPages,
		httpClient: httpClient,
	}, nil
}

// Source returns the source name used for staging keys.
func (c *Client) Source() string {
	return c.source
}

// page is the object form of a response body.
type page struct {
	Transactions []json.RawMessage `json:"transactions"`
	NextCursor   string            `json:"next_cursor"`
}

// Fetch retrieves every page for date. Nothing is written anywhere; on error
// the partially collected records are discarded.
func (c *Client) Fetch(ctx context.Context, date civil.Date) (*domain.Payload, error) {
	log := logger.FromContext(ctx)

	payload := &domain.Payload{
		Source:      c.source,
		LogicalDate: date,
		Records:     []domain.Record{},
	}

	cursor := ""
	seen := map[string]bool{}
	for pageNum := 1; ; pageNum++ {
		if pageNum > c.maxPages {
			return nil, failure.Newf(failure.MalformedPayload, "Fetch", "more than %d pages", c.maxPages)
		}

		records, next, err := c.fetchPage(ctx, date, cursor)
		if err != nil {
			return nil, err
		}
		payload.Records = append(payload.Records, records...)

		log.Debug().
			Int("page", pageNum).
			Int("records", len(records)).
			Str("next_cursor", next).
			Msg("Fetched transaction page")

		if next == "" {
			break
		}
		if seen[next] {
			return nil, failure.Newf(failure.MalformedPayload, "Fetch", "cursor %q repeated", next)
		}
		seen[next] = true
		cursor = next
	}

	payload.FetchedAt = time.Now().UTC()
	log.Info().
		Str("source", c.source).
		Str("logical_date", date.String()).
		Int("records", len(payload.Records)).
		Msg("Extracted transactions")

	return payload, nil
}

func (c *Client) fetchPage(ctx context.Context, date civil.Date, cursor string) ([]domain.Record, string, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("date", date.String())
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", failure.Wrap(failure.Internal, "Fetch", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, "", err
		}
		return nil, "", failure.Wrap(failure.UpstreamUnavailable, "Fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", failure.Wrap(failure.UpstreamUnavailable, "Fetch", fmt.Errorf("read body: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, "", err
	}

	return decodePage(body)
}

func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return failure.Newf(failure.AuthFailure, "Fetch", "status %d", code)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return failure.Newf(failure.UpstreamUnavailable, "Fetch", "status %d", code)
	default:
		return failure.Newf(failure.MalformedPayload, "Fetch", "status %d: %s", code, failure.Truncate(string(body), 200))
	}
}

// decodePage accepts either a bare JSON array of records or a page object.
func decodePage(body []byte) ([]domain.Record, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, "", failure.New(failure.MalformedPayload, "Fetch", "empty body")
	}

	var raw []json.RawMessage
	var next string
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, "", failure.Wrap(failure.MalformedPayload, "Fetch", err)
		}
	} else {
		var p page
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, "", failure.Wrap(failure.MalformedPayload, "Fetch", err)
		}
		raw, next = p.Transactions, p.NextCursor
	}

	records := make([]domain.Record, 0, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		var rec domain.Record
		if err := dec.Decode(&rec); err != nil || rec == nil {
			return nil, "", failure.Newf(failure.MalformedPayload, "Fetch", "record %d is not a JSON object", i)
		}
		records = append(records, rec)
	}

	return records, next, nil
}
