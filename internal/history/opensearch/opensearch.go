package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loykin/janus/internal/history"
)

const DefaultIndex = "process-history"

// Options tunes the sink. Zero values are usable.
type Options struct {
	Index      string        // index name, DefaultIndex when empty
	Daily      bool          // append -YYYY.MM.DD of the event time
	Username   string        // basic auth
	Password   string        //
	Timeout    time.Duration // per request, default 5s
	MaxRetries uint64        // retries of 429/5xx and transport errors, default 3
}

// Sink indexes events into OpenSearch (or Elasticsearch) over its REST API.
// Each event is written with a document id derived from its content, so a
// retried request overwrites rather than duplicates.
type Sink struct {
	client  *http.Client
	baseURL string
	opts    Options
}

func New(baseURL string, opts Options) *Sink {
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Sink{
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
	}
}

var idSpace = uuid.MustParse("6f1c3c52-8a4e-4b7a-9d0e-3f5c2b1a7e90")

// DocumentID is the id under which e is indexed.
func DocumentID(e history.Event) string {
	r := e.Record
	key := fmt.Sprintf("%s|%s|%s|%s|%d", r.Name, r.RunID, r.From, r.To, e.OccurredAt.UnixNano())
	return uuid.NewSHA1(idSpace, []byte(key)).String()
}

// IndexFor returns the index e is written to.
func (s *Sink) IndexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.IndexFor(e)), DocumentID(e))

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.opts.Username != "" {
			req.SetBasicAuth(s.opts.Username, s.opts.Password)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("opensearch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.opts.MaxRetries), ctx))
}
