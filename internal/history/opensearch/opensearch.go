// Package opensearch indexes lifecycle events over the OpenSearch (or
// Elasticsearch) document API.
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

	"github.com/google/uuid"

	"github.com/loykin/nploy/internal/history"
)

// Options configures a Sink. With Daily set, events land in
// "<Index>-YYYY.MM.DD" by occurrence date.
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Daily    bool
	Timeout  time.Duration
}

// Sink writes one document per event. Document IDs derive from the run ID,
// event type and timestamp so a retried send overwrites instead of duplicating.
type Sink struct {
	opts   Options
	client *http.Client
}

func New(o Options) *Sink {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return &Sink{opts: o, client: &http.Client{Timeout: o.Timeout}}
}

func (s *Sink) index(t time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

func docID(e history.Event) string {
	if e.Record.RunID == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s-%d", e.Record.RunID, e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	target := s.opts.BaseURL + "/" + url.PathEscape(s.index(e.OccurredAt)) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
