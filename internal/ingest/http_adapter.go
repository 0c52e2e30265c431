// http_adapter.go polls a vendor HTTP endpoint for batches of envelopes.
//
// Used for slow-moving feeds: external lender availabilities and
// reference-data files republished on an interval. The endpoint returns a
// JSON array of wire-format envelopes newer than the ?after= offset. Retry
// on 5xx is handled by resty; transport-level failures bubble up to the
// router's backoff.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPAdapter is a polling vendor adapter.
type HTTPAdapter struct {
	source   string
	http     *resty.Client
	path     string
	interval time.Duration

	queue  []Raw
	offset uint64
}

// NewHTTPAdapter builds a poller for baseURL+path at the given interval.
func NewHTTPAdapter(source, baseURL, path string, interval time.Duration) *HTTPAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &HTTPAdapter{source: source, http: client, path: path, interval: interval}
}

func (a *HTTPAdapter) Source() string { return a.source }

// Next drains the current batch, polling for a new one when empty.
func (a *HTTPAdapter) Next(ctx context.Context) (Raw, error) {
	for len(a.queue) == 0 {
		if err := a.poll(ctx); err != nil {
			return Raw{}, err
		}
		if len(a.queue) == 0 {
			select {
			case <-ctx.Done():
				return Raw{}, ctx.Err()
			case <-time.After(a.interval):
			}
		}
	}
	raw := a.queue[0]
	a.queue = a.queue[1:]
	return raw, nil
}

func (a *HTTPAdapter) poll(ctx context.Context) error {
	var batch []json.RawMessage
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("after", fmt.Sprintf("%d", a.offset)).
		SetResult(&batch).
		Get(a.path)
	if err != nil {
		return fmt.Errorf("poll %s: %w", a.source, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("poll %s: status %d: %s", a.source, resp.StatusCode(), resp.String())
	}
	now := time.Now()
	for _, rec := range batch {
		a.offset++
		a.queue = append(a.queue, Raw{Data: rec, Offset: a.offset, At: now})
	}
	return nil
}

func (a *HTTPAdapter) Commit(uint64) error { return nil }

func (a *HTTPAdapter) Subscribe([]string) error { return nil }

func (a *HTTPAdapter) Close() error { return nil }
