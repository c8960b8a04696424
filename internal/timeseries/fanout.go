package timeseries

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout is the per sub-request timeout.
const DefaultTimeout = 60 * time.Second

// SubRequest is one per-window call to a sibling endpoint.
type SubRequest struct {
	Label  string
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Result is a successful sub-request response.
type Result struct {
	Label       string
	ContentType string
	Body        []byte
}

// SubRequestError reports a sub-request that did not return 200. The
// timeseries response forwards Status and Body.
type SubRequestError struct {
	Label  string
	Status int
	Body   []byte
}

func (e *SubRequestError) Error() string {
	return fmt.Sprintf("timeseries sub-request %s returned status %d: %s", e.Label, e.Status, e.Body)
}

// BuildSubRequests derives one request per window from base and the
// incoming query. The timeseries parameters are replaced by the window's
// datetime interval.
func BuildSubRequests(method string, base *url.URL, query url.Values, windows []Window, body []byte, header http.Header) []SubRequest {
	out := make([]SubRequest, len(windows))
	for i, w := range windows {
		q := url.Values{}
		for k, v := range query {
			switch k {
			case ParamStart, ParamEnd, ParamStep, ParamStepIdx, "fps":
				continue
			}
			q[k] = append([]string(nil), v...)
		}
		q.Set("datetime", w.Label())

		u := *base
		u.RawQuery = q.Encode()
		out[i] = SubRequest{Label: w.Label(), Method: method, URL: u.String(), Body: body, Header: header}
	}
	return out
}

// Fetcher issues sub-requests concurrently.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher creates a fetcher. A zero timeout uses DefaultTimeout.
func NewFetcher(client *http.Client, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, timeout: timeout, logger: logger}
}

// Do runs all requests concurrently and returns their results in input
// order. The first failure cancels the others and is returned; a non-200
// response is returned as *SubRequestError.
func (f *Fetcher) Do(ctx context.Context, reqs []SubRequest) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		g.Go(func() error {
			res, err := f.do(gctx, r)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (f *Fetcher) do(ctx context.Context, r SubRequest) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create sub-request: %w", err)
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	id := uuid.NewString()
	req.Header.Set("X-Request-ID", id)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("timeseries sub-request %s: %w", r.Label, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read sub-request response: %w", err)
	}

	f.logger.Debug("timeseries sub-request",
		slog.String("request_id", id),
		slog.String("window", r.Label),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return Result{}, &SubRequestError{Label: r.Label, Status: resp.StatusCode, Body: data}
	}
	return Result{Label: r.Label, ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}
