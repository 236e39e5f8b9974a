package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sofr-tracker/internal/version"
)

const maxErrorBody = 256

// ErrUpstreamUnavailable is matched by every UpstreamError.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamError describes a failed upstream request: either a transport
// failure (Status == 0) or a non-success HTTP status.
type UpstreamError struct {
	Source string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s api error (%d): %s", e.Source, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s api error (%d)", e.Source, e.Status)
	}
}

// Is makes errors.Is(err, ErrUpstreamUnavailable) hold for any UpstreamError.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// HTTPOptions are shared by every upstream adapter.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

type httpSource struct {
	source    string
	baseURL   string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

func newHTTPSource(source, defaultBase string, opts HTTPOptions, logger zerolog.Logger) httpSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	return httpSource{
		source:    source,
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", source+"_fetcher").Logger(),
	}
}

// get issues a GET and returns the body of a 2xx response. Anything else
// becomes an UpstreamError; nothing is retried.
func (h httpSource) get(ctx context.Context, path string, query url.Values, accept string) ([]byte, error) {
	endpoint := h.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", h.userAgent)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Source: h.source, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Source: h.source, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Source: h.source, Status: resp.StatusCode, Body: errorExcerpt(payload)}
	}

	h.logger.Debug().
		Str("path", path).
		Int("bytes", len(payload)).
		Dur("elapsed", time.Since(start)).
		Msg("upstream request complete")
	return payload, nil
}

type errorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

func errorExcerpt(payload []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Error} {
			if msg != "" {
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}

func (h httpSource) anomaly(date, field, raw string) {
	logAnomaly(h.logger, date, field, raw)
}

// logAnomaly records a value that could not be parsed and was replaced by null.
func logAnomaly(logger zerolog.Logger, date, field, raw string) {
	logger.Warn().
		Str("date", date).
		Str("field", field).
		Str("raw", raw).
		Msg("upstream parse anomaly; value set to null")
}
