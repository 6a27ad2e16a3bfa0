package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBytes caps how much of a downstream response the gateway will
// buffer into the envelope.
const maxResponseBytes = 4 << 20

// hop-by-hop headers are not forwarded in either direction.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Proxy performs the downstream HTTP call for the gateway.
type Proxy struct {
	client *http.Client
	logger zerolog.Logger
}

func NewProxy(timeout time.Duration, logger zerolog.Logger) *Proxy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Proxy{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "proxy").Logger(),
	}
}

// Call forwards r to baseURL/rest and returns the downstream status and
// buffered body. A 5xx downstream status is reported as an error so the
// caller records it against the service circuit; 2xx-4xx pass through.
func (p *Proxy) Call(r *http.Request, service, baseURL, rest string) (int, []byte, error) {
	target := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(rest, "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build downstream request: %w", err)
	}

	for name, values := range r.Header {
		if _, skip := hopHeaders[name]; skip {
			continue
		}
		req.Header[name] = values
	}
	req.Header.Set(RequestIDHeader, RequestIDFrom(r.Context()))

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read downstream response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, body, &downstreamStatusError{service: service, status: resp.StatusCode}
	}

	return resp.StatusCode, body, nil
}
