// Package upstream issues chat calls against the Code Assist endpoints. It
// owns URL construction, the spoofed header set, base URL fallback and the
// 429-aware retry helper.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wenyu2333/gemini-relay/internal/account"
	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/store"
)

const (
	apiVersion     = "v1internal"
	xGoogAPIClient = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// Error is an upstream failure carrying the HTTP status and, for rate
// limits, the parsed retry delay.
type Error struct {
	Code       int
	Msg        string
	RetryAfter *time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// StatusCode returns the upstream HTTP status.
func (e *Error) StatusCode() int { return e.Code }

// IsContextOverflow reports the 403 shape the upstream uses for oversized
// conversations; it must not kill the serving token.
func (e *Error) IsContextOverflow() bool {
	return e.Code == http.StatusForbidden && strings.Contains(e.Msg, "The caller does not")
}

// Client performs chat calls for one upstream variant.
type Client struct {
	variant account.Variant
	http    *http.Client

	// BaseURLs is the fallback-ordered host list, overridable for tests.
	BaseURLs []string
}

// NewClient builds a client with the variant's default hosts.
func NewClient(variant account.Variant, cfg *config.Config) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	transport := http.DefaultTransport
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			clone := http.DefaultTransport.(*http.Transport).Clone()
			clone.Proxy = http.ProxyURL(proxyURL)
			transport = clone
		} else {
			log.Warnf("upstream: invalid proxy url %q: %v", cfg.ProxyURL, err)
		}
	}
	return &Client{
		variant:  variant,
		http:     &http.Client{Timeout: timeout, Transport: transport},
		BaseURLs: append([]string(nil), variant.BaseURLs...),
	}
}

// prepare stamps the envelope with the account's project and a prompt id.
func prepare(payload []byte, acct *store.Account) []byte {
	out := payload
	if acct.ProjectID != "" {
		out, _ = sjson.SetBytes(out, "project", acct.ProjectID)
	} else {
		out, _ = sjson.DeleteBytes(out, "project")
	}
	out, _ = sjson.SetBytes(out, "user_prompt_id", uuid.NewString())
	return out
}

func (c *Client) newRequest(ctx context.Context, acct *store.Account, baseURL, action, query string, payload []byte) (*http.Request, error) {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/" + apiVersion + ":" + action
	if query != "" {
		endpoint += "?" + query
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	httpReq.Header.Set("User-Agent", c.variant.UserAgent)
	httpReq.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
	httpReq.Header.Set("Client-Metadata", clientMetadata)
	httpReq.Header.Set("Accept-Encoding", "gzip")
	return httpReq, nil
}

// Generate performs a one-shot :generateContent call. Non-2xx responses come
// back as *Error; the stream timeout is lifted because generations can far
// outlive the transport default.
func (c *Client) Generate(ctx context.Context, acct *store.Account, payload []byte) ([]byte, error) {
	payload = prepare(payload, acct)
	var lastErr error
	for i, baseURL := range c.BaseURLs {
		httpReq, err := c.newRequest(ctx, acct, baseURL, "generateContent", "", payload)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "application/json")

		httpResp, errDo := c.http.Do(httpReq)
		if errDo != nil {
			lastErr = errDo
			if i+1 < len(c.BaseURLs) {
				log.Debugf("upstream %s: request error on %s, trying fallback host", c.variant.Name, baseURL)
				continue
			}
			return nil, errDo
		}
		body, errRead := io.ReadAll(httpResp.Body)
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("upstream %s: close response body error: %v", c.variant.Name, errClose)
		}
		if errRead != nil {
			return nil, errRead
		}
		if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
			upErr := newError(httpResp.StatusCode, httpResp.Header, body)
			if httpResp.StatusCode == http.StatusTooManyRequests && i+1 < len(c.BaseURLs) {
				lastErr = upErr
				log.Debugf("upstream %s: rate limited on %s, trying fallback host", c.variant.Name, baseURL)
				continue
			}
			return nil, upErr
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &Error{Code: http.StatusServiceUnavailable, Msg: "no base url available"}
}

// Stream opens a :streamGenerateContent?alt=sse call and hands the body to
// the caller, which owns closing it. Reads are not timed out once headers
// arrive; heartbeats are the liveness mechanism.
func (c *Client) Stream(ctx context.Context, acct *store.Account, payload []byte) (io.ReadCloser, error) {
	payload = prepare(payload, acct)
	streamClient := &http.Client{Transport: c.http.Transport}
	var lastErr error
	for i, baseURL := range c.BaseURLs {
		httpReq, err := c.newRequest(ctx, acct, baseURL, "streamGenerateContent", "alt=sse", payload)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		httpResp, errDo := streamClient.Do(httpReq)
		if errDo != nil {
			lastErr = errDo
			if i+1 < len(c.BaseURLs) {
				log.Debugf("upstream %s: stream error on %s, trying fallback host", c.variant.Name, baseURL)
				continue
			}
			return nil, errDo
		}
		if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
			body, errRead := io.ReadAll(httpResp.Body)
			if errClose := httpResp.Body.Close(); errClose != nil {
				log.Errorf("upstream %s: close response body error: %v", c.variant.Name, errClose)
			}
			if errRead != nil {
				return nil, errRead
			}
			upErr := newError(httpResp.StatusCode, httpResp.Header, body)
			if httpResp.StatusCode == http.StatusTooManyRequests && i+1 < len(c.BaseURLs) {
				lastErr = upErr
				log.Debugf("upstream %s: stream rate limited on %s, trying fallback host", c.variant.Name, baseURL)
				continue
			}
			return nil, upErr
		}
		return httpResp.Body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &Error{Code: http.StatusServiceUnavailable, Msg: "no base url available"}
}

// CountTokens performs a :countTokens call. The envelope's project and model
// fields are not part of that API.
func (c *Client) CountTokens(ctx context.Context, acct *store.Account, payload []byte) ([]byte, error) {
	payload, _ = sjson.DeleteBytes(payload, "project")
	payload, _ = sjson.DeleteBytes(payload, "model")
	payload, _ = sjson.DeleteBytes(payload, "request.safetySettings")

	httpReq, err := c.newRequest(ctx, acct, c.BaseURLs[0], "countTokens", "", payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("upstream %s: close response body error: %v", c.variant.Name, errClose)
		}
	}()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return nil, newError(httpResp.StatusCode, httpResp.Header, body)
	}
	return body, nil
}

func newError(status int, headers http.Header, body []byte) *Error {
	upErr := &Error{Code: status, Msg: strings.TrimSpace(string(body))}
	if status == http.StatusTooManyRequests {
		upErr.RetryAfter = parseRetryDelay(headers, body)
	}
	return upErr
}

// parseRetryDelay extracts the retry hint from a 429: the Retry-After header
// or the google.rpc.RetryInfo error detail ("0.847655010s" format).
func parseRetryDelay(headers http.Header, body []byte) *time.Duration {
	if after := headers.Get("Retry-After"); after != "" {
		if seconds, err := time.ParseDuration(after + "s"); err == nil {
			return &seconds
		}
	}
	var found *time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if detail.Get("@type").String() != "type.googleapis.com/google.rpc.RetryInfo" {
			return true
		}
		if raw := detail.Get("retryDelay").String(); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				found = &d
				return false
			}
		}
		return true
	})
	return found
}

// RetryOn429 runs fn up to retries+1 times, retrying only on rate limits.
// Other errors propagate immediately. The retry delay honors the upstream
// hint when present.
func RetryOn429(ctx context.Context, retries int, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		upErr, ok := err.(*Error)
		if !ok || upErr.Code != http.StatusTooManyRequests || attempt >= retries {
			return err
		}
		delay := time.Duration(attempt+1) * time.Second
		if upErr.RetryAfter != nil && *upErr.RetryAfter > 0 && *upErr.RetryAfter < 30*time.Second {
			delay = *upErr.RetryAfter
		}
		log.Debugf("upstream: rate limited, retry %d/%d in %s", attempt+1, retries, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
