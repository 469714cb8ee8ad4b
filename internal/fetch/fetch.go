// Package fetch issues upstream HTTP requests with per-request proxy,
// header baseline, and classified failures.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/task"
)

// Rotating desktop User-Agent pool.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Request is a fully planned upstream call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	Body    []byte
	Cookie  string // raw Cookie header value, empty when not needed
	Proxy   string // proxy URL, empty for a direct call
	Timeout time.Duration
}

// Response is the raw upstream answer.
type Response struct {
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
}

const maxResponseBytes = 8 << 20

// Executor owns the HTTP clients. Direct requests share one transport;
// proxied requests get a transport bound to their proxy per call.
type Executor struct {
	logger *zap.Logger
	direct *http.Client
	randFn func(n int) int

	// newClient is swapped in tests to intercept proxied calls.
	newClient func(proxy *url.URL, timeout time.Duration) *http.Client
}

// NewExecutor builds an Executor.
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{
		logger: logger,
		direct: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		randFn:    rand.Intn,
		newClient: proxiedClient,
	}
}

func proxiedClient(proxy *url.URL, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxy),
			DisableKeepAlives: true,
		},
	}
}

// Do issues the request and classifies any failure. The context bounds
// the whole call; req.Timeout additionally caps the HTTP exchange.
func (e *Executor) Do(ctx context.Context, req Request) (Response, *task.Failure) {
	target := req.URL
	if len(req.Query) > 0 {
		target = req.URL + "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Response{}, task.Failf(task.ErrInvalidTask, "build request: %v", err)
	}

	httpReq.Header.Set("User-Agent", userAgents[e.randFn(len(userAgents))])
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Cookie != "" {
		e.mergeCookie(httpReq, req.Cookie)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := e.direct
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil || proxyURL.Host == "" {
			return Response{}, task.Failf(task.ErrProxy, "bad proxy url %q", req.Proxy)
		}
		client = e.newClient(proxyURL, req.Timeout)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return Response{}, classifyTransportError(err, req.Proxy != "")
	}
	defer resp.Body.Close() //nolint:errcheck // read side already handled

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, classifyTransportError(err, req.Proxy != "")
	}

	e.logger.Debug("upstream response",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
		zap.Bool("proxied", req.Proxy != ""))

	if fail := classifyStatus(resp.StatusCode, respBody); fail != nil {
		return Response{StatusCode: resp.StatusCode, Body: respBody, Elapsed: elapsed}, fail
	}
	return Response{StatusCode: resp.StatusCode, Body: respBody, Elapsed: elapsed}, nil
}

// mergeCookie appends the session cookie to any caller-supplied Cookie
// header instead of clobbering it.
func (e *Executor) mergeCookie(req *http.Request, cookie string) {
	existing := req.Header.Get("Cookie")
	switch {
	case existing == "":
		req.Header.Set("Cookie", cookie)
	case strings.Contains(existing, cookie):
	default:
		req.Header.Set("Cookie", existing+"; "+cookie)
	}
}

func classifyStatus(status int, body []byte) *task.Failure {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return &task.Failure{
			Kind:       task.ErrHTTP4xx,
			Detail:     snippet(body),
			StatusCode: status,
		}
	default:
		return &task.Failure{
			Kind:       task.ErrHTTP5xx,
			Detail:     snippet(body),
			StatusCode: status,
		}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

// classifyTransportError maps a transport failure into the taxonomy.
// Deadline beats cancellation; with a proxy in play, connection-level
// errors are blamed on the proxy.
func classifyTransportError(err error, proxied bool) *task.Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return task.Failf(task.ErrTimeout, "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return task.Failf(task.ErrCancelled, "request cancelled")
	}
	// net/http wraps timeouts in *url.Error as well.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return task.Failf(task.ErrTimeout, "request timed out: %v", err)
	}
	if proxied {
		return task.Failf(task.ErrProxy, "proxied request failed: %v", err)
	}
	return task.Failf(task.ErrNetwork, "request failed: %v", err)
}
