// Package executor runs one crawl task end to end: validation, resource
// injection, gate admission, the upstream request, and response
// interpretation.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/fetch"
	"github.com/quantfeed/market-crawler/internal/gate"
	"github.com/quantfeed/market-crawler/internal/metrics"
	"github.com/quantfeed/market-crawler/internal/provider"
	"github.com/quantfeed/market-crawler/internal/resource"
	"github.com/quantfeed/market-crawler/internal/task"
)

// Resources is the slice of the resource cache the pipeline needs.
type Resources interface {
	Cookie(ctx context.Context, market task.Market, id string) (resource.Cookie, bool)
	RandomProxy(ctx context.Context, market task.Market) (string, bool)
	InvalidateProxies(market task.Market)
}

// Fetcher issues a planned upstream request.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (fetch.Response, *task.Failure)
}

// Options toggles resource injection.
type Options struct {
	WorkerID     string
	InjectCookie bool
	InjectProxy  bool
}

// Pipeline executes tasks. It is safe for concurrent use.
type Pipeline struct {
	logger    *zap.Logger
	router    *provider.Router
	resources Resources
	fetcher   Fetcher
	gate      *gate.Gate
	opts      Options
	now       func() time.Time
}

// New builds a Pipeline.
func New(logger *zap.Logger, router *provider.Router, resources Resources, fetcher Fetcher, g *gate.Gate, opts Options) *Pipeline {
	return &Pipeline{
		logger:    logger,
		router:    router,
		resources: resources,
		fetcher:   fetcher,
		gate:      g,
		opts:      opts,
		now:       time.Now,
	}
}

// Execute runs one task and always returns a Result; failures are
// captured in the result rather than returned as errors.
func (p *Pipeline) Execute(ctx context.Context, t task.Task) task.Result {
	started := p.now()
	metrics.IncInflight()
	defer metrics.DecInflight()

	result := p.execute(ctx, t, started)
	result.TaskID = t.TaskID
	result.WorkerID = p.opts.WorkerID
	result.StartedAt = started
	result.FinishedAt = p.now()

	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
	}
	metrics.ObserveTask(string(t.Type), outcome, result.FinishedAt.Sub(started))

	if result.Success {
		p.logger.Info("task succeeded",
			zap.String("task_id", t.TaskID),
			zap.String("task_type", string(t.Type)),
			zap.String("symbol", t.Symbol),
			zap.Int("records", result.RecordsCount),
			zap.Duration("elapsed", result.FinishedAt.Sub(started)))
	} else {
		p.logger.Warn("task failed",
			zap.String("task_id", t.TaskID),
			zap.String("task_type", string(t.Type)),
			zap.String("symbol", t.Symbol),
			zap.String("error_kind", string(result.ErrorKind)),
			zap.String("error_detail", result.ErrorDetail),
			zap.Bool("terminal", result.ErrorKind.Terminal()))
	}
	return result
}

func (p *Pipeline) execute(ctx context.Context, t task.Task, started time.Time) task.Result {
	if err := t.Validate(); err != nil {
		return failResult(task.Failf(task.ErrInvalidTask, "%v", err))
	}

	adapter, fail := p.router.For(t)
	if fail != nil {
		return failResult(fail)
	}

	plan, fail := adapter.Plan(t)
	if fail != nil {
		return failResult(fail)
	}

	var cookieValue, cookieID string
	if plan.NeedsCookie && p.opts.InjectCookie {
		cookie, ok := p.resources.Cookie(ctx, t.Market, t.Payload.CookieID)
		if !ok {
			metrics.ObserveMissingCookie()
			return failResult(task.Failf(task.ErrMissingCookie,
				"no usable cookie for market %s id %q", t.Market, t.Payload.CookieID))
		}
		cookieValue = cookie.Value
		cookieID = cookie.ID
	}

	proxy := t.Payload.Proxy
	if proxy == "" && p.opts.InjectProxy {
		proxy, _ = p.resources.RandomProxy(ctx, t.Market)
	}
	proxied := proxy != ""

	release, err := p.gate.Acquire(ctx, proxied)
	if err != nil {
		kind := task.ErrCancelled
		if ctx.Err() == context.DeadlineExceeded {
			kind = task.ErrTimeout
		}
		return failResult(task.Failf(kind, "gate wait aborted: %v", err))
	}
	defer release()
	p.publishGateMetrics()

	headers := make(map[string]string, len(plan.Headers)+len(t.Payload.Headers))
	for k, v := range plan.Headers {
		headers[k] = v
	}
	for k, v := range t.Payload.Headers {
		headers[k] = v
	}

	resp, fail := p.fetcher.Do(ctx, fetch.Request{
		Method:  plan.Method,
		URL:     plan.URL,
		Query:   plan.Query,
		Headers: headers,
		Body:    firstNonEmpty(t.Payload.Body, plan.Body),
		Cookie:  cookieValue,
		Proxy:   proxy,
		Timeout: t.EffectiveTimeout(),
	})
	metrics.ObserveUpstreamRequest(adapter.Name(), statusClass(resp.StatusCode, fail))
	if fail != nil {
		if fail.Kind == task.ErrProxy {
			p.resources.InvalidateProxies(t.Market)
		}
		result := failResult(fail)
		result.UsedProxy = proxied
		result.UsedCookieID = cookieID
		return result
	}

	data, fail := adapter.Validate(resp.StatusCode, resp.Body)
	if fail != nil {
		result := failResult(fail)
		result.StatusCode = resp.StatusCode
		result.UsedProxy = proxied
		result.UsedCookieID = cookieID
		return result
	}

	records := adapter.RecordsCount(data)
	if t.Type.Backfill() && t.Payload.StartDate != "" && t.Payload.EndDate != "" {
		if trimmed, kept, ok := trimKlineWindow(data, t.Payload.StartDate, t.Payload.EndDate); ok {
			data = trimmed
			records = kept
		}
	}

	return task.Result{
		Success:      true,
		Data:         data,
		RecordsCount: records,
		StatusCode:   resp.StatusCode,
		UsedProxy:    proxied,
		UsedCookieID: cookieID,
	}
}

func (p *Pipeline) publishGateMetrics() {
	direct, proxied := p.gate.Outstanding()
	metrics.SetGatePermits(gate.NameDirect, direct)
	metrics.SetGatePermits(gate.NameProxied, proxied)
}

func failResult(fail *task.Failure) task.Result {
	if fail.Kind == task.ErrInternal {
		metrics.ObserveInternalError()
	}
	return task.Result{
		Success:     false,
		ErrorKind:   fail.Kind,
		ErrorDetail: fail.Detail,
		StatusCode:  fail.StatusCode,
	}
}

func statusClass(status int, fail *task.Failure) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	case fail != nil:
		return string(fail.Kind)
	default:
		return "unknown"
	}
}

func firstNonEmpty(a, b []byte) []byte {
	if len(a) > 0 {
		return a
	}
	return b
}
