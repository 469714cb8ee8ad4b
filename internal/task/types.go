// Package task defines the core types shared across the crawl worker.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Market identifies the exchange region a task targets.
type Market string

// Supported markets.
const (
	MarketCN Market = "CN"
	MarketUS Market = "US"
	MarketHK Market = "HK"
)

// Valid reports whether the market is one the worker knows about.
func (m Market) Valid() bool {
	switch m {
	case MarketCN, MarketUS, MarketHK:
		return true
	}
	return false
}

// Type is the crawl task type enum carried on the wire.
type Type string

// Task types dispatched by the provider router.
const (
	Type1mRealtime  Type = "1m_realtime"
	Type5mRealtime  Type = "5m_realtime"
	Type15mRealtime Type = "15m_realtime"
	Type15mBackfill Type = "15m_backfill"
	Type1dBackfill  Type = "1d_backfill"
	TypeUS1mRealtime Type = "us_1m_realtime"
	TypeHK1mRealtime Type = "hk_1m_realtime"
)

// Valid reports whether the task type is a known enum value.
func (t Type) Valid() bool {
	switch t {
	case Type1mRealtime, Type5mRealtime, Type15mRealtime,
		Type15mBackfill, Type1dBackfill, TypeUS1mRealtime, TypeHK1mRealtime:
		return true
	}
	return false
}

// Backfill reports whether the task type carries a date range to honor.
func (t Type) Backfill() bool {
	return t == Type15mBackfill || t == Type1dBackfill
}

// Endpoint tags a provider endpoint requested explicitly by the task.
type Endpoint string

// Provider endpoint tags.
const (
	EndpointKline      Endpoint = "kline"
	EndpointQuote      Endpoint = "quote"
	EndpointBatchQuote Endpoint = "batch_quote"
	EndpointMinute     Endpoint = "minute"
	EndpointDetail     Endpoint = "detail"
)

// Primary reports whether the endpoint is one of the CN primary-provider
// endpoints that require an authentication cookie.
func (e Endpoint) Primary() bool {
	switch e {
	case EndpointKline, EndpointQuote, EndpointBatchQuote, EndpointMinute, EndpointDetail:
		return true
	}
	return false
}

// Payload carries the free-form task parameters. Unknown keys survive a
// decode/encode round trip through Extras.
type Payload struct {
	CookieID  string            `json:"cookie_id,omitempty"`
	Proxy     string            `json:"proxy,omitempty"`
	StartDate string            `json:"start_date,omitempty"`
	EndDate   string            `json:"end_date,omitempty"`
	Period    string            `json:"period,omitempty"`
	Count     int               `json:"count,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Params    map[string]string `json:"params,omitempty"`

	Extras map[string]json.RawMessage `json:"-"`
}

type payloadAlias Payload

var payloadKnownKeys = map[string]struct{}{
	"cookie_id": {}, "proxy": {}, "start_date": {}, "end_date": {},
	"period": {}, "count": {}, "method": {}, "headers": {}, "body": {}, "params": {},
}

// UnmarshalJSON decodes the typed fields and keeps unrecognized keys in
// Extras so forward-compatible fields are not silently dropped.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := payloadKnownKeys[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}
	*p = Payload(alias)
	p.Extras = raw
	return nil
}

// Timeout clamp bounds, matching the upstream request budget.
const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 45 * time.Second
)

// Task is the unit of work pulled from the broker.
type Task struct {
	TaskID     string    `json:"task_id"`
	Type       Type      `json:"task_type"`
	Market     Market    `json:"market"`
	Symbol     string    `json:"symbol"`
	Endpoint   Endpoint  `json:"endpoint,omitempty"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	TimeoutS   int       `json:"timeout_s,omitempty"`
}

// Validate checks the fields required before any resource resolution.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown task_type %q", t.Type)
	}
	if !t.Market.Valid() {
		return fmt.Errorf("unknown market %q", t.Market)
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

// EffectiveTimeout clamps the caller's timeout hint into
// [MinTimeout, MaxTimeout], defaulting when absent.
func (t *Task) EffectiveTimeout() time.Duration {
	if t.TimeoutS <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(t.TimeoutS) * time.Second
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Result is the outcome envelope produced for every processed task.
type Result struct {
	TaskID       string          `json:"task_id"`
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	RecordsCount int             `json:"records_count"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	StatusCode   int             `json:"status_code,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	WorkerID     string          `json:"worker_id"`
	UsedProxy    bool            `json:"used_proxy"`
	UsedCookieID string          `json:"used_cookie_id,omitempty"`
}

// Terminal reports whether the result should be acknowledged: either a
// success or a failure the broker must not redeliver.
func (r *Result) Terminal() bool {
	return r.Success || r.ErrorKind.Terminal()
}
