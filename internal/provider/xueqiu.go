package provider

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfeed/market-crawler/internal/task"
)

// Xueqiu API endpoints, keyed by logical endpoint name.
var xueqiuEndpoints = map[task.Endpoint]string{
	task.EndpointKline:      "https://stock.xueqiu.com/v5/stock/chart/kline.json",
	task.EndpointQuote:      "https://stock.xueqiu.com/v5/stock/quote.json",
	task.EndpointBatchQuote: "https://stock.xueqiu.com/v5/stock/batch/quote.json",
	task.EndpointMinute:     "https://stock.xueqiu.com/v5/stock/chart/minute.json",
	task.EndpointDetail:     "https://stock.xueqiu.com/v5/stock/f10/cn/company.json",
}

// xueqiuPeriods maps task periods to the wire values Xueqiu expects.
var xueqiuPeriods = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"1d":  "day",
	"1w":  "week",
	"1M":  "month",
}

const xueqiuKlineIndicators = "kline,pe,pb,ps,pcf,market_capital,agt,ggt,balance"

const defaultKlineCount = 100

// Xueqiu adapts tasks for the Xueqiu (雪球) CN market API. All requests
// require a session cookie; responses use the standard Xueqiu envelope
// with error_code 0 on success.
type Xueqiu struct {
	now func() time.Time
}

// NewXueqiu builds the CN market adapter.
func NewXueqiu() *Xueqiu {
	return &Xueqiu{now: time.Now}
}

func (x *Xueqiu) Name() string { return "xueqiu" }

// Plan builds the Xueqiu request for the task. The endpoint selects the
// API path; query parameters come from the endpoint's conventions merged
// with any caller-supplied params (caller wins).
func (x *Xueqiu) Plan(t task.Task) (Plan, *task.Failure) {
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = task.EndpointKline
	}
	base, ok := xueqiuEndpoints[endpoint]
	if !ok {
		return Plan{}, task.Failf(task.ErrUnsupportedTask, "xueqiu has no endpoint %q", endpoint)
	}

	query := url.Values{}
	query.Set("symbol", t.Symbol)

	switch endpoint {
	case task.EndpointKline:
		period, ok := xueqiuPeriods[t.Payload.Period]
		if !ok {
			if t.Payload.Period != "" {
				return Plan{}, task.Failf(task.ErrInvalidTask, "unknown period %q", t.Payload.Period)
			}
			period = "day"
		}
		count := t.Payload.Count
		if count <= 0 {
			count = defaultKlineCount
		}
		begin := x.now().UnixMilli()
		if t.Type.Backfill() && t.Payload.EndDate != "" {
			end, err := time.Parse("2006-01-02", t.Payload.EndDate)
			if err != nil {
				return Plan{}, task.Failf(task.ErrInvalidTask, "bad end_date %q", t.Payload.EndDate)
			}
			// End of the requested day so the window's last bars are
			// included; the date filter trims the leading excess.
			begin = end.Add(24*time.Hour - time.Millisecond).UnixMilli()
		}
		query.Set("begin", strconv.FormatInt(begin, 10))
		query.Set("period", period)
		query.Set("type", "before")
		query.Set("count", strconv.Itoa(-count))
		query.Set("indicator", xueqiuKlineIndicators)

	case task.EndpointQuote, task.EndpointBatchQuote:
		query.Set("extend", "detail")

	case task.EndpointMinute:
		query.Set("period", "1d")
	}

	for k, v := range t.Payload.Params {
		query.Set(k, v)
	}

	method := t.Payload.Method
	if method == "" {
		method = "GET"
	}

	return Plan{
		Method: method,
		URL:    base,
		Query:  query,
		Headers: map[string]string{
			"Referer":          fmt.Sprintf("https://xueqiu.com/S/%s", t.Symbol),
			"Origin":           "https://xueqiu.com",
			"X-Requested-With": "XMLHttpRequest",
			"Accept-Language":  "zh-CN,zh;q=0.9,en;q=0.8",
		},
		NeedsCookie: true,
	}, nil
}

// xueqiuEnvelope is the standard response wrapper.
type xueqiuEnvelope struct {
	ErrorCode        *int            `json:"error_code"`
	ErrorDescription string          `json:"error_description"`
	Data             json.RawMessage `json:"data"`
}

// Validate checks the Xueqiu envelope. A non-zero error_code is a
// provider rejection (bad symbol, expired session) and is terminal.
func (x *Xueqiu) Validate(status int, body []byte) (json.RawMessage, *task.Failure) {
	var envelope xueqiuEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, task.Failf(task.ErrProvider, "xueqiu: non-JSON response: %v", err)
	}
	if envelope.ErrorCode == nil {
		return nil, task.Failf(task.ErrProvider, "xueqiu: response missing error_code")
	}
	if *envelope.ErrorCode != 0 {
		desc := envelope.ErrorDescription
		if desc == "" {
			desc = fmt.Sprintf("error_code %d", *envelope.ErrorCode)
		}
		return nil, task.Failf(task.ErrProvider, "xueqiu: %s", desc)
	}
	return envelope.Data, nil
}

// RecordsCount counts records in validated data. Kline rows live under
// "item", quote lists under "list", minute bars under "items"; a bare
// non-empty object counts as one record.
func (x *Xueqiu) RecordsCount(data json.RawMessage) int {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return 0
	}
	for _, key := range []string{"item", "list", "items"} {
		if raw, ok := fields[key]; ok {
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err == nil {
				return len(arr)
			}
		}
	}
	if len(fields) > 0 {
		return 1
	}
	return 0
}
