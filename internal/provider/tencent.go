package provider

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/quantfeed/market-crawler/internal/task"
)

const tencentKlineURL = "https://web.ifzq.gtimg.cn/appstock/app/hkfqkline/get"

// tencentPeriods maps task periods to ifzq kline period tokens.
var tencentPeriods = map[string]string{
	"1m":  "m1",
	"5m":  "m5",
	"15m": "m15",
	"30m": "m30",
	"1h":  "m60",
	"1d":  "day",
	"1w":  "week",
	"1M":  "month",
}

const defaultTencentCount = 320

// Tencent adapts tasks for the Tencent ifzq kline API serving the HK
// market. Symbols are prefixed with "hk" on the wire; no cookie needed.
type Tencent struct{}

// NewTencent builds the HK market adapter.
func NewTencent() *Tencent { return &Tencent{} }

func (t *Tencent) Name() string { return "tencent" }

// Plan builds the kline request. The API takes one packed "param" value:
// code,period,start,end,count,fq.
func (t *Tencent) Plan(tk task.Task) (Plan, *task.Failure) {
	period, ok := tencentPeriods[tk.Payload.Period]
	if !ok {
		if tk.Payload.Period != "" {
			return Plan{}, task.Failf(task.ErrInvalidTask, "unknown period %q", tk.Payload.Period)
		}
		period = "m1"
	}

	code := strings.ToLower(tk.Symbol)
	if !strings.HasPrefix(code, "hk") {
		code = "hk" + code
	}

	count := tk.Payload.Count
	if count <= 0 {
		count = defaultTencentCount
	}

	start, end := "", ""
	if tk.Type.Backfill() {
		start = tk.Payload.StartDate
		end = tk.Payload.EndDate
	}

	query := url.Values{}
	query.Set("param", fmt.Sprintf("%s,%s,%s,%s,%d,qfq", code, period, start, end, count))
	for k, v := range tk.Payload.Params {
		query.Set(k, v)
	}

	return Plan{
		Method: "GET",
		URL:    tencentKlineURL,
		Query:  query,
		Headers: map[string]string{
			"Referer": "https://gu.qq.com/",
		},
	}, nil
}

type tencentEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Validate unwraps the ifzq envelope; non-zero code is a provider
// rejection.
func (t *Tencent) Validate(status int, body []byte) (json.RawMessage, *task.Failure) {
	var envelope tencentEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, task.Failf(task.ErrProvider, "tencent: non-JSON response: %v", err)
	}
	if envelope.Code != 0 {
		msg := envelope.Msg
		if msg == "" {
			msg = fmt.Sprintf("code %d", envelope.Code)
		}
		return nil, task.Failf(task.ErrProvider, "tencent: %s", msg)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, task.Failf(task.ErrProvider, "tencent: empty data")
	}
	return envelope.Data, nil
}

// RecordsCount sums the kline rows across the per-symbol maps in the
// data object. Rows live under period-named keys (qfqday, day, m1, ...).
func (t *Tencent) RecordsCount(data json.RawMessage) int {
	var symbols map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &symbols); err != nil {
		return 0
	}
	total := 0
	for _, series := range symbols {
		for _, raw := range series {
			var rows []json.RawMessage
			if err := json.Unmarshal(raw, &rows); err == nil {
				total += len(rows)
			}
		}
	}
	return total
}
