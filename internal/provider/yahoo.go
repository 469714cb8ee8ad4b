package provider

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfeed/market-crawler/internal/task"
)

const yahooChartURL = "https://query1.finance.yahoo.com/v8/finance/chart/%s"

// yahooIntervals maps task periods to Yahoo chart intervals.
var yahooIntervals = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"1h":  "1h",
	"1d":  "1d",
}

// Yahoo adapts tasks for the Yahoo Finance chart API serving the US
// market. No session cookie is required.
type Yahoo struct{}

// NewYahoo builds the US market adapter.
func NewYahoo() *Yahoo { return &Yahoo{} }

func (y *Yahoo) Name() string { return "yahoo" }

// Plan builds the chart request. Realtime tasks ask for the current day;
// backfill tasks pass the date range as period1/period2 epoch seconds.
func (y *Yahoo) Plan(t task.Task) (Plan, *task.Failure) {
	interval, ok := yahooIntervals[t.Payload.Period]
	if !ok {
		if t.Payload.Period != "" {
			return Plan{}, task.Failf(task.ErrInvalidTask, "unknown period %q", t.Payload.Period)
		}
		interval = "1m"
	}

	query := url.Values{}
	query.Set("interval", interval)
	query.Set("includePrePost", "true")

	if t.Type.Backfill() && t.Payload.StartDate != "" && t.Payload.EndDate != "" {
		start, err := time.Parse("2006-01-02", t.Payload.StartDate)
		if err != nil {
			return Plan{}, task.Failf(task.ErrInvalidTask, "bad start_date %q", t.Payload.StartDate)
		}
		end, err := time.Parse("2006-01-02", t.Payload.EndDate)
		if err != nil {
			return Plan{}, task.Failf(task.ErrInvalidTask, "bad end_date %q", t.Payload.EndDate)
		}
		query.Set("period1", strconv.FormatInt(start.Unix(), 10))
		query.Set("period2", strconv.FormatInt(end.Add(24*time.Hour).Unix(), 10))
	} else {
		query.Set("range", "1d")
	}

	for k, v := range t.Payload.Params {
		query.Set(k, v)
	}

	return Plan{
		Method: "GET",
		URL:    fmt.Sprintf(yahooChartURL, url.PathEscape(t.Symbol)),
		Query:  query,
	}, nil
}

type yahooChart struct {
	Chart struct {
		Result []json.RawMessage `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Validate unwraps the chart envelope. An error object or an empty
// result set is a provider rejection.
func (y *Yahoo) Validate(status int, body []byte) (json.RawMessage, *task.Failure) {
	var envelope yahooChart
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, task.Failf(task.ErrProvider, "yahoo: non-JSON response: %v", err)
	}
	if e := envelope.Chart.Error; e != nil {
		return nil, task.Failf(task.ErrProvider, "yahoo: %s: %s", e.Code, e.Description)
	}
	if len(envelope.Chart.Result) == 0 {
		return nil, task.Failf(task.ErrProvider, "yahoo: empty chart result")
	}
	return envelope.Chart.Result[0], nil
}

// RecordsCount is the number of bar timestamps in the chart result.
func (y *Yahoo) RecordsCount(data json.RawMessage) int {
	var result struct {
		Timestamp []int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0
	}
	return len(result.Timestamp)
}
