package provider

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfeed/market-crawler/internal/task"
)

func klineTask(period string) task.Task {
	return task.Task{
		TaskID:   "t-1",
		Type:     task.Type1mRealtime,
		Market:   task.MarketCN,
		Symbol:   "SH600000",
		Endpoint: task.EndpointKline,
		Payload:  task.Payload{Period: period, Count: 50},
	}
}

func TestXueqiuKlinePlan(t *testing.T) {
	t.Parallel()

	x := NewXueqiu()
	x.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	plan, fail := x.Plan(klineTask("1h"))
	require.Nil(t, fail)
	require.Equal(t, "GET", plan.Method)
	require.Equal(t, "https://stock.xueqiu.com/v5/stock/chart/kline.json", plan.URL)
	require.True(t, plan.NeedsCookie)

	require.Equal(t, "SH600000", plan.Query.Get("symbol"))
	require.Equal(t, "60m", plan.Query.Get("period"))
	require.Equal(t, "before", plan.Query.Get("type"))
	require.Equal(t, "-50", plan.Query.Get("count"))
	require.Equal(t, "1700000000000", plan.Query.Get("begin"))
	require.Contains(t, plan.Query.Get("indicator"), "kline")

	require.Equal(t, "https://xueqiu.com/S/SH600000", plan.Headers["Referer"])
	require.Equal(t, "https://xueqiu.com", plan.Headers["Origin"])
	require.Equal(t, "XMLHttpRequest", plan.Headers["X-Requested-With"])
}

func TestXueqiuPeriodMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
		"1h": "60m", "1d": "day", "1w": "week", "1M": "month",
	}
	x := NewXueqiu()
	for in, want := range cases {
		plan, fail := x.Plan(klineTask(in))
		require.Nil(t, fail, "period %s", in)
		require.Equal(t, want, plan.Query.Get("period"), "period %s", in)
	}
}

func TestXueqiuRejectsUnknownPeriod(t *testing.T) {
	t.Parallel()

	_, fail := NewXueqiu().Plan(klineTask("7m"))
	require.NotNil(t, fail)
	require.Equal(t, task.ErrInvalidTask, fail.Kind)
}

func TestXueqiuBackfillBeginFromEndDate(t *testing.T) {
	t.Parallel()

	tk := klineTask("15m")
	tk.Type = task.Type15mBackfill
	tk.Payload.StartDate = "2026-08-01"
	tk.Payload.EndDate = "2026-08-05"

	x := NewXueqiu()
	plan, fail := x.Plan(tk)
	require.Nil(t, fail)

	end, _ := time.Parse("2006-01-02", "2026-08-05")
	want := end.Add(24*time.Hour - time.Millisecond).UnixMilli()
	require.Equal(t, want, mustInt64(t, plan.Query.Get("begin")))
}

func TestXueqiuQuotePlan(t *testing.T) {
	t.Parallel()

	tk := klineTask("")
	tk.Endpoint = task.EndpointQuote
	plan, fail := NewXueqiu().Plan(tk)
	require.Nil(t, fail)
	require.Equal(t, "https://stock.xueqiu.com/v5/stock/quote.json", plan.URL)
	require.Equal(t, "detail", plan.Query.Get("extend"))
}

func TestXueqiuCallerParamsWin(t *testing.T) {
	t.Parallel()

	tk := klineTask("1d")
	tk.Payload.Params = map[string]string{"count": "-10", "custom": "1"}
	plan, fail := NewXueqiu().Plan(tk)
	require.Nil(t, fail)
	require.Equal(t, "-10", plan.Query.Get("count"))
	require.Equal(t, "1", plan.Query.Get("custom"))
}

func TestXueqiuValidate(t *testing.T) {
	t.Parallel()

	x := NewXueqiu()

	data, fail := x.Validate(200, []byte(`{"error_code":0,"error_description":"","data":{"symbol":"SH600000","item":[[1,2],[3,4]]}}`))
	require.Nil(t, fail)
	require.Equal(t, 2, x.RecordsCount(data))

	_, fail = x.Validate(200, []byte(`{"error_code":400016,"error_description":"无权限访问"}`))
	require.NotNil(t, fail)
	require.Equal(t, task.ErrProvider, fail.Kind)
	require.Contains(t, fail.Detail, "无权限访问")

	_, fail = x.Validate(200, []byte(`<html>blocked</html>`))
	require.NotNil(t, fail)
	require.Equal(t, task.ErrProvider, fail.Kind)

	_, fail = x.Validate(200, []byte(`{"data":{}}`))
	require.NotNil(t, fail)
}

func TestXueqiuRecordsCountPrecedence(t *testing.T) {
	t.Parallel()

	x := NewXueqiu()
	cases := []struct {
		name string
		data string
		want int
	}{
		{"kline item rows", `{"item":[[1],[2],[3]]}`, 3},
		{"quote list", `{"list":[{},{}]}`, 2},
		{"minute items", `{"items":[{}]}`, 1},
		{"item wins over list", `{"item":[[1]],"list":[{},{}]}`, 1},
		{"bare object", `{"symbol":"SH600000","current":10.2}`, 1},
		{"empty object", `{}`, 0},
		{"not an object", `[1,2,3]`, 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, x.RecordsCount(json.RawMessage(tc.data)), tc.name)
	}
}

func TestYahooRealtimePlan(t *testing.T) {
	t.Parallel()

	tk := task.Task{
		TaskID:  "t-2",
		Type:    task.TypeUS1mRealtime,
		Market:  task.MarketUS,
		Symbol:  "AAPL",
		Payload: task.Payload{Period: "1m"},
	}
	plan, fail := NewYahoo().Plan(tk)
	require.Nil(t, fail)
	require.False(t, plan.NeedsCookie)
	require.Equal(t, "https://query1.finance.yahoo.com/v8/finance/chart/AAPL", plan.URL)
	require.Equal(t, "1m", plan.Query.Get("interval"))
	require.Equal(t, "1d", plan.Query.Get("range"))
}

func TestYahooBackfillPlanUsesDateRange(t *testing.T) {
	t.Parallel()

	tk := task.Task{
		TaskID: "t-3",
		Type:   task.Type1dBackfill,
		Market: task.MarketUS,
		Symbol: "MSFT",
		Payload: task.Payload{
			Period:    "1d",
			StartDate: "2026-08-01",
			EndDate:   "2026-08-10",
		},
	}
	plan, fail := NewYahoo().Plan(tk)
	require.Nil(t, fail)
	require.Empty(t, plan.Query.Get("range"))

	start, _ := time.Parse("2006-01-02", "2026-08-01")
	require.Equal(t, start.Unix(), mustInt64(t, plan.Query.Get("period1")))
	end, _ := time.Parse("2006-01-02", "2026-08-10")
	require.Equal(t, end.Add(24*time.Hour).Unix(), mustInt64(t, plan.Query.Get("period2")))
}

func TestYahooValidateAndCount(t *testing.T) {
	t.Parallel()

	y := NewYahoo()

	body := `{"chart":{"result":[{"timestamp":[1,2,3],"indicators":{"quote":[{}]}}],"error":null}}`
	data, fail := y.Validate(200, []byte(body))
	require.Nil(t, fail)
	require.Equal(t, 3, y.RecordsCount(data))

	_, fail = y.Validate(200, []byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`))
	require.NotNil(t, fail)
	require.Equal(t, task.ErrProvider, fail.Kind)

	_, fail = y.Validate(200, []byte(`{"chart":{"result":[]}}`))
	require.NotNil(t, fail)
}

func TestTencentPlanPacksParam(t *testing.T) {
	t.Parallel()

	tk := task.Task{
		TaskID:  "t-4",
		Type:    task.TypeHK1mRealtime,
		Market:  task.MarketHK,
		Symbol:  "00700",
		Payload: task.Payload{Period: "1m"},
	}
	plan, fail := NewTencent().Plan(tk)
	require.Nil(t, fail)
	require.Equal(t, "https://web.ifzq.gtimg.cn/appstock/app/hkfqkline/get", plan.URL)
	require.Equal(t, "hk00700,m1,,,320,qfq", plan.Query.Get("param"))
}

func TestTencentBackfillPlanCarriesDates(t *testing.T) {
	t.Parallel()

	tk := task.Task{
		TaskID: "t-5",
		Type:   task.Type1dBackfill,
		Market: task.MarketHK,
		Symbol: "hk00700",
		Payload: task.Payload{
			Period:    "1d",
			StartDate: "2026-08-01",
			EndDate:   "2026-08-10",
			Count:     640,
		},
	}
	plan, fail := NewTencent().Plan(tk)
	require.Nil(t, fail)
	require.Equal(t, "hk00700,day,2026-08-01,2026-08-10,640,qfq", plan.Query.Get("param"))
}

func TestTencentValidateAndCount(t *testing.T) {
	t.Parallel()

	adapter := NewTencent()

	body := `{"code":0,"msg":"","data":{"hk00700":{"qfqday":[["2026-08-01",320,321,322,319],["2026-08-02",321,322,323,320]]}}}`
	data, fail := adapter.Validate(200, []byte(body))
	require.Nil(t, fail)
	require.Equal(t, 2, adapter.RecordsCount(data))

	_, fail = adapter.Validate(200, []byte(`{"code":-1,"msg":"param error"}`))
	require.NotNil(t, fail)
	require.Equal(t, task.ErrProvider, fail.Kind)

	_, fail = adapter.Validate(200, []byte(`{"code":0,"data":null}`))
	require.NotNil(t, fail)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	router := NewRouter()

	adapter, fail := router.For(task.Task{Market: task.MarketCN, Type: task.Type1mRealtime})
	require.Nil(t, fail)
	require.Equal(t, "xueqiu", adapter.Name())

	adapter, fail = router.For(task.Task{Market: task.MarketUS, Type: task.TypeUS1mRealtime})
	require.Nil(t, fail)
	require.Equal(t, "yahoo", adapter.Name())

	adapter, fail = router.For(task.Task{Market: task.MarketHK, Type: task.TypeHK1mRealtime})
	require.Nil(t, fail)
	require.Equal(t, "tencent", adapter.Name())

	_, fail = router.For(task.Task{Market: task.MarketUS, Type: task.Type1mRealtime})
	require.NotNil(t, fail)
	require.Equal(t, task.ErrUnsupportedTask, fail.Kind)
}

func mustInt64(t *testing.T, s string) int64 {
	t.Helper()
	v, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return v
}
