package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEffectiveTimeoutClamp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		hint int
		want time.Duration
	}{
		{"unset defaults", 0, 30 * time.Second},
		{"negative defaults", -3, 30 * time.Second},
		{"below floor", 2, 5 * time.Second},
		{"honored", 10, 10 * time.Second},
		{"capped", 120, 45 * time.Second},
		{"at cap", 45, 45 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tk := Task{TimeoutS: tc.hint}
			require.Equal(t, tc.want, tk.EffectiveTimeout())
		})
	}
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	valid := Task{TaskID: "t1", Type: Type1mRealtime, Market: MarketCN, Symbol: "SH600000"}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Task){
		"missing task_id": func(tk *Task) { tk.TaskID = " " },
		"unknown type":    func(tk *Task) { tk.Type = "2h_realtime" },
		"unknown market":  func(tk *Task) { tk.Market = "JP" },
		"missing symbol":  func(tk *Task) { tk.Symbol = "" },
	} {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tk := valid
			mutate(&tk)
			require.Error(t, tk.Validate())
		})
	}
}

func TestPayloadExtrasSurviveDecode(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"cookie_id":"c1","period":"1m","count":100,"shard_hint":"a7","params":{"type":"before"}}`)
	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))

	require.Equal(t, "c1", p.CookieID)
	require.Equal(t, "1m", p.Period)
	require.Equal(t, 100, p.Count)
	require.Equal(t, "before", p.Params["type"])
	require.Contains(t, p.Extras, "shard_hint")
	require.NotContains(t, p.Extras, "cookie_id")
}

func TestErrorKindDisposition(t *testing.T) {
	t.Parallel()

	terminal := []ErrorKind{ErrInvalidTask, ErrUnsupportedTask, ErrMissingCookie, ErrProvider, ErrHTTP4xx}
	transient := []ErrorKind{ErrHTTP5xx, ErrTimeout, ErrNetwork, ErrProxy, ErrCancelled, ErrInternal}

	for _, k := range terminal {
		require.True(t, k.Terminal(), "kind %s should be terminal", k)
	}
	for _, k := range transient {
		require.False(t, k.Terminal(), "kind %s should be transient", k)
	}

	ok := Result{Success: true}
	require.True(t, ok.Terminal())
	timeout := Result{ErrorKind: ErrTimeout}
	require.False(t, timeout.Terminal())
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tier, err := ParseTier("critical")
	require.NoError(t, err)
	require.Equal(t, TierCritical, tier)

	tier, err = ParseTier("MEDIUM")
	require.NoError(t, err)
	require.Equal(t, TierNormal, tier)

	_, err = ParseTier("urgent")
	require.Error(t, err)
}

func TestTierQueuesPriorityOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]string{"crawler_backfill_critical", "crawler_realtime_critical"},
		TierCritical.Queues())
	require.Equal(t,
		[]string{"crawler_backfill_high", "crawler_realtime_high", "crawler_backfill_normal"},
		TierHigh.Queues())
	require.Equal(t,
		[]string{"crawler_backfill_normal", "crawler_realtime_normal"},
		TierNormal.Queues())
	require.Equal(t, "crawler_high", TierHigh.Group())
}
