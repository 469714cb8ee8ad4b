package provider

import (
	"github.com/quantfeed/market-crawler/internal/task"
)

type routeKey struct {
	market   task.Market
	taskType task.Type
}

// Router maps (market, task type) pairs to their adapter. The table is
// static: adding an upstream means adding an adapter and its rows here.
type Router struct {
	routes map[routeKey]Adapter
}

// NewRouter builds the routing table over the default adapters.
func NewRouter() *Router {
	xueqiu := NewXueqiu()
	yahoo := NewYahoo()
	tencent := NewTencent()

	return &Router{routes: map[routeKey]Adapter{
		{task.MarketCN, task.Type1mRealtime}:  xueqiu,
		{task.MarketCN, task.Type5mRealtime}:  xueqiu,
		{task.MarketCN, task.Type15mRealtime}: xueqiu,
		{task.MarketCN, task.Type15mBackfill}: xueqiu,
		{task.MarketCN, task.Type1dBackfill}:  xueqiu,

		{task.MarketUS, task.TypeUS1mRealtime}: yahoo,
		{task.MarketUS, task.Type15mBackfill}:  yahoo,
		{task.MarketUS, task.Type1dBackfill}:   yahoo,

		{task.MarketHK, task.TypeHK1mRealtime}: tencent,
		{task.MarketHK, task.Type1dBackfill}:   tencent,
	}}
}

// For resolves the adapter for a task, or a terminal unsupported_task
// failure when no row matches.
func (r *Router) For(t task.Task) (Adapter, *task.Failure) {
	adapter, ok := r.routes[routeKey{t.Market, t.Type}]
	if !ok {
		return nil, task.Failf(task.ErrUnsupportedTask,
			"no provider for market %s task type %s", t.Market, t.Type)
	}
	return adapter, nil
}
