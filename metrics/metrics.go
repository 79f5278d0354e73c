// Package metrics provides Prometheus metrics for the feed reconciler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedConnected 当前连接状态（1=已连接）。
	FeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_connected",
		Help: "Whether the venue websocket is currently connected",
	})
	// FeedReconnects 累计重连次数。
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_reconnects_total",
		Help: "Total websocket reconnect attempts",
	})
	// FeedProtocolErrors 丢弃的畸形/错误消息数。
	FeedProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_protocol_errors_total",
		Help: "Malformed or error messages dropped from the feed",
	})
	// EventsAdmitted 通过去重后被折叠进账本的事件数。
	EventsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_admitted_total",
		Help: "Events admitted past the sequence registry",
	})
	// EventsDuplicate 被序列注册表拒绝的重复事件数。
	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_duplicate_total",
		Help: "Events rejected as duplicates by the sequence registry",
	})
	// EventsBuffered 等待父订单出现而暂存的事件数。
	EventsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_buffered_total",
		Help: "Out-of-order events buffered awaiting their parent order",
	})
	// EventsDropped 超过重试上限后丢弃的乱序事件数。
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_events_dropped_total",
		Help: "Buffered events dropped after their parent order never appeared",
	})
	// OrdersOpen 当前账本中的活跃订单数。
	OrdersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_orders_open",
		Help: "Orders currently in received/open state",
	})
	// FundsAvailable 可用资金。
	FundsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "account_funds_available",
		Help: "Available quote-currency funds",
	})
	// ProfitAndLoss 相对起始资金的盈亏。
	ProfitAndLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "account_pnl",
		Help: "Profit and loss versus the starting balance",
	})
)

// StartMetricsServer 启动 Prometheus 指标服务器。
func StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
