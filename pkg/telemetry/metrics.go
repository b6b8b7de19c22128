package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, all prefixed with the service name so the Prometheus scrape
// stays easy to filter.
const (
	MetricEquity             = "volharvester_equity"
	MetricDrawdownPct        = "volharvester_drawdown_pct"
	MetricPositionQty        = "volharvester_position_qty"
	MetricPnLRealizedTotal   = "volharvester_pnl_realized_total"
	MetricPnLUnrealized      = "volharvester_pnl_unrealized"
	MetricSignalsTotal       = "volharvester_signals_total"
	MetricOrdersPlacedTotal  = "volharvester_orders_placed_total"
	MetricOrdersFilledTotal  = "volharvester_orders_filled_total"
	MetricTradesTotal        = "volharvester_trades_total"
	MetricCircuitBreakerOpen = "volharvester_circuit_breaker_open"
	MetricFillLatency        = "volharvester_order_fill_latency_seconds"
	MetricATRPct             = "volharvester_atr_pct"
)

// gaugeMap backs one observable gauge with a per-symbol value map.
type gaugeMap struct {
	mu     sync.RWMutex
	values map[string]float64
}

func newGaugeMap() *gaugeMap {
	return &gaugeMap{values: make(map[string]float64)}
}

func (g *gaugeMap) set(symbol string, value float64) {
	g.mu.Lock()
	g.values[symbol] = value
	g.mu.Unlock()
}

func (g *gaugeMap) snapshot() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// observe registers a Float64ObservableGauge that reports every symbol in the
// map with a symbol attribute.
func (g *gaugeMap) observe(meter metric.Meter, name, desc string) (metric.Float64ObservableGauge, error) {
	return meter.Float64ObservableGauge(name, metric.WithDescription(desc),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			g.mu.RLock()
			defer g.mu.RUnlock()
			for sym, val := range g.values {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
}

// MetricsHolder owns the trading instruments. Counters and histograms are
// written directly by callers; gauges are observed from the per-symbol maps.
type MetricsHolder struct {
	PnLRealizedTotal  metric.Float64Counter
	SignalsTotal      metric.Int64Counter
	OrdersPlacedTotal metric.Int64Counter
	OrdersFilledTotal metric.Int64Counter
	TradesTotal       metric.Int64Counter
	FillLatency       metric.Float64Histogram

	Equity             metric.Float64ObservableGauge
	DrawdownPct        metric.Float64ObservableGauge
	PositionQty        metric.Float64ObservableGauge
	PnLUnrealized      metric.Float64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	ATRPct             metric.Float64ObservableGauge

	equity     *gaugeMap
	drawdown   *gaugeMap
	position   *gaugeMap
	unrealized *gaugeMap
	atr        *gaugeMap

	cbMu   sync.RWMutex
	cbOpen map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide holder. Instruments are nil until
// InitMetrics runs.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equity:     newGaugeMap(),
			drawdown:   newGaugeMap(),
			position:   newGaugeMap(),
			unrealized: newGaugeMap(),
			atr:        newGaugeMap(),
			cbOpen:     make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates every instrument on meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal,
		metric.WithDescription("Signals generated by type")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Orders placed")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Orders filled")); err != nil {
		return err
	}
	if m.TradesTotal, err = meter.Int64Counter(MetricTradesTotal,
		metric.WithDescription("Executed trades by side")); err != nil {
		return err
	}
	if m.FillLatency, err = meter.Float64Histogram(MetricFillLatency,
		metric.WithDescription("Time from order placement to fill"),
		metric.WithUnit("s")); err != nil {
		return err
	}

	if m.Equity, err = m.equity.observe(meter, MetricEquity,
		"Current account equity"); err != nil {
		return err
	}
	if m.DrawdownPct, err = m.drawdown.observe(meter, MetricDrawdownPct,
		"Drawdown from peak equity in percent"); err != nil {
		return err
	}
	if m.PositionQty, err = m.position.observe(meter, MetricPositionQty,
		"Position quantity in base asset"); err != nil {
		return err
	}
	if m.PnLUnrealized, err = m.unrealized.observe(meter, MetricPnLUnrealized,
		"Unrealized PnL of the open position"); err != nil {
		return err
	}
	if m.ATRPct, err = m.atr.observe(meter, MetricATRPct,
		"ATR as percent of price"); err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Circuit breaker state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.cbMu.RLock()
			defer m.cbMu.RUnlock()
			for sym, val := range m.cbOpen {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

func (m *MetricsHolder) SetEquity(symbol string, value float64)      { m.equity.set(symbol, value) }
func (m *MetricsHolder) SetDrawdownPct(symbol string, value float64) { m.drawdown.set(symbol, value) }
func (m *MetricsHolder) SetPositionQty(symbol string, value float64) { m.position.set(symbol, value) }
func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.unrealized.set(symbol, value)
}
func (m *MetricsHolder) SetATRPct(symbol string, value float64) { m.atr.set(symbol, value) }

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	var val int64
	if open {
		val = 1
	}
	m.cbMu.Lock()
	m.cbOpen[symbol] = val
	m.cbMu.Unlock()
}

// GetEquity returns a copy of the per-symbol equity map.
func (m *MetricsHolder) GetEquity() map[string]float64 {
	return m.equity.snapshot()
}
