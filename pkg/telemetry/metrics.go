package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersQueuedTotal     = "fm_pending_queued_total"
	MetricOrdersApprovedTotal   = "fm_pending_approved_total"
	MetricOrdersRejectedTotal   = "fm_pending_rejected_total"
	MetricOrdersExecutedTotal   = "fm_orders_executed_total"
	MetricFillsTotal            = "fm_fills_total"
	MetricFillVolumeTotal       = "fm_fill_volume_total"
	MetricStopScansTotal        = "fm_stop_scans_total"
	MetricStopScansSkipped      = "fm_stop_scans_skipped_total"
	MetricWavesEnqueuedTotal    = "fm_pyramid_waves_enqueued_total"
	MetricTPTriggeredTotal      = "fm_pyramid_tp_triggered_total"
	MetricBroadcastDropped      = "fm_broadcast_dropped_total"
	MetricExecutionLatency      = "fm_execution_latency_ms"
	MetricFillApplyDuration     = "fm_fill_apply_duration_ms"
	MetricPendingApprovals      = "fm_pending_approvals"
	MetricScheduledOrders       = "fm_scheduled_orders"
	MetricSessionsActive        = "fm_pyramid_sessions_active"
	MetricPositionSize          = "fm_position_size"
	MetricPnLRealized           = "fm_pnl_realized"
	MetricPnLUnrealized         = "fm_pnl_unrealized"
	MetricCircuitBreakerOpen    = "fm_circuit_breaker_open"
	MetricPriceSourceErrorTotal = "fm_price_source_errors_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersQueuedTotal     metric.Int64Counter
	OrdersApprovedTotal   metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	OrdersExecutedTotal   metric.Int64Counter
	FillsTotal            metric.Int64Counter
	FillVolumeTotal       metric.Float64Counter
	StopScansTotal        metric.Int64Counter
	StopScansSkipped      metric.Int64Counter
	WavesEnqueuedTotal    metric.Int64Counter
	TPTriggeredTotal      metric.Int64Counter
	BroadcastDropped      metric.Int64Counter
	PriceSourceErrorTotal metric.Int64Counter
	ExecutionLatency      metric.Float64Histogram
	FillApplyDuration     metric.Float64Histogram
	PendingApprovals      metric.Int64ObservableGauge
	ScheduledOrders       metric.Int64ObservableGauge
	SessionsActive        metric.Int64ObservableGauge
	PositionSize          metric.Float64ObservableGauge
	PnLRealized           metric.Float64ObservableGauge
	PnLUnrealized         metric.Float64ObservableGauge
	CircuitBreakerOpen    metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	pendingApprovals int64
	scheduledOrders  int64
	sessionsMap      map[string]int64
	positionSizeMap  map[string]float64
	realizedPnLMap   map[string]float64
	unrealizedPnLMap map[string]float64
	cbOpenMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			sessionsMap:      make(map[string]int64),
			positionSizeMap:  make(map[string]float64),
			realizedPnLMap:   make(map[string]float64),
			unrealizedPnLMap: make(map[string]float64),
			cbOpenMap:        make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersQueuedTotal, err = meter.Int64Counter(MetricOrdersQueuedTotal, metric.WithDescription("Total order intents queued for approval"))
	if err != nil {
		return err
	}

	m.OrdersApprovedTotal, err = meter.Int64Counter(MetricOrdersApprovedTotal, metric.WithDescription("Total pending orders approved"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total pending orders rejected"))
	if err != nil {
		return err
	}

	m.OrdersExecutedTotal, err = meter.Int64Counter(MetricOrdersExecutedTotal, metric.WithDescription("Total orders handed to the paper engine"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Total fills appended"))
	if err != nil {
		return err
	}

	m.FillVolumeTotal, err = meter.Float64Counter(MetricFillVolumeTotal, metric.WithDescription("Total filled volume in base asset"))
	if err != nil {
		return err
	}

	m.StopScansTotal, err = meter.Int64Counter(MetricStopScansTotal, metric.WithDescription("Total stop-loss scan ticks"))
	if err != nil {
		return err
	}

	m.StopScansSkipped, err = meter.Int64Counter(MetricStopScansSkipped, metric.WithDescription("Stop-loss scans skipped on unavailable price"))
	if err != nil {
		return err
	}

	m.WavesEnqueuedTotal, err = meter.Int64Counter(MetricWavesEnqueuedTotal, metric.WithDescription("Total pyramid waves enqueued"))
	if err != nil {
		return err
	}

	m.TPTriggeredTotal, err = meter.Int64Counter(MetricTPTriggeredTotal, metric.WithDescription("Total take-profit triggers"))
	if err != nil {
		return err
	}

	m.BroadcastDropped, err = meter.Int64Counter(MetricBroadcastDropped, metric.WithDescription("Dashboard broadcasts dropped under pressure"))
	if err != nil {
		return err
	}

	m.PriceSourceErrorTotal, err = meter.Int64Counter(MetricPriceSourceErrorTotal, metric.WithDescription("Price source lookup failures"))
	if err != nil {
		return err
	}

	m.ExecutionLatency, err = meter.Float64Histogram(MetricExecutionLatency, metric.WithDescription("Scheduled execution latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FillApplyDuration, err = meter.Float64Histogram(MetricFillApplyDuration, metric.WithDescription("Coordinator time to project one fill"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PendingApprovals, err = meter.Int64ObservableGauge(MetricPendingApprovals, metric.WithDescription("Pending orders awaiting review"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pendingApprovals)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ScheduledOrders, err = meter.Int64ObservableGauge(MetricScheduledOrders, metric.WithDescription("Orders waiting in the latency dispatcher"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.scheduledOrders)
			return nil
		}))
	if err != nil {
		return err
	}

	m.SessionsActive, err = meter.Int64ObservableGauge(MetricSessionsActive, metric.WithDescription("Active pyramid sessions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.sessionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLRealized, err = meter.Float64ObservableGauge(MetricPnLRealized, metric.WithDescription("Cumulative realized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.realizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for component, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("component", component)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPendingApprovals(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingApprovals = count
}

func (m *MetricsHolder) SetScheduledOrders(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduledOrders = count
}

func (m *MetricsHolder) SetSessionsActive(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsMap[symbol] = count
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) SetRealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetCircuitBreakerOpen(component string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[component] = val
}

func (m *MetricsHolder) GetPendingApprovals() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingApprovals
}

func (m *MetricsHolder) GetScheduledOrders() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduledOrders
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}
