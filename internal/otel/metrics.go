package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all govctl metric instruments: the governance command
// pipeline and the external-access broker.
type Metrics struct {
	CommandDuration   metric.Float64Histogram
	CommandErrors     metric.Int64Counter
	BrokerAuthorize   metric.Float64Histogram
	BrokerDenials     metric.Int64Counter
	BrokerReplays     metric.Int64Counter
	AlertsDispatched  metric.Int64Counter
	AlertsDedupSkips  metric.Int64Counter
	GatewayRequests   metric.Int64Counter
	GatewayRejections metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram("govctl.command.duration",
		metric.WithDescription("Governance engine command duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandErrors, err = meter.Int64Counter("govctl.command.errors",
		metric.WithDescription("Governance engine command failures by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.BrokerAuthorize, err = meter.Float64Histogram("govctl.broker.authorize.duration",
		metric.WithDescription("External-access broker authorization duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BrokerDenials, err = meter.Int64Counter("govctl.broker.denials",
		metric.WithDescription("External-access calls denied by the broker, by reason code"),
	)
	if err != nil {
		return nil, err
	}

	m.BrokerReplays, err = meter.Int64Counter("govctl.broker.replays",
		metric.WithDescription("Idempotent external-access calls served from a prior result"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsDispatched, err = meter.Int64Counter("govctl.alerts.dispatched",
		metric.WithDescription("Alerts sent to the Telegram transport, by rule"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsDedupSkips, err = meter.Int64Counter("govctl.alerts.dedup_skips",
		metric.WithDescription("Alerts suppressed by the dedup window, by rule"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayRequests, err = meter.Int64Counter("govctl.gateway.requests",
		metric.WithDescription("Ops HTTP requests handled, by route and status"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayRejections, err = meter.Int64Counter("govctl.gateway.auth_rejections",
		metric.WithDescription("Ops HTTP requests rejected by the auth or rate-limit middleware"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
