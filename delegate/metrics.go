package delegate

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gostdlib/base/context"
)

// MetricsDelegate records connection lifecycle events as OTEL
// instruments: a connection count, a utilization gauge, and counters for
// connect failures and quiescing events.
type MetricsDelegate struct {
	connectionsAdded metric.Int64Counter
	connectFailed    metric.Int64Counter
	quiescing        metric.Int64Counter
	utilization      metric.Int64Gauge
}

// NewMetricsDelegate creates a MetricsDelegate, pulling a Meter from ctx
// the same way the teacher's own rpc/interceptor/otel package does
// (context.Meter(ctx)) when meter is nil.
func NewMetricsDelegate(ctx context.Context, meter metric.Meter) (MetricsDelegate, error) {
	if meter == nil {
		meter = context.Meter(ctx)
	}

	var d MetricsDelegate
	var err error

	d.connectionsAdded, err = meter.Int64Counter(
		"h2pool.connections_added",
		metric.WithDescription("Number of connections added to a pool"),
	)
	if err != nil {
		return MetricsDelegate{}, err
	}

	d.connectFailed, err = meter.Int64Counter(
		"h2pool.connect_failed",
		metric.WithDescription("Number of failed connect attempts"),
	)
	if err != nil {
		return MetricsDelegate{}, err
	}

	d.quiescing, err = meter.Int64Counter(
		"h2pool.connection_quiescing",
		metric.WithDescription("Number of connections that entered quiescing"),
	)
	if err != nil {
		return MetricsDelegate{}, err
	}

	d.utilization, err = meter.Int64Gauge(
		"h2pool.connection_utilization",
		metric.WithDescription("Open streams per connection"),
	)
	if err != nil {
		return MetricsDelegate{}, err
	}

	return d, nil
}

func (d MetricsDelegate) ConnectionAdded(id uint64) {
	d.connectionsAdded.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("conn_id", int64(id))))
}

func (d MetricsDelegate) ConnectionRemoved(uint64) {}

func (d MetricsDelegate) StartedConnecting(uint64) {}

func (d MetricsDelegate) ConnectFailed(id uint64, _ error) {
	d.connectFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("conn_id", int64(id))))
}

func (d MetricsDelegate) ConnectSucceeded(uint64, uint32) {}

func (d MetricsDelegate) ConnectionUtilizationChanged(id uint64, streamsUsed int, _ uint32) {
	d.utilization.Record(context.Background(), int64(streamsUsed), metric.WithAttributes(attribute.Int64("conn_id", int64(id))))
}

func (d MetricsDelegate) ConnectionQuiescing(id uint64) {
	d.quiescing.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("conn_id", int64(id))))
}

func (d MetricsDelegate) ConnectionClosed(uint64, error) {}

var _ Delegate = MetricsDelegate{}
