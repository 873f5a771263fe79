package delegate

import "go.uber.org/zap"

// LoggingDelegate logs connection lifecycle events at the appropriate
// level: debug for routine accounting, warn for failures and quiescing,
// info for connect success/close.
type LoggingDelegate struct {
	Logger *zap.Logger
}

// NewLoggingDelegate wraps logger as a Delegate.
func NewLoggingDelegate(logger *zap.Logger) LoggingDelegate {
	return LoggingDelegate{Logger: logger}
}

func (d LoggingDelegate) ConnectionAdded(id uint64) {
	d.Logger.Debug("connection added", zap.Uint64("conn_id", id))
}

func (d LoggingDelegate) ConnectionRemoved(id uint64) {
	d.Logger.Debug("connection removed", zap.Uint64("conn_id", id))
}

func (d LoggingDelegate) StartedConnecting(id uint64) {
	d.Logger.Debug("connecting", zap.Uint64("conn_id", id))
}

func (d LoggingDelegate) ConnectFailed(id uint64, err error) {
	d.Logger.Warn("connect failed", zap.Uint64("conn_id", id), zap.Error(err))
}

func (d LoggingDelegate) ConnectSucceeded(id uint64, streamCapacity uint32) {
	d.Logger.Info("connected", zap.Uint64("conn_id", id), zap.Uint32("stream_capacity", streamCapacity))
}

func (d LoggingDelegate) ConnectionUtilizationChanged(id uint64, streamsUsed int, streamCapacity uint32) {
	d.Logger.Debug("utilization changed",
		zap.Uint64("conn_id", id),
		zap.Int("streams_used", streamsUsed),
		zap.Uint32("stream_capacity", streamCapacity),
	)
}

func (d LoggingDelegate) ConnectionQuiescing(id uint64) {
	d.Logger.Warn("connection quiescing", zap.Uint64("conn_id", id))
}

func (d LoggingDelegate) ConnectionClosed(id uint64, err error) {
	if err != nil {
		d.Logger.Warn("connection closed", zap.Uint64("conn_id", id), zap.Error(err))
		return
	}
	d.Logger.Info("connection closed", zap.Uint64("conn_id", id))
}

var _ Delegate = LoggingDelegate{}
