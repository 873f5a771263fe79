package delegate

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNoopDelegateSatisfiesInterface(t *testing.T) {
	var d Delegate = NoopDelegate{}
	d.ConnectionAdded(1)
	d.ConnectionRemoved(1)
	d.StartedConnecting(1)
	d.ConnectFailed(1, errors.New("boom"))
	d.ConnectSucceeded(1, 100)
	d.ConnectionUtilizationChanged(1, 2, 100)
	d.ConnectionQuiescing(1)
	d.ConnectionClosed(1, nil)
}

func TestLoggingDelegateLogsConnectFailedAtWarn(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewLoggingDelegate(zap.New(core))

	d.ConnectFailed(7, errors.New("dial refused"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("level = %v, want warn", entries[0].Level)
	}
}

func TestLoggingDelegateSuppressesDebugBelowThreshold(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLoggingDelegate(zap.New(core))

	d.ConnectionAdded(1)

	if got := len(logs.All()); got != 0 {
		t.Fatalf("got %d log entries at info level for a debug event, want 0", got)
	}
}

func TestLoggingDelegateClosedWithErrorLogsWarn(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewLoggingDelegate(zap.New(core))

	d.ConnectionClosed(3, errors.New("reset by peer"))

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zap.WarnLevel {
		t.Fatalf("got entries %+v, want single warn entry", entries)
	}
}
