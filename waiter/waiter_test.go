package waiter

import (
	"errors"
	"testing"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/h2pool/status"
)

type fakeChannel struct{}

func (fakeChannel) Close() error { return nil }

func TestSucceedDeliversResult(t *testing.T) {
	ctx := context.Background()
	deadlineCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	w := New(1, deadlineCtx, cancel)

	ch := fakeChannel{}
	if !w.Succeed(ch) {
		t.Fatalf("Succeed() = false, want true")
	}

	res := <-w.Done()
	if res.Err != nil {
		t.Fatalf("res.Err = %v, want nil", res.Err)
	}
	if res.Channel != ch {
		t.Fatalf("res.Channel = %v, want %v", res.Channel, ch)
	}
}

func TestResolutionIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	deadlineCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	w := New(1, deadlineCtx, cancel)

	if !w.Succeed(fakeChannel{}) {
		t.Fatalf("first Succeed() = false, want true")
	}
	if w.Succeed(fakeChannel{}) {
		t.Fatalf("second Succeed() = true, want false")
	}
	if w.Fail(status.ShutdownError{}) {
		t.Fatalf("Fail() after Succeed() = true, want false")
	}
}

func TestScheduleTimeoutFailsAfterDeadline(t *testing.T) {
	ctx := context.Background()
	deadlineCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	connErr := errors.New("connect refused")
	w := New(1, deadlineCtx, cancel)
	w.ScheduleTimeout(ctx, func() error { return connErr })

	select {
	case res := <-w.Done():
		var de status.DeadlineExceededError
		if !errors.As(res.Err, &de) {
			t.Fatalf("res.Err = %v, want DeadlineExceededError", res.Err)
		}
		if de.Cause != connErr {
			t.Fatalf("de.Cause = %v, want %v", de.Cause, connErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for deadline-induced failure")
	}
}

func TestDeadlineAlreadyPassedFiresPromptly(t *testing.T) {
	ctx := context.Background()
	deadlineCtx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	w := New(1, deadlineCtx, cancel)
	if !w.Expired() {
		t.Fatalf("Expired() = false for a past deadline, want true")
	}

	w.ScheduleTimeout(ctx, nil)
	select {
	case res := <-w.Done():
		var de status.DeadlineExceededError
		if !errors.As(res.Err, &de) {
			t.Fatalf("res.Err = %v, want DeadlineExceededError", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for already-past deadline to fire")
	}
}
