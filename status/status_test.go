package status

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestCode(t *testing.T) {
	connErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "shutdown", err: ShutdownError{}, want: codes.Unavailable},
		{name: "too many waiters, no cause", err: TooManyWaitersError{}, want: codes.ResourceExhausted},
		{name: "too many waiters, with cause", err: TooManyWaitersError{Cause: connErr}, want: codes.ResourceExhausted},
		{name: "deadline exceeded", err: DeadlineExceededError{Cause: connErr}, want: codes.DeadlineExceeded},
		{name: "unrelated error", err: errors.New("boom"), want: codes.Unknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Fatalf("Code(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTooManyWaitersUnwrapsCause(t *testing.T) {
	cause := errors.New("connect refused")
	err := TooManyWaitersError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestDeadlineExceededUnwrapsCause(t *testing.T) {
	cause := errors.New("connect refused")
	err := DeadlineExceededError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestGRPCStatusFromError(t *testing.T) {
	st, ok := grpcstatus.FromError(ShutdownError{})
	if !ok {
		t.Fatalf("grpcstatus.FromError(ShutdownError{}) ok = false, want true")
	}
	if st.Code() != codes.Unavailable {
		t.Fatalf("code = %v, want %v", st.Code(), codes.Unavailable)
	}
}
