// Package status maps this module's request-scoped error kinds onto the
// canonical gRPC status codes callers already know how to branch on,
// instead of inventing a parallel taxonomy.
package status

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ShutdownError is returned when a stream is requested from a pool or
// pool manager that is shutting down or shut down. Maps to
// codes.Unavailable.
type ShutdownError struct{}

func (ShutdownError) Error() string { return "pool is shut down" }

// GRPCStatus implements the interface google.golang.org/grpc/status.FromError
// looks for, so errors.As and grpc interceptors alike can recover the code.
func (e ShutdownError) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(codes.Unavailable, e.Error())
}

// TooManyWaitersError is returned when a pool's waiter queue is already
// at max_waiters. Maps to codes.ResourceExhausted; Cause, if non-nil, is
// the pool's most recently observed connect error.
type TooManyWaitersError struct {
	Cause error
}

func (e TooManyWaitersError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("too many waiters: %v", e.Cause)
	}
	return "too many waiters"
}

func (e TooManyWaitersError) Unwrap() error { return e.Cause }

func (e TooManyWaitersError) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(codes.ResourceExhausted, e.Error())
}

// DeadlineExceededError is returned when a Waiter's deadline elapses
// before a stream could be reserved. Maps to codes.DeadlineExceeded;
// Cause, if non-nil, is the pool's most recently observed connect error.
type DeadlineExceededError struct {
	Cause error
}

func (e DeadlineExceededError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("deadline exceeded: %v", e.Cause)
	}
	return "deadline exceeded"
}

func (e DeadlineExceededError) Unwrap() error { return e.Cause }

func (e DeadlineExceededError) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(codes.DeadlineExceeded, e.Error())
}

// Code returns the gRPC status code this module's error kinds map to, or
// codes.Unknown for anything else.
func Code(err error) codes.Code {
	var shutdown ShutdownError
	var tooMany TooManyWaitersError
	var deadline DeadlineExceededError

	switch {
	case errors.As(err, &shutdown):
		return codes.Unavailable
	case errors.As(err, &tooMany):
		return codes.ResourceExhausted
	case errors.As(err, &deadline):
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}
