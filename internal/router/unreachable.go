package router

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Unreachable reports whether err means the endpoint never answered, as
// opposed to answering badly. Cancellation is never an endpoint failure.
func Unreachable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
