// Package netcheck gates network-bound work on connectivity being available.
package netcheck

import (
	"context"
	"errors"
	"net"
	"time"
)

var ErrOffline = errors.New("network unavailable")

type Checker interface {
	Online(ctx context.Context) bool
}

// DialChecker probes connectivity by opening a TCP connection to Addr.
type DialChecker struct {
	Addr    string
	Timeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewDialChecker(addr string, timeout time.Duration) *DialChecker {
	d := &net.Dialer{}
	return &DialChecker{Addr: addr, Timeout: timeout, dial: d.DialContext}
}

func (c *DialChecker) Online(ctx context.Context) bool {
	if c.Addr == "" {
		return true
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Always reports a fixed connectivity state.
type Always bool

func (a Always) Online(context.Context) bool { return bool(a) }
