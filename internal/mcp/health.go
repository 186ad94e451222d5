package mcp

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Health is the result of one probe of a tool server.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Prober checks whether a tool server on a port is ready to serve.
type Prober interface {
	Probe(ctx context.Context, port int) Health
}

const probeTimeout = 5 * time.Second

// RPCProber is the capability probe: the port must accept connections and
// answer tools/list. A server that accepts connections but cannot list its
// tools yet is degraded, not unhealthy.
type RPCProber struct{}

func NewRPCProber() *RPCProber {
	return &RPCProber{}
}

func (p *RPCProber) Probe(ctx context.Context, port int) Health {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return Unhealthy
	}
	conn.Close()

	client := NewClient("http://" + addr)
	tools, err := client.ListTools(ctx, nil)
	if err != nil {
		return Degraded
	}
	if len(tools) == 0 {
		return Degraded
	}
	return Healthy
}

// Health check staging. The first wait is longer to give the process time to
// bind its port; later waits grow with the attempt number, capped.
const (
	healthAttempts     = 15
	firstProbeDelay    = 500 * time.Millisecond
	probeBackoffStep   = 300 * time.Millisecond
	probeBackoffFactor = 5
)

// probeDelay returns the wait before attempt n (1-based).
func probeDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return firstProbeDelay
	}
	f := attempt
	if f > probeBackoffFactor {
		f = probeBackoffFactor
	}
	return time.Duration(f) * probeBackoffStep
}

// degradedAccepted reports whether a degraded probe result counts as ready.
// Only the final attempts settle for degraded; earlier ones keep waiting for
// full health.
func degradedAccepted(attempt int) bool {
	return attempt > healthAttempts-2
}
