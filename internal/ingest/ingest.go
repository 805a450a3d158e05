// Package ingest tracks the compressed input feeding a capture chain: byte
// and read counters plus connection metadata for sources that live inside
// this process.
package ingest

import (
	"sync/atomic"
	"time"
)

// Stats captures connection-level metrics for an ingest source, exposed via
// the status API for monitoring source health.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Counter accumulates Stats for one connection. All methods are safe for
// concurrent use.
type Counter struct {
	startedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// NewCounter creates a Counter whose uptime starts now.
func NewCounter(remoteAddr string) *Counter {
	c := &Counter{startedAt: time.Now()}
	c.remoteAddr.Store(remoteAddr)
	return c
}

// RecordRead adds one socket read of n bytes.
func (c *Counter) RecordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

// SetRemoteAddr replaces the recorded peer address.
func (c *Counter) SetRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

// Stats returns a snapshot.
func (c *Counter) Stats() Stats {
	addr, _ := c.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
		ConnectedAt:   c.startedAt.UnixMilli(),
		UptimeMs:      time.Since(c.startedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}
