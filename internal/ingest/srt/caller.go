package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mirrorpipe/internal/ingest"
	"github.com/zsiec/mirrorpipe/internal/supervisor"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// DefaultDialTimeout bounds the SRT handshake.
const DefaultDialTimeout = 10 * time.Second

// Source pulls an MPEG-TS stream from a remote SRT listener and feeds it to
// the transcoder in place of a capture process.
type Source struct {
	Address     string
	StreamID    string
	DialTimeout time.Duration
}

// Name identifies the source in logs and launch errors.
func (s Source) Name() string { return "srt" }

// Start dials the remote listener synchronously (with a timeout) and then
// copies the stream into w in a background goroutine. w is closed when
// copying stops, which the transcoder sees as end of input.
func (s Source) Start(ctx context.Context, w *os.File, log *slog.Logger) (supervisor.Member, error) {
	if s.Address == "" {
		w.Close()
		return nil, fmt.Errorf("address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller", "address", s.Address)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if s.StreamID != "" {
		cfg.StreamID = s.StreamID
	}

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	dialTimeout := s.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			w.Close()
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		conn = res.conn
	case <-timer.C:
		w.Close()
		go closeLate(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		w.Close()
		go closeLate(ch)
		return nil, ctx.Err()
	}

	log.Info("connected", "stream_id", s.StreamID)
	p := &Pull{
		log:   log,
		conn:  conn,
		w:     w,
		stats: ingest.NewCounter(s.Address),
		done:  make(chan struct{}),
	}
	go p.run()
	return p, nil
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate drains a dial that finished after its caller gave up and closes
// the leaked connection.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// Pull is one live SRT connection copying into the transcoder's stdin.
type Pull struct {
	log   *slog.Logger
	conn  io.ReadCloser
	w     *os.File
	stats *ingest.Counter
	done  chan struct{}

	closeOnce sync.Once
}

// Name implements supervisor.Member.
func (p *Pull) Name() string { return "srt" }

// Done is closed when the copy loop stops.
func (p *Pull) Done() <-chan struct{} { return p.done }

// Stats returns connection counters.
func (p *Pull) Stats() ingest.Stats { return p.stats.Stats() }

func (p *Pull) closeConn() {
	p.closeOnce.Do(func() { p.conn.Close() })
}

func (p *Pull) run() {
	defer func() {
		p.closeConn()
		p.w.Close()
		stats := p.stats.Stats()
		p.log.Info("pull ended",
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
		close(p.done)
	}()

	buf := make([]byte, srtReadBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.stats.RecordRead(n)
			if _, werr := p.w.Write(buf[:n]); werr != nil {
				p.log.Debug("pipe write error", "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("read error", "error", err)
			}
			return
		}
	}
}

// Terminate closes the connection, which ends the copy loop. The grace
// period bounds the wait for the loop to finish its last write.
func (p *Pull) Terminate(grace time.Duration) error {
	p.closeConn()
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		// A blocked pipe write keeps the loop alive; closing the write end
		// releases it.
		p.w.Close()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("srt: copy loop still running after %s", 2*grace)
	}
}
