// Package preview serves pipeline status, Prometheus metrics, and the most
// recently delivered frame over HTTPS and HTTP/3.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/image/bmp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mirrorpipe/internal/certs"
	"github.com/zsiec/mirrorpipe/internal/media"
	"github.com/zsiec/mirrorpipe/internal/pipeline"
)

// StatusProvider is implemented by pipeline.Pipeline.
type StatusProvider interface {
	Status() pipeline.Status
}

// Config holds the settings for the preview server.
type Config struct {
	Addr    string
	Cert    *certs.CertInfo
	Status  StatusProvider
	Metrics http.Handler // nil disables /metrics
}

// Server exposes the preview endpoints. Handler can be used without Start.
type Server struct {
	config Config
	log    *slog.Logger
	h3     *http3.Server

	mu     sync.RWMutex
	latest *media.RawFrame
}

// NewServer creates a Server. If log is nil, slog.Default() is used.
func NewServer(config Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    log.With("component", "preview"),
	}
	s.h3 = &http3.Server{
		Addr: config.Addr,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	s.h3.Handler = s.Handler()
	return s
}

// SetFrame records f as the frame served by /api/frame.bmp.
func (s *Server) SetFrame(f *media.RawFrame) {
	if f == nil {
		return
	}
	s.mu.Lock()
	s.latest = f
	s.mu.Unlock()
}

func (s *Server) frame() *media.RawFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Handler returns the routed handler shared by both listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/frame.bmp", s.handleFrame)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}
	return s.altSvcMiddleware(corsMiddleware(mux))
}

// altSvcMiddleware advertises the HTTP/3 listener to TCP clients.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 && s.config.Addr != "" {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("setting Alt-Svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusResponse struct {
	Pipeline     pipeline.Status `json:"pipeline"`
	PreviewSeq   uint64          `json:"previewSeq,omitempty"`
	PreviewAgeMs int64           `json:"previewAgeMs,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.config.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "no pipeline")
		return
	}
	resp := statusResponse{Pipeline: s.config.Status.Status()}
	if f := s.frame(); f != nil {
		resp.PreviewSeq = f.Seq
		resp.PreviewAgeMs = time.Since(f.CapturedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	f := s.frame()
	if f == nil {
		writeError(w, http.StatusNotFound, "no frame delivered yet")
		return
	}
	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Cache-Control", "no-store")
	if err := bmp.Encode(w, f.Image()); err != nil {
		s.log.Warn("encoding frame", "seq", f.Seq, "error", err)
	}
}

type certHashResponse struct {
	Hash     string    `json:"hash"`
	Addr     string    `json:"addr"`
	NotAfter time.Time `json:"notAfter"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:     s.config.Cert.FingerprintBase64(),
		Addr:     s.config.Addr,
		NotAfter: s.config.Cert.NotAfter,
	})
}

// Start serves HTTPS over TCP and HTTP/3 over UDP on the configured address
// and blocks until the context is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Cert == nil {
		return errors.New("preview: certificate required")
	}
	tlsConfig := s.config.Cert.TLSConfig()
	s.h3.TLSConfig = tlsConfig

	tcp := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.h3.Handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("preview server listening", "addr", s.config.Addr,
		"fingerprint", s.config.Cert.FingerprintBase64())

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		s.h3.Close()
		tcp.Close()
	})
	defer stop()

	g.Go(func() error {
		if err := tcp.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.h3.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
