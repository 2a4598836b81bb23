// Package receiver is the HTTP endpoint recorders upload raw PCM to.
//
//	POST /upload   body = s16le PCM (identity, gzip or zstd)
//	GET  /healthz
//
// Each upload is stored through a recordings.Store and optionally
// converted to WAV next to it.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"audiocode-go/audio"
	"audiocode-go/internal/logging"
	"audiocode-go/internal/recordings"
	"audiocode-go/x/mathx"
)

const (
	headerRequestID  = "X-Request-ID"
	limiterSweep     = time.Minute
	limiterStaleTime = 10 * time.Minute
)

type Options struct {
	Store    *recordings.Store
	MaxBytes int64
	// RatePerSec limits uploads per client IP; 0 disables limiting.
	RatePerSec float64
	Burst      int
	// Convert writes a .wav next to every upload.
	Convert bool
	Format  audio.Format
	Logger  *slog.Logger
}

type Server struct {
	opts    Options
	log     *slog.Logger
	limiter *rateLimiter
}

func New(o Options) (*Server, error) {
	if o.Store == nil {
		return nil, errors.New("receiver: store is required")
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 16 << 20
	}
	if o.Format.SampleRate == 0 {
		o.Format = recordings.DefaultFormat
	}
	s := &Server{opts: o, log: logging.Default(o.Logger).With("component", "receiver")}
	if o.RatePerSec > 0 {
		s.limiter = newRateLimiter(rate.Limit(o.RatePerSec), o.Burst)
	}
	return s, nil
}

// Handler returns the routed handler with request IDs and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	var h http.Handler = mux
	if s.limiter != nil {
		h = rateLimitMiddleware(s.limiter)(h)
	}
	return requestIDMiddleware(h)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("request_id", r.Header.Get(headerRequestID), "remote", clientIP(r))

	data, err := readBody(r.Body, r.Header.Get("Content-Encoding"), s.opts.MaxBytes)
	switch {
	case errors.Is(err, errTooLarge):
		log.Warn("upload too large", "max_bytes", s.opts.MaxBytes)
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		log.Warn("bad upload body", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case len(data) == 0:
		http.Error(w, "No data received", http.StatusBadRequest)
		return
	}

	name, err := s.opts.Store.Save(data)
	if err != nil {
		log.Error("save failed", "err", err)
		http.Error(w, "Failed to save audio", http.StatusInternalServerError)
		return
	}
	log.Info("upload saved", "file", name, "bytes", len(data))

	if s.opts.Convert {
		wavPath, err := recordings.ConvertFile(s.opts.Store.Fs(), name, formatOf(r, s.opts.Format))
		if err != nil {
			log.Warn("convert failed", "file", name, "err", err)
		} else {
			log.Info("converted", "wav", wavPath)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Audio received and saved as %s", name)
}

// formatOf lets the uploader override the default format through the
// X-Sample-Rate and X-Channels headers.
func formatOf(r *http.Request, def audio.Format) audio.Format {
	f := def
	if n, err := strconv.Atoi(r.Header.Get("X-Sample-Rate")); err == nil && mathx.Between(n, audio.MinSampleRate, audio.MaxSampleRate) {
		f.SampleRate = n
	}
	if n, err := strconv.Atoi(r.Header.Get("X-Channels")); err == nil && (n == 1 || n == 2) {
		f.Channels = n
	}
	return f
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts it
// down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", "addr", ln.Addr().String(), "dir", s.opts.Store.Dir())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if s.limiter != nil {
		g.Go(func() error { return s.limiter.runCleanup(gctx, limiterSweep, limiterStaleTime) })
	}
	return g.Wait()
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}
