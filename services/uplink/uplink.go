// Package uplink sends each saved recording to a receiver over HTTP. The
// WAV container is stripped and the raw s16le PCM is POSTed, optionally
// zstd-compressed. Attempts go through a circuit breaker and are retried
// with exponential backoff.
package uplink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker/v2"
	"gopkg.in/yaml.v3"

	"audiocode-go/audio"
	"audiocode-go/bus"
	"audiocode-go/internal/logging"
	"audiocode-go/types"
	"audiocode-go/x/timex"
	"audiocode-go/x/vfs"
)

var (
	topicConfig = bus.T("config", "uplink")
	topicState  = bus.T("uplink", "state")
	topicSent   = bus.T("uplink", "sent")
	topicSaved  = bus.T("rec", "saved")
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxFailures = 3
	breakerOpenFor     = 30 * time.Second
	maxReplyBytes      = 4 << 10
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

type Options struct {
	VFS    *vfs.Namespace
	Logger *slog.Logger
	// Client overrides the HTTP client; its Timeout is replaced by the
	// configured timeout_ms.
	Client *http.Client
	// BackoffMin and BackoffMax bound the retry delay.
	BackoffMin, BackoffMax time.Duration
}

// Start runs the uplink until ctx is cancelled. It waits for config on
// config/uplink and restarts the sender on every new config.
func Start(ctx context.Context, conn *bus.Connection, o Options) {
	if o.VFS == nil {
		o.VFS = vfs.Default
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 250 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	s := &Service{
		conn: conn,
		opts: o,
		log:  logging.Default(o.Logger).With("component", "uplink"),
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn *bus.Connection
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	curRun context.CancelFunc
	done   chan struct{}
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("down", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err == nil {
				err = validate(cfg)
			}
			if err != nil {
				s.publishState("down", "config_invalid", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	cancel, done := s.curRun, s.done
	s.curRun, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Service) reconfigure(parent context.Context, cfg types.UplinkConfig) {
	s.stopCurrent()
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.mu.Lock()
	s.curRun, s.done = cancel, done
	s.mu.Unlock()

	snd := newSender(cfg, s.opts, s.log)
	// Subscribe before returning so no rec/saved is missed.
	sub := s.conn.Subscribe(topicSaved)
	s.log.Info("configured", "url", cfg.URL, "compress", cfg.Compress)
	s.publishState("idle", "ready", nil)
	go func() {
		defer close(done)
		defer s.conn.Unsubscribe(sub)
		s.runSender(ctx, snd, sub)
	}()
}

func (s *Service) runSender(ctx context.Context, snd *sender, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Channel():
			if !ok {
				return
			}
			saved, ok := m.Payload.(types.RecSaved)
			if !ok {
				continue
			}
			sent, err := snd.upload(ctx, s.opts.VFS, saved.Path)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				status := "send_failed"
				level := "degraded"
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					status, level = "circuit_open", "down"
				}
				s.log.Warn("upload failed", "path", saved.Path, "err", err)
				s.publishState(level, status, err)
				continue
			}
			s.log.Info("uploaded", "path", sent.Path, "bytes", sent.Bytes, "status", sent.Status)
			s.conn.Publish(s.conn.NewMessage(topicSent, sent, false))
			s.publishState("up", "sent", nil)
			if snd.cfg.DeleteAfter {
				if err := s.opts.VFS.Remove(saved.Path); err != nil {
					s.log.Warn("delete after upload failed", "path", saved.Path, "err", err)
				}
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Sender
// -----------------------------------------------------------------------------

type sender struct {
	cfg     types.UplinkConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*types.UplinkSent]
	enc     *zstd.Encoder
	minB    time.Duration
	maxB    time.Duration
}

// statusError is a non-2xx reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("receiver replied %d: %s", e.code, e.body) }

func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

func newSender(cfg types.UplinkConfig, o Options, log *slog.Logger) *sender {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{}
	if o.Client != nil {
		c := *o.Client
		client = &c
	}
	client.Timeout = timeout

	maxFailures := uint32(cfg.MaxFailures)
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	s := &sender{cfg: cfg, client: client, minB: o.BackoffMin, maxB: o.BackoffMax}
	s.breaker = gobreaker.NewCircuitBreaker[*types.UplinkSent](gobreaker.Settings{
		Name:        "uplink",
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	if cfg.Compress {
		// Encoder options are static; the error is unreachable.
		s.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	}
	return s
}

// upload reads the recording, strips it to PCM and posts it.
func (s *sender) upload(ctx context.Context, ns *vfs.Namespace, path string) (types.UplinkSent, error) {
	f, err := ns.Open(path)
	if err != nil {
		return types.UplinkSent{}, fmt.Errorf("open %s: %w", path, err)
	}
	format, pcm, err := audio.PCMFromWAV(f)
	_ = f.Close()
	if err != nil {
		return types.UplinkSent{}, fmt.Errorf("read %s: %w", path, err)
	}

	body, encoding := pcm, ""
	if s.enc != nil {
		body, encoding = s.enc.EncodeAll(pcm, nil), "zstd"
	}

	backoff := backoffSeq(s.minB, s.maxB)
	for attempt := 0; ; attempt++ {
		sent, err := s.breaker.Execute(func() (*types.UplinkSent, error) {
			return s.post(ctx, body, encoding, format)
		})
		if err == nil {
			sent.Path = path
			sent.Bytes = len(pcm)
			return *sent, nil
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return types.UplinkSent{}, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.UplinkSent{}, err
		}
		if attempt >= s.cfg.Retries {
			return types.UplinkSent{}, err
		}
		if !sleep(ctx, backoff()) {
			return types.UplinkSent{}, ctx.Err()
		}
	}
}

func (s *sender) post(ctx context.Context, body []byte, encoding string, f audio.Format) (*types.UplinkSent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set("X-Sample-Rate", strconv.Itoa(f.SampleRate))
	req.Header.Set("X-Channels", strconv.Itoa(f.Channels))
	req.Header.Set("X-Bit-Depth", strconv.Itoa(f.BitDepth))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(reply))}
	}
	return &types.UplinkSent{Status: resp.StatusCode, Reply: string(bytes.TrimSpace(reply))}, nil
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (types.UplinkConfig, error) {
	var cfg types.UplinkConfig
	switch v := p.(type) {
	case types.UplinkConfig:
		return v, nil
	case []byte:
		err := yaml.Unmarshal(v, &cfg)
		return cfg, err
	case string:
		err := yaml.Unmarshal([]byte(v), &cfg)
		return cfg, err
	case map[string]any:
		b, err := yaml.Marshal(v)
		if err != nil {
			return cfg, err
		}
		err = yaml.Unmarshal(b, &cfg)
		return cfg, err
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
}

func validate(c types.UplinkConfig) error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Retries < 0 || c.MaxFailures < 0 || c.TimeoutMs < 0 {
		return errors.New("retries, max_failures and timeout_ms must not be negative")
	}
	return nil
}

func (s *Service) publishState(level, status string, err error) {
	st := types.UplinkState{Level: level, Status: status, TSms: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topicState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
