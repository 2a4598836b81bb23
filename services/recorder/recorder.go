// Package recorder records fixed-length clips from a HAL microphone to a
// WAV file on a mounted volume. A recording starts on a button press or a
// rec/control/start request; one recording runs at a time.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"audiocode-go/audio"
	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/internal/logging"
	"audiocode-go/types"
	"audiocode-go/x/shmring"
	"audiocode-go/x/timex"
	"audiocode-go/x/vfs"
)

const (
	MinSeconds = 1
	MaxSeconds = 300

	stallTimeout   = 2 * time.Second
	requestTimeout = 2 * time.Second
)

var (
	topicConfig  = bus.T("config", "recorder")
	topicState   = bus.T("rec", "state")
	topicSaved   = bus.T("rec", "saved")
	topicStart   = bus.T("rec", "control", "start")
	topicStop    = bus.T("rec", "control", "stop")
	timestampFmt = "20060102_150405"
)

// Defaults fills zero fields of c.
func Defaults(c types.RecorderConfig) types.RecorderConfig {
	if c.Mic == "" {
		c.Mic = "mic0"
	}
	if c.Storage == "" {
		c.Storage = "sd0"
	}
	if c.Mount == "" {
		c.Mount = "/sdcard"
	}
	if c.Seconds == 0 {
		c.Seconds = 5
	}
	if c.Prefix == "" {
		c.Prefix = "recording"
	}
	return c
}

// Validate checks the fields Defaults cannot fix.
func Validate(c types.RecorderConfig) error {
	if c.Seconds < MinSeconds || c.Seconds > MaxSeconds {
		return &errcode.E{C: errcode.InvalidParams, Op: "recorder.config", Msg: fmt.Sprintf("seconds must be %d..%d", MinSeconds, MaxSeconds)}
	}
	return nil
}

type Options struct {
	VFS    *vfs.Namespace
	Logger *slog.Logger
	Now    func() time.Time
}

type Service struct {
	conn *bus.Connection
	ns   *vfs.Namespace
	log  *slog.Logger
	now  func() time.Time

	cfg        types.RecorderConfig
	configured bool
	storageUp  bool
	micUp      bool

	btnSub, storageSub, micSub *bus.Subscription

	cur *recording
}

type recording struct {
	path   string
	stop   chan struct{}
	cancel context.CancelFunc
}

type result struct {
	saved types.RecSaved
	err   error
}

func New(conn *bus.Connection, o Options) *Service {
	if o.VFS == nil {
		o.VFS = vfs.Default
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Service{
		conn: conn,
		ns:   o.VFS,
		log:  logging.Default(o.Logger).With("component", "recorder"),
		now:  o.Now,
	}
}

// Run serves until ctx ends. An in-flight recording is cancelled and its
// partial file removed.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	startSub := s.conn.Subscribe(topicStart)
	stopSub := s.conn.Subscribe(topicStop)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(startSub)
	defer s.conn.Unsubscribe(stopSub)
	defer s.unwatch()

	results := make(chan result, 1)
	s.publishState("idle", string(errcode.NotConfigured), "")

	for {
		select {
		case <-ctx.Done():
			if s.cur != nil {
				s.cur.cancel()
				<-results
			}
			return

		case m := <-cfgSub.Channel():
			cfg, ok := m.Payload.(types.RecorderConfig)
			if !ok {
				s.log.Warn("ignoring config", "type", fmt.Sprintf("%T", m.Payload))
				continue
			}
			cfg = Defaults(cfg)
			if err := Validate(cfg); err != nil {
				s.log.Error("invalid config", "err", err)
				s.publishState("error", string(errcode.InvalidParams), "")
				continue
			}
			s.cfg, s.configured = cfg, true
			s.watch()
			s.log.Info("configured", "mic", cfg.Mic, "storage", cfg.Storage, "mount", cfg.Mount, "seconds", cfg.Seconds)

		case m := <-chanOf(s.storageSub):
			st, _ := m.Payload.(types.CapabilityStatus)
			s.storageUp = st.Link == types.LinkUp
			if s.cur == nil {
				s.publishIdleOrError()
			}

		case m := <-chanOf(s.micSub):
			st, _ := m.Payload.(types.CapabilityStatus)
			s.micUp = st.Link == types.LinkUp
			if s.cur == nil {
				s.publishIdleOrError()
			}

		case <-chanOf(s.btnSub):
			s.trigger(ctx, nil, s.cfg.Seconds, results)

		case m := <-startSub.Channel():
			secs := s.cfg.Seconds
			if req, ok := m.Payload.(types.RecStart); ok && req.Seconds != 0 {
				secs = req.Seconds
			}
			// Unconfigured has no default duration; trigger refuses it.
			if s.configured && (secs < MinSeconds || secs > MaxSeconds) {
				s.reply(m, types.ErrorReply{Error: string(errcode.InvalidParams)})
				continue
			}
			s.trigger(ctx, m, secs, results)

		case m := <-stopSub.Channel():
			if s.cur == nil {
				s.reply(m, types.ErrorReply{Error: string(errcode.NotStarted)})
				continue
			}
			select {
			case <-s.cur.stop:
			default:
				close(s.cur.stop)
			}
			s.reply(m, types.OKReply{OK: true})

		case r := <-results:
			s.cur = nil
			s.setLED(false)
			if r.err != nil {
				code := errcode.Of(r.err)
				s.log.Error("recording failed", "code", code, "err", r.err)
				s.publishState("error", string(code), "")
				continue
			}
			s.log.Info("recording saved", "path", r.saved.Path, "samples", r.saved.Samples, "bytes", r.saved.Bytes)
			s.conn.Publish(s.conn.NewMessage(topicSaved, r.saved, false))
			s.conn.Publish(s.conn.NewMessage(capCtrl("storage", "sdcard", s.cfg.Storage, "sync"), types.StorageSync{}, false))
			s.publishIdleOrError()
		}
	}
}

func chanOf(sub *bus.Subscription) <-chan *bus.Message {
	if sub == nil {
		return nil
	}
	return sub.Channel()
}

func capTopic(domain, kind, name string, rest ...any) bus.Topic {
	return bus.T("hal", "cap", domain, kind, name).Append(rest...)
}

func capCtrl(domain, kind, name, verb string) bus.Topic {
	return capTopic(domain, kind, name, "control", verb)
}

// watch (re)subscribes to the capabilities named by the config.
func (s *Service) watch() {
	s.unwatch()
	s.storageUp, s.micUp = false, false
	s.storageSub = s.conn.Subscribe(capTopic("storage", "sdcard", s.cfg.Storage, "status"))
	s.micSub = s.conn.Subscribe(capTopic("audio", "microphone", s.cfg.Mic, "status"))
	if s.cfg.Button != "" {
		s.btnSub = s.conn.Subscribe(capTopic("io", "button", s.cfg.Button, "event", "pressed"))
	}
}

func (s *Service) unwatch() {
	for _, sub := range []**bus.Subscription{&s.btnSub, &s.storageSub, &s.micSub} {
		if *sub != nil {
			s.conn.Unsubscribe(*sub)
			*sub = nil
		}
	}
}

// setLED is fire-and-forget.
func (s *Service) setLED(on bool) {
	if s.cfg.LED == "" {
		return
	}
	s.conn.Publish(s.conn.NewMessage(capCtrl("io", "led", s.cfg.LED, "set"), types.LEDSet{On: on}, false))
}

func (s *Service) publishIdleOrError() {
	switch {
	case !s.storageUp:
		s.publishState("error", string(errcode.NoStorage), "")
	case !s.micUp:
		s.publishState("error", string(errcode.NoAudio), "")
	default:
		s.publishState("idle", "", "")
	}
}

func (s *Service) trigger(ctx context.Context, req *bus.Message, seconds int, results chan<- result) {
	var code errcode.Code
	switch {
	case s.cur != nil:
		code = errcode.Busy
	case !s.configured:
		code = errcode.NotConfigured
	case !s.storageUp:
		code = errcode.NoStorage
	case !s.micUp:
		code = errcode.NoAudio
	}
	if code != "" {
		s.log.Warn("recording refused", "code", code)
		s.reply(req, types.ErrorReply{Error: string(code)})
		if code != errcode.Busy {
			s.publishState("error", string(code), "")
		}
		return
	}
	p, err := s.nextPath()
	if err != nil {
		s.reply(req, types.ErrorReply{Error: string(errcode.Of(err))})
		s.publishState("error", string(errcode.Of(err)), "")
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cur = &recording{path: p, stop: make(chan struct{}), cancel: cancel}
	s.publishState("recording", "", p)
	s.reply(req, types.RecState{State: "recording", Path: p, TSms: timex.NowMs()})
	s.setLED(true)

	cfg, stop := s.cfg, s.cur.stop
	go func() {
		defer cancel()
		saved, err := s.record(rctx, stop, cfg, p, seconds)
		results <- result{saved: saved, err: err}
	}()
}

// nextPath picks <mount>/<prefix>_YYYYMMDD_HHMMSS.wav, adding _N when a
// file with that name already exists.
func (s *Service) nextPath() (string, error) {
	base := path.Join(s.cfg.Mount, s.cfg.Prefix+"_"+s.now().Format(timestampFmt))
	p := base + ".wav"
	for i := 1; ; i++ {
		_, err := s.ns.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", &errcode.E{C: errcode.NoStorage, Op: "recorder.path", Err: err}
		}
		p = fmt.Sprintf("%s_%d.wav", base, i)
	}
}

// record drains the microphone ring into a WAV file until seconds of audio
// are written. Closing stop ends early and keeps what was captured;
// cancelling ctx discards the file.
func (s *Service) record(ctx context.Context, stop <-chan struct{}, cfg types.RecorderConfig, p string, seconds int) (types.RecSaved, error) {
	open, err := s.request(ctx, capCtrl("audio", "microphone", cfg.Mic, "session_open"), types.MicSessionOpen{})
	if err != nil {
		return types.RecSaved{}, err
	}
	sess, ok := open.(types.MicSessionOpened)
	if !ok {
		return types.RecSaved{}, replyErr("recorder.session_open", open)
	}
	defer func() {
		// The parent context may already be cancelled.
		cctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, _ = s.request(cctx, capCtrl("audio", "microphone", cfg.Mic, "session_close"), types.MicSessionClose{SessionID: sess.SessionID})
	}()
	ring := shmring.Get(shmring.Handle(sess.Handle))
	if ring == nil {
		return types.RecSaved{}, &errcode.E{C: errcode.NoAudio, Op: "recorder.ring", Msg: "unknown ring handle"}
	}

	f, err := s.ns.Create(p)
	if err != nil {
		return types.RecSaved{}, &errcode.E{C: errcode.NoStorage, Op: "recorder.create", Err: err}
	}
	format := audio.Format{SampleRate: sess.SampleRate, Channels: sess.Channels, BitDepth: sess.BitDepth}
	w := audio.NewWAVWriter(f, format)
	fail := func(err error) (types.RecSaved, error) {
		_ = f.Close()
		_ = s.ns.Remove(p)
		return types.RecSaved{}, err
	}

	want := seconds * format.SampleRate * format.Channels * 2
	buf := make([]byte, 4096)
	got := 0
	stall := time.NewTimer(stallTimeout)
	defer stall.Stop()
	for got < want {
		n := min(len(buf), want-got, ring.Available()&^1)
		if n > 0 {
			n = ring.TryReadInto(buf[:n])
			if err := w.WritePCM(buf[:n]); err != nil {
				return fail(&errcode.E{C: errcode.IOError, Op: "recorder.write", Err: err})
			}
			got += n
			stall.Reset(stallTimeout)
			continue
		}
		select {
		case <-ring.Readable():
		case <-stall.C:
			return fail(&errcode.E{C: errcode.AudioStall, Op: "recorder.read"})
		case <-stop:
			if got == 0 {
				return fail(&errcode.E{C: errcode.NoAudio, Op: "recorder.read", Msg: "stopped before any audio"})
			}
			want = got
		case <-ctx.Done():
			return fail(&errcode.E{C: errcode.Timeout, Op: "recorder.read", Err: ctx.Err()})
		}
	}

	if err := w.Close(); err != nil {
		return fail(&errcode.E{C: errcode.IOError, Op: "recorder.finalise", Err: err})
	}
	if err := f.Close(); err != nil {
		return types.RecSaved{}, &errcode.E{C: errcode.IOError, Op: "recorder.close", Err: err}
	}
	var size int64
	if fi, err := s.ns.Stat(p); err == nil {
		size = fi.Size()
	}
	samples := w.Samples()
	return types.RecSaved{
		Path:       p,
		Samples:    samples,
		Bytes:      size,
		SampleRate: format.SampleRate,
		DurationMs: int64(samples) * 1000 / int64(format.SampleRate*format.Channels),
	}, nil
}

// request sends a control and returns the reply payload.
func (s *Service) request(ctx context.Context, t bus.Topic, payload any) (any, error) {
	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	r, err := s.conn.RequestWait(rctx, s.conn.NewMessage(t, payload, false))
	if err != nil {
		return nil, &errcode.E{C: errcode.Timeout, Op: "recorder.request", Msg: t.String(), Err: err}
	}
	return r.Payload, nil
}

func replyErr(op string, p any) error {
	if e, ok := p.(types.ErrorReply); ok && e.Error != "" {
		return &errcode.E{C: errcode.Code(e.Error), Op: op}
	}
	return &errcode.E{C: errcode.InvalidPayload, Op: op, Msg: fmt.Sprintf("unexpected reply %T", p)}
}

func (s *Service) reply(req *bus.Message, payload any) {
	if req != nil {
		s.conn.Reply(req, payload, false)
	}
}

func (s *Service) publishState(state, errCode, p string) {
	s.conn.Publish(s.conn.NewMessage(topicState, types.RecState{
		State: state,
		Error: errCode,
		Path:  p,
		TSms:  timex.NowMs(),
	}, true))
}
