// Package heartbeat publishes a periodic liveness message with uptime and
// the mounted volumes.
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/internal/logging"
	"audiocode-go/types"
	"audiocode-go/x/timex"
	"audiocode-go/x/vfs"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicHeartbeat       = bus.T("sys", "heartbeat")
)

const defaultInterval = 10 * time.Second

type Service struct {
	VFS    *vfs.Namespace
	Logger *slog.Logger

	running atomic.Bool
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	defer s.running.Store(false)
	log := logging.Default(s.Logger).With("component", "heartbeat")
	ns := s.VFS
	if ns == nil {
		ns = vfs.Default
	}
	start := time.Now()

	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(defaultInterval)
	defer tick.Stop()

	beat := func() {
		conn.Publish(conn.NewMessage(topicHeartbeat, types.Heartbeat{
			UptimeS: int64(time.Since(start) / time.Second),
			Mounts:  ns.Mounts(),
			TSms:    timex.NowMs(),
		}, true))
	}
	beat()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return
		case <-tick.C:
			beat()
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			iv := intervalOf(msg.Payload)
			if iv <= 0 {
				log.Warn("ignoring heartbeat config", "payload", msg.Payload)
				continue
			}
			tick.Reset(iv)
			log.Info("interval set", "interval", iv)
		}
	}
}

func intervalOf(p any) time.Duration {
	switch v := p.(type) {
	case types.HeartbeatConfig:
		return time.Duration(v.IntervalS) * time.Second
	case map[string]any:
		switch n := v["interval_s"].(type) {
		case int:
			return time.Duration(n) * time.Second
		case float64:
			return time.Duration(n * float64(time.Second))
		}
	}
	return 0
}

// Start runs the heartbeat loop until ctx ends. A second Start while the
// loop runs is refused with errcode.Busy.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if conn == nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "heartbeat.start", Msg: "nil connection"}
	}
	if !s.running.CompareAndSwap(false, true) {
		return errcode.Busy
	}
	go s.serviceLoop(ctx, conn)
	return nil
}
