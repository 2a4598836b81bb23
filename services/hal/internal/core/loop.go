package core

import (
	"context"
	"log/slog"

	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/internal/logging"
	"audiocode-go/types"
	"audiocode-go/x/timex"
	"audiocode-go/x/vfs"
)

const eventQueueLen = 32

type capKey struct {
	domain string
	kind   string
	name   string
}

type HAL struct {
	conn *bus.Connection
	res  Resources
	log  *slog.Logger

	// Device registry, in configuration order.
	dev   map[string]Device
	order []string

	// Capability index: (domain,kind,name) -> devID
	capIndex map[capKey]string

	cfgSub  *bus.Subscription
	ctrlSub *bus.Subscription

	// Single-threaded publication of device events
	evCh chan Event
}

func NewHAL(conn *bus.Connection, reg ResourceRegistry, ns *vfs.Namespace, logger *slog.Logger) *HAL {
	logger = logging.Default(logger)
	if ns == nil {
		ns = vfs.Default
	}
	h := &HAL{
		conn:     conn,
		log:      logger.With("component", "hal"),
		dev:      map[string]Device{},
		capIndex: map[capKey]string{},
		evCh:     make(chan Event, eventQueueLen),
	}
	// HAL provides the emitter to devices.
	h.res = Resources{Reg: reg, Pub: h, VFS: ns, Log: logger}
	return h
}

func (h *HAL) Run(ctx context.Context) {
	h.cfgSub = h.conn.Subscribe(topicConfigHAL())
	h.ctrlSub = h.conn.Subscribe(ctrlWildcard())
	defer h.conn.Unsubscribe(h.cfgSub)
	defer h.conn.Unsubscribe(h.ctrlSub)
	h.pubHALState("idle", "awaiting_config")
	ready := false
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.pubHALState("stopped", "context_cancelled")
			return
		case msg := <-h.cfgSub.Channel():
			if v, ok := msg.Payload.(types.HALConfig); ok {
				// applyConfig is additive and idempotent for existing devices.
				h.applyConfig(ctx, v)
				if !ready {
					ready = true
					h.pubHALState("ready", "")
				}
			}
		case m := <-h.ctrlSub.Channel():
			if !ready {
				h.replyErr(m, errcode.HALNotReady)
				continue
			}
			h.handleControl(m) // strictly non-blocking
		case ev := <-h.evCh:
			// All device→HAL telemetry is published from this goroutine.
			h.handleEvent(ev)
		}
	}
}

func (h *HAL) applyConfig(ctx context.Context, cfg types.HALConfig) {
	for i := range cfg.Devices {
		dc := cfg.Devices[i]
		if _, exists := h.dev[dc.ID]; exists {
			continue
		}
		b, ok := lookupBuilder(dc.Type)
		if !ok {
			h.log.Warn("no builder for device type", "type", dc.Type, "id", dc.ID)
			continue
		}
		dev, err := b.Build(ctx, BuilderInput{
			ID:     dc.ID,
			Type:   dc.Type,
			Params: dc.Params,
			Res:    h.res,
		})
		if err != nil {
			h.log.Error("device build failed", "id", dc.ID, "type", dc.Type, "code", errcode.Of(err), "err", err)
			continue
		}

		// Register capabilities, publish retained info + initial status:down
		caps := dev.Capabilities()
		for _, cs := range caps {
			k := string(cs.Kind)
			name := cs.Name
			if name == "" {
				name = dev.ID()
			}
			h.capIndex[capKey{domain: cs.Domain, kind: k, name: name}] = dev.ID()

			h.conn.Publish(h.conn.NewMessage(capInfo(cs.Domain, k, name), cs.Info, true))
			h.conn.Publish(h.conn.NewMessage(
				capStatus(cs.Domain, k, name),
				types.CapabilityStatus{Link: types.LinkDown, TSms: timex.NowMs()},
				true,
			))
		}

		if err := dev.Init(ctx); err != nil {
			h.log.Error("device init failed", "id", dc.ID, "code", errcode.Of(err), "err", err)
			for _, cs := range caps {
				h.handleEvent(Event{Addr: CapAddr{Domain: cs.Domain, Kind: cs.Kind, Name: cs.Name}, Err: string(errcode.Of(err))})
			}
			h.unindex(dev.ID())
			_ = dev.Close()
			continue
		}
		h.dev[dev.ID()] = dev
		h.order = append(h.order, dev.ID())
		h.log.Info("device ready", "id", dc.ID, "type", dc.Type)
	}
}

func (h *HAL) unindex(devID string) {
	for k, id := range h.capIndex {
		if id == devID {
			delete(h.capIndex, k)
		}
	}
}

// closeAll closes devices in reverse configuration order.
func (h *HAL) closeAll() {
	for i := len(h.order) - 1; i >= 0; i-- {
		id := h.order[i]
		if err := h.dev[id].Close(); err != nil {
			h.log.Warn("device close failed", "id", id, "err", err)
		}
		delete(h.dev, id)
		h.unindex(id)
	}
	h.order = nil
}

func (h *HAL) handleControl(msg *bus.Message) {
	// hal/cap/<domain>/<kind>/<name>/control/<verb>
	if msg.Topic.Len() < 7 {
		h.replyErr(msg, errcode.InvalidTopic)
		return
	}
	domain, _ := msg.Topic.At(2).(string)
	kind, _ := msg.Topic.At(3).(string)
	name, _ := msg.Topic.At(4).(string)
	verb, _ := msg.Topic.At(6).(string)

	ownerID, ok := h.capIndex[capKey{domain: domain, kind: kind, name: name}]
	if !ok {
		h.replyErr(msg, errcode.UnknownCapability)
		return
	}
	dev := h.dev[ownerID]
	if dev == nil {
		h.replyErr(msg, errcode.Error)
		return
	}

	res, err := dev.Control(CapAddr{Domain: domain, Kind: types.Kind(kind), Name: name}, verb, msg.Payload)
	if err != nil {
		h.replyFromError(msg, err)
		return
	}
	if !msg.CanReply() {
		return
	}
	if res.OK {
		if res.Reply != nil {
			h.conn.Reply(msg, res.Reply, false)
			return
		}
		h.replyOK(msg)
		return
	}
	code := res.Error
	if code == "" {
		code = errcode.Busy
	}
	h.replyErr(msg, code)
}

func (h *HAL) handleEvent(ev Event) {
	d := ev.Addr.Domain
	k := string(ev.Addr.Kind)
	n := ev.Addr.Name
	ts := ev.TSms
	if ts == 0 {
		ts = timex.NowMs()
	}

	// 1) Error → retained status:degraded; no value/event published.
	if ev.Err != "" {
		h.conn.Publish(h.conn.NewMessage(
			capStatus(d, k, n),
			types.CapabilityStatus{Link: types.LinkDegraded, TSms: ts, Error: ev.Err},
			true,
		))
		return
	}

	// 2) Success: event vs value
	switch {
	case ev.EventTag != "":
		h.conn.Publish(h.conn.NewMessage(capEventTagged(d, k, n, ev.EventTag), ev.Payload, false))
	case ev.IsEvent:
		h.conn.Publish(h.conn.NewMessage(capEvent(d, k, n), ev.Payload, false))
	default:
		h.conn.Publish(h.conn.NewMessage(capValue(d, k, n), ev.Payload, true))
	}
	h.conn.Publish(h.conn.NewMessage(
		capStatus(d, k, n),
		types.CapabilityStatus{Link: types.LinkUp, TSms: ts},
		true,
	))
}

func (h *HAL) pubHALState(level, status string) {
	h.conn.Publish(h.conn.NewMessage(
		T("hal", "state"),
		types.HALState{Level: level, Status: status, TSms: timex.NowMs()},
		true,
	))
}

// ---- HAL as EventEmitter (enqueue to single publisher) ----

func (h *HAL) Emit(ev Event) bool {
	select {
	case h.evCh <- ev:
		return true
	default:
		return false
	}
}
