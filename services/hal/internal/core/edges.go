package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// edgeWorker turns raw pin interrupts into debounced edge events. The IRQ
// handler only samples the level and does a non-blocking send.
type edgeWorker struct {
	isrQ chan isrEvent
	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.RWMutex
	watches map[int]*watch // pin -> watch

	drops atomic.Uint32
}

type isrEvent struct {
	pin   int
	level bool
}

type watch struct {
	pin       IRQPin
	edge      Edge
	debounce  time.Duration
	lastLevel bool
	lastEvent time.Time
	out       chan EdgeEvent
	closed    bool
}

func newEdgeWorker(isrBuf int) *edgeWorker {
	if isrBuf <= 0 {
		isrBuf = 64
	}
	w := &edgeWorker{
		isrQ:    make(chan isrEvent, isrBuf),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		watches: map[int]*watch{},
	}
	go w.run()
	return w
}

func (w *edgeWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev := <-w.isrQ:
			w.handleISR(ev)
		}
	}
}

func (w *edgeWorker) close() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	w.mu.Lock()
	for n, wh := range w.watches {
		_ = wh.pin.ClearIRQ()
		wh.closed = true
		close(wh.out)
		delete(w.watches, n)
	}
	w.mu.Unlock()
}

func (w *edgeWorker) add(pin IRQPin, edge Edge, debounce time.Duration, bufLen int) (*edgeStream, error) {
	if bufLen <= 0 {
		bufLen = 8
	}
	n := pin.Number()
	wh := &watch{
		pin:       pin,
		edge:      edge,
		debounce:  debounce,
		lastLevel: pin.Get(),
		out:       make(chan EdgeEvent, bufLen),
	}
	handler := func() {
		select {
		case w.isrQ <- isrEvent{pin: n, level: pin.Get()}:
		default:
			w.drops.Add(1)
		}
	}
	if err := pin.SetIRQ(edge, handler); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.watches[n] = wh
	w.mu.Unlock()
	return &edgeStream{w: w, pin: n, ch: wh.out}, nil
}

func (w *edgeWorker) remove(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wh, ok := w.watches[n]
	if !ok {
		return
	}
	_ = wh.pin.ClearIRQ()
	delete(w.watches, n)
	if !wh.closed {
		wh.closed = true
		close(wh.out)
	}
}

func (w *edgeWorker) handleISR(ev isrEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wh := w.watches[ev.pin]
	if wh == nil || wh.closed {
		return
	}
	now := time.Now()
	if !wh.lastEvent.IsZero() && now.Sub(wh.lastEvent) < wh.debounce {
		return
	}

	var e Edge
	switch {
	case !wh.lastLevel && ev.level:
		e = EdgeRising
	case wh.lastLevel && !ev.level:
		e = EdgeFalling
	}
	wh.lastLevel = ev.level
	if e == EdgeNone || (wh.edge != EdgeBoth && wh.edge != e) {
		return
	}
	wh.lastEvent = now
	select {
	case wh.out <- EdgeEvent{Pin: ev.pin, Level: ev.level, Edge: e, TS: now}:
	default:
		// drop to protect the system if the consumer is slow
	}
}

type edgeStream struct {
	w   *edgeWorker
	pin int
	ch  chan EdgeEvent
}

func (s *edgeStream) Events() <-chan EdgeEvent { return s.ch }
func (s *edgeStream) Close()                   { s.w.remove(s.pin) }
