// Package session manages one dashboard client's WebSocket connection: its
// inbound control-message read loop, its outbound FIFO write queue, and the
// session-private replay cursor described by the replay control frame.
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taranbis/digital-twin/internal/broadcast"
	"github.com/taranbis/digital-twin/internal/history"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/protocol"
)

// state tracks where a session sits in its lifecycle.
type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// RPMSetter receives validated set_rpm control frames.
type RPMSetter interface {
	SetRPMTarget(target float64)
}

// Options configures a Session.
type Options struct {
	Conn          *websocket.Conn
	Engine        RPMSetter
	History       *history.Ring
	Logger        *logging.Logger
	OutboundBound int
	OnClose       func(*Session)
	PingInterval  time.Duration
}

// Session owns one client connection. Its write queue holds at most one
// in-flight write plus OutboundBound queued slots; once the queue is full
// the session is closed rather than allowed to buffer unbounded backlog.
type Session struct {
	conn    *websocket.Conn
	engine  RPMSetter
	history *history.Ring
	logger  *logging.Logger
	onClose func(*Session)

	outboundBound int
	pingInterval  time.Duration
	writeMu       sync.Mutex
	done          chan struct{}

	mu       sync.Mutex
	st       state
	queue    []*broadcast.Slot
	writing  bool
	lastSent []byte

	// sending guards the single in-flight goroutine used for freeze resends
	// and seek streaming; a resend/advance request arriving while one is
	// already in flight is dropped rather than queued, same as a skipped
	// video frame — the next tick's request supersedes it.
	sending bool

	replayMu     sync.Mutex
	replayMode   protocol.ReplayMode
	seekCursorMs uint64
}

// New constructs a session in the Open state. Callers must invoke Run to
// start its read loop.
func New(opts Options) *Session {
	bound := opts.OutboundBound
	if bound <= 0 {
		bound = 3
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Session{
		conn:          opts.Conn,
		engine:        opts.Engine,
		history:       opts.History,
		logger:        logger,
		onClose:       opts.OnClose,
		outboundBound: bound,
		pingInterval:  ping,
		done:          make(chan struct{}),
		replayMode:    protocol.ReplayLive,
	}
}

// ReplayMode reports the session's current replay mode. Defaults to live.
func (s *Session) ReplayMode() protocol.ReplayMode {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	return s.replayMode
}

// Live reports whether the session should receive live broadcast frames
// rather than a frozen or sought history sample.
func (s *Session) Live() bool {
	return s.ReplayMode() == protocol.ReplayLive
}

// Enqueue hands the session a shared broadcast slot. It is a no-op once
// the session has started closing. Enqueue never blocks on the network: the
// live path only appends to the session's private queue and, if nothing is
// currently in flight, kicks off drainQueue on its own goroutine; the
// freeze and seek paths hand their frame to the same kind of detached
// single-flight write instead of writing inline on the caller's goroutine
// (the shared tick driver, for a live broadcast).
//
// A session in "freeze" mode still receives one frame per broadcast tick,
// but it is the frame most recently delivered before the freeze took
// effect rather than the fresh slot — the feed stops advancing without
// going silent. A session in "seek" mode streams the retained history
// forward one sample per tick from its sought timestamp; once it catches
// up to the live edge it switches itself back to live and starts forwarding
// the fresh slot again.
func (s *Session) Enqueue(slot *broadcast.Slot) {
	switch s.ReplayMode() {
	case protocol.ReplayFreeze:
		s.resendLastFrame()
		return
	case protocol.ReplaySeek:
		s.advanceSeek(slot)
		return
	}
	s.enqueueLive(slot)
}

func (s *Session) enqueueLive(slot *broadcast.Slot) {
	s.mu.Lock()
	if s.st != stateOpen {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.outboundBound {
		s.mu.Unlock()
		s.logger.Warn("closing session: outbound queue exceeded bound",
			logging.Int("bound", s.outboundBound))
		s.Close()
		return
	}
	slot.Retain()
	s.queue = append(s.queue, slot)
	shouldWrite := !s.writing
	if shouldWrite {
		s.writing = true
	}
	s.mu.Unlock()

	if shouldWrite {
		go s.drainQueue()
	}
}

// advanceSeek streams the next retained history sample after the session's
// seek cursor. Once no newer retained sample exists, the session has
// reached the live edge: it switches itself back to live mode and forwards
// this tick's fresh slot instead, so the client lands back on the live feed
// without an explicit "live" control frame.
func (s *Session) advanceSeek(slot *broadcast.Slot) {
	if s.history == nil {
		return
	}
	s.replayMu.Lock()
	cursor := s.seekCursorMs
	s.replayMu.Unlock()

	next, ok := s.history.After(cursor)
	if !ok {
		s.replayMu.Lock()
		s.replayMode = protocol.ReplayLive
		s.replayMu.Unlock()
		s.enqueueLive(slot)
		return
	}

	buf := make([]byte, 512)
	n := protocol.Encode(buf, next)
	if n == 0 {
		return
	}
	s.replayMu.Lock()
	s.seekCursorMs = next.TimestampMs
	s.replayMu.Unlock()
	s.scheduleAsyncWrite(buf[:n])
}

// drainQueue writes queued slots one at a time, in FIFO order, until the
// queue is empty. Only one drainQueue goroutine is ever active per session.
func (s *Session) drainQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.writing = false
			s.mu.Unlock()
			return
		}
		slot := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		frame := slot.Data[:slot.Len]
		err := s.writeMessage(websocket.TextMessage, frame)
		if err == nil {
			s.mu.Lock()
			s.lastSent = append(s.lastSent[:0], frame...)
			s.mu.Unlock()
		}
		slot.Release()
		if err != nil {
			s.logger.Debug("session write failed", logging.Error(err))
			s.Close()
			return
		}
	}
}

// resendLastFrame re-delivers the most recently written frame, used while
// a session is frozen so the connection keeps receiving a steady cadence
// of messages without the underlying state advancing.
func (s *Session) resendLastFrame() {
	s.mu.Lock()
	if len(s.lastSent) == 0 {
		s.mu.Unlock()
		return
	}
	frame := make([]byte, len(s.lastSent))
	copy(frame, s.lastSent)
	s.mu.Unlock()

	s.scheduleAsyncWrite(frame)
}

// scheduleAsyncWrite hands frame to a detached goroutine for writing,
// never blocking the caller. Only one such write is ever in flight per
// session; a request arriving while one is already running is dropped
// rather than queued, so a slow client cannot pile up pending freeze
// resends or seek frames — the next tick's request simply supersedes it.
func (s *Session) scheduleAsyncWrite(frame []byte) {
	s.mu.Lock()
	if s.st != stateOpen || s.sending {
		s.mu.Unlock()
		return
	}
	s.sending = true
	s.mu.Unlock()

	go s.sendAsyncWrite(frame)
}

func (s *Session) sendAsyncWrite(frame []byte) {
	err := s.writeMessage(websocket.TextMessage, frame)
	s.mu.Lock()
	s.sending = false
	if err == nil {
		s.lastSent = append(s.lastSent[:0], frame...)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("session write failed", logging.Error(err))
		s.Close()
	}
}

// Run drives the session's read loop until the connection closes or a
// fatal read error occurs. It blocks the calling goroutine.
func (s *Session) Run() {
	go s.pingLoop()
	defer s.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(raw)
	}
}

// pingLoop keeps the connection alive with periodic control pings,
// serialized against data writes through writeMessage.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// writeMessage serializes every write onto the connection; gorilla's
// websocket.Conn permits at most one concurrent writer.
func (s *Session) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *Session) handleMessage(raw []byte) {
	msg := protocol.Decode(raw)
	switch msg.Kind {
	case protocol.KindSetRpm:
		if s.engine != nil {
			s.engine.SetRPMTarget(msg.RpmTarget)
		}
	case protocol.KindReplay:
		s.applyReplay(msg)
	case protocol.KindUnknown:
		// malformed or unrecognized frames are dropped silently
	}
}

// applyReplay switches the session's replay mode and, for a seek, delivers
// the sought sample immediately so the client has somewhere to land before
// the next broadcast tick's advanceSeek call starts streaming forward from
// it. This write happens on the session's own read-loop goroutine, not the
// shared tick driver, so blocking here delays only this connection's own
// next read — it does not starve other sessions' cadence.
func (s *Session) applyReplay(msg protocol.ClientMessage) {
	s.replayMu.Lock()
	s.replayMode = msg.ReplayMode
	s.replayMu.Unlock()

	if msg.ReplayMode != protocol.ReplaySeek || s.history == nil {
		return
	}
	sample, ok := s.history.SeekBefore(msg.ReplayTMs)
	if !ok {
		return
	}
	buf := make([]byte, 512)
	n := protocol.Encode(buf, sample)
	if n == 0 {
		return
	}
	s.replayMu.Lock()
	s.seekCursorMs = sample.TimestampMs
	s.replayMu.Unlock()
	s.mu.Lock()
	s.lastSent = append(s.lastSent[:0], buf[:n]...)
	s.mu.Unlock()
	if err := s.writeMessage(websocket.TextMessage, buf[:n]); err != nil {
		s.Close()
	}
}

// Close transitions the session to Closed, releases any slots still queued,
// closes the underlying connection, and notifies the owning store exactly
// once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.st == stateClosed {
		s.mu.Unlock()
		return
	}
	s.st = stateClosed
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	for _, slot := range pending {
		slot.Release()
	}
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}
