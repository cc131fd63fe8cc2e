package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"screenrelay/internal/metrics"
)

const noSendersNotice = "no senders connected"

// Options holds the engine's timing and sizing knobs.
type Options struct {
	BufferCapacity int
	BufferTTL      time.Duration
	SweepInterval  time.Duration
	ClassifyGrace  time.Duration
	FlushSettle    time.Duration
	FlushPacing    time.Duration
	ProbeInterval  time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferCapacity: 100,
		BufferTTL:      3 * time.Hour,
		SweepInterval:  10 * time.Minute,
		ClassifyGrace:  800 * time.Millisecond,
		FlushSettle:    200 * time.Millisecond,
		FlushPacing:    50 * time.Millisecond,
		ProbeInterval:  30 * time.Second,
	}
}

type role int

const (
	roleUnclassified role = iota
	roleSender
	roleBrowser
)

func (r role) String() string {
	switch r {
	case roleSender:
		return "sender"
	case roleBrowser:
		return "browser"
	default:
		return "unclassified"
	}
}

// connState is the fixed-shape per-connection record. A connection appears in
// at most one role at a time; membership changes only inside classification
// and close handling.
type connState struct {
	peer     Peer
	role     role
	identity SenderIdentity // valid while role == roleSender
	classify *task          // pending deferred classification, if any
	alive    bool           // acked the latest liveness probe
}

// Stats is a point-in-time snapshot of engine state, served on /api/stats.
type Stats struct {
	Connections         int `json:"connections"`
	Senders             int `json:"senders"`
	Browsers            int `json:"browsers"`
	BufferedScreenshots int `json:"buffered_screenshots"`
	BufferedCommands    int `json:"buffered_commands"`
}

// engineCmd is the command interface for the Engine actor.
type engineCmd interface{ isEngineCmd() }

type baseEngineCmd struct{}

func (baseEngineCmd) isEngineCmd() {}

type connectCmd struct {
	baseEngineCmd
	peer Peer
}

type disconnectCmd struct {
	baseEngineCmd
	peer Peer
}

type frameCmd struct {
	baseEngineCmd
	peer Peer
	data []byte
}

type pongCmd struct {
	baseEngineCmd
	peer Peer
}

type statsCmd struct {
	baseEngineCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseEngineCmd
}

// Engine relays frames between sender and browser connections. One goroutine
// owns all state: the connection registry, both buffers and the delay queue.
// Everything external goes through the command channel.
type Engine struct {
	cmdCh       chan engineCmd
	clock       clockwork.Clock
	opts        Options
	conns       map[Peer]*connState
	screenshots *frameBuffer
	commands    *frameBuffer
	sched       *scheduler
	done        chan struct{}
}

func NewEngine(clock clockwork.Clock, opts Options) *Engine {
	e := &Engine{
		cmdCh:       make(chan engineCmd, 256),
		clock:       clock,
		opts:        opts,
		conns:       make(map[Peer]*connState),
		screenshots: newFrameBuffer("screenshots", opts.BufferCapacity, opts.BufferTTL),
		commands:    newFrameBuffer("commands", opts.BufferCapacity, opts.BufferTTL),
		sched:       newScheduler(clock),
		done:        make(chan struct{}),
	}
	go e.run()
	return e
}

// --- Public API ---

// Connect registers a new transport session. The connection starts
// unclassified; the grace timer or its first frame decides its role.
func (e *Engine) Connect(p Peer) {
	e.post(connectCmd{peer: p})
}

// Disconnect handles connection close or transport error. Idempotent.
func (e *Engine) Disconnect(p Peer) {
	e.post(disconnectCmd{peer: p})
}

// HandleFrame routes one inbound text frame from p.
func (e *Engine) HandleFrame(p Peer, data []byte) {
	e.post(frameCmd{peer: p, data: data})
}

// PongReceived marks p as having acked the latest liveness probe.
func (e *Engine) PongReceived(p Peer) {
	e.post(pongCmd{peer: p})
}

// Stats returns a snapshot of current engine state.
func (e *Engine) Stats() Stats {
	replyCh := make(chan Stats, 1)
	if !e.post(statsCmd{replyChannel: replyCh}) {
		return Stats{}
	}
	select {
	case s := <-replyCh:
		return s
	case <-e.done:
		return Stats{}
	}
}

// Stop shuts the engine down, closing all live connections and cancelling its
// timers. Further calls on the engine become no-ops.
func (e *Engine) Stop() {
	e.post(stopCmd{})
}

func (e *Engine) post(cmd engineCmd) bool {
	select {
	case e.cmdCh <- cmd:
		return true
	case <-e.done:
		return false
	}
}

// --- Actor loop ---

func (e *Engine) run() {
	sweep := e.clock.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()
	probe := e.clock.NewTicker(e.opts.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case cmd := <-e.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				e.handleConnect(c.peer)
			case disconnectCmd:
				e.handleDisconnect(c.peer)
			case frameCmd:
				e.handleFrame(c.peer, c.data)
			case pongCmd:
				e.handlePong(c.peer)
			case statsCmd:
				c.replyChannel <- e.snapshotStats()
			case stopCmd:
				e.handleStop()
				return
			default:
				slog.Warn("Engine: unknown command type", "type", fmt.Sprintf("%T", cmd))
			}
		case <-sweep.Chan():
			e.handleSweep()
		case <-probe.Chan():
			e.handleProbe()
		case <-e.sched.C():
			e.sched.fire(e.clock.Now())
		}
	}
}

// --- Lifecycle ---

func (e *Engine) handleConnect(p Peer) {
	if _, exists := e.conns[p]; exists {
		return
	}
	st := &connState{peer: p, role: roleUnclassified, alive: true}
	st.classify = e.sched.schedule(e.opts.ClassifyGrace, func() {
		e.classifyTimeout(p)
	})
	e.conns[p] = st
	metrics.ConnectionsCurrent.Inc()
	slog.Debug("Connection opened", "addr", p.RemoteAddr(), "total", len(e.conns))
}

func (e *Engine) handleDisconnect(p Peer) {
	st, exists := e.conns[p]
	if !exists {
		return
	}
	e.sched.cancel(st.classify)
	delete(e.conns, p)
	metrics.ConnectionsCurrent.Dec()

	switch st.role {
	case roleSender:
		metrics.SendersCurrent.Dec()
		slog.Info("Sender disconnected", "sender_id", st.identity.ID, "addr", st.identity.Address)
		e.notifySenderEvent(TypeSenderDisconnected, st.identity)
	case roleBrowser:
		metrics.BrowsersCurrent.Dec()
		slog.Info("Browser disconnected", "addr", p.RemoteAddr())
	default:
		slog.Debug("Unclassified connection closed", "addr", p.RemoteAddr())
	}

	p.Close()
}

func (e *Engine) handleStop() {
	for p := range e.conns {
		p.Close()
	}
	e.conns = make(map[Peer]*connState)
	metrics.ConnectionsCurrent.Set(0)
	metrics.SendersCurrent.Set(0)
	metrics.BrowsersCurrent.Set(0)
	close(e.done)
	slog.Info("Relay engine stopped")
}

// --- Frame routing ---

func (e *Engine) handleFrame(p Peer, data []byte) {
	st, exists := e.conns[p]
	if !exists {
		// Frame raced with close handling.
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Dropping malformed frame", "addr", p.RemoteAddr(), "role", st.role.String(), "error", err)
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}

	switch env.Type {
	case TypeScreenshot:
		e.handleScreenshot(p, st, env.Data)
	case TypeCode:
		e.handleCode(p, data)
	case TypeRegisterBrowser:
		e.handleRegisterBrowser(p, st)
	default:
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		slog.Debug("Ignoring unknown frame type", "type", env.Type, "addr", p.RemoteAddr())
	}
}

// --- Classification ---

// classifyTimeout fires when the grace period elapses without an explicit
// browser registration. Scheduled per connection; a no-op if the connection
// has since closed or classified itself.
func (e *Engine) classifyTimeout(p Peer) {
	st, exists := e.conns[p]
	if !exists || st.role != roleUnclassified {
		return
	}
	st.classify = nil
	e.promoteToSender(p, st)
}

// promoteToSender assigns a fresh identity, announces the sender to browsers
// and hands it every buffered command. Idempotent for existing senders.
func (e *Engine) promoteToSender(p Peer, st *connState) {
	if st.role == roleSender {
		return
	}
	e.sched.cancel(st.classify)
	st.classify = nil
	st.role = roleSender
	st.identity = SenderIdentity{
		ID:      e.newSenderID(),
		Address: p.RemoteAddr(),
	}
	metrics.SendersCurrent.Inc()
	slog.Info("Sender classified", "sender_id", st.identity.ID, "addr", st.identity.Address)

	e.notifySenderEvent(TypeSenderConnected, st.identity)

	// Hand over parked commands immediately, oldest first. The buffer is
	// cleared whether or not every send lands.
	for _, entry := range e.commands.drain(e.clock.Now()) {
		if err := p.Send(entry.payload); err != nil {
			metrics.SendFailures.Inc()
			slog.Warn("Buffered command send failed", "sender_id", st.identity.ID, "error", err)
		}
	}
}

func (e *Engine) handleRegisterBrowser(p Peer, st *connState) {
	e.sched.cancel(st.classify)
	st.classify = nil

	if st.role == roleSender {
		// The grace timer or a screenshot frame won a race against the
		// explicit claim. Revert the sender assignment.
		identity := st.identity
		st.role = roleUnclassified
		st.identity = SenderIdentity{}
		metrics.SendersCurrent.Dec()
		slog.Info("Reverting sender assignment after browser registration", "sender_id", identity.ID)
		e.notifySenderEvent(TypeSenderDisconnected, identity)
	}

	if st.role != roleBrowser {
		st.role = roleBrowser
		metrics.BrowsersCurrent.Inc()
		slog.Info("Browser registered", "addr", p.RemoteAddr(), "browsers", e.countRole(roleBrowser))
	}

	msg, err := marshalCurrentSenders(e.senderSnapshot())
	if err != nil {
		slog.Error("Failed to marshal sender snapshot", "error", err)
		return
	}
	if err := p.Send(msg); err != nil {
		metrics.SendFailures.Inc()
		slog.Warn("Registration reply failed", "addr", p.RemoteAddr(), "error", err)
	}

	if entries := e.screenshots.live(e.clock.Now()); len(entries) > 0 {
		e.scheduleScreenshotFlush(p, entries)
	}
}

func (e *Engine) newSenderID() string {
	return fmt.Sprintf("sender-%d-%s", e.clock.Now().UnixMilli(), uuid.NewString()[:8])
}

// --- Fanout ---

func (e *Engine) handleScreenshot(p Peer, st *connState, data json.RawMessage) {
	if st.role == roleBrowser {
		// Browsers never produce frames; once classified the role is final.
		metrics.FramesDropped.WithLabelValues("browser_origin").Inc()
		slog.Debug("Dropping screenshot from browser connection", "addr", p.RemoteAddr())
		return
	}
	e.promoteToSender(p, st)

	browsers := e.statesWithRole(roleBrowser)
	if len(browsers) == 0 {
		e.screenshots.push(e.clock.Now(), data, st.identity.ID)
		return
	}

	msg, err := marshalScreenshot(data, st.identity.ID)
	if err != nil {
		slog.Error("Failed to marshal screenshot", "sender_id", st.identity.ID, "error", err)
		return
	}
	for _, b := range browsers {
		if err := b.peer.Send(msg); err != nil {
			metrics.SendFailures.Inc()
			slog.Warn("Screenshot fanout send failed", "addr", b.peer.RemoteAddr(), "error", err)
		}
	}
	metrics.FanoutMessages.WithLabelValues(TypeScreenshot).Add(float64(len(browsers)))
}

// handleCode relays a command frame verbatim to every sender except its
// origin. The origin's own role is irrelevant to the exclusion.
func (e *Engine) handleCode(p Peer, raw []byte) {
	senders := e.statesWithRole(roleSender)
	if len(senders) == 0 {
		e.commands.push(e.clock.Now(), raw, "")
		msg, err := marshalNoSenders(noSendersNotice)
		if err != nil {
			slog.Error("Failed to marshal no_senders notice", "error", err)
			return
		}
		if err := p.Send(msg); err != nil {
			metrics.SendFailures.Inc()
			slog.Warn("no_senders reply failed", "addr", p.RemoteAddr(), "error", err)
		}
		return
	}

	sent := 0
	for _, s := range senders {
		if s.peer == p {
			// Never echo a command back to its origin.
			continue
		}
		if err := s.peer.Send(raw); err != nil {
			metrics.SendFailures.Inc()
			slog.Warn("Command fanout send failed", "sender_id", s.identity.ID, "error", err)
			continue
		}
		sent++
	}
	metrics.FanoutMessages.WithLabelValues(TypeCode).Add(float64(sent))
}

// notifySenderEvent broadcasts a sender lifecycle notification to the browser
// set as of now. Browsers added afterwards miss this particular broadcast.
func (e *Engine) notifySenderEvent(kind string, identity SenderIdentity) {
	browsers := e.statesWithRole(roleBrowser)
	if len(browsers) == 0 {
		return
	}
	msg, err := marshalSenderEvent(kind, identity)
	if err != nil {
		slog.Error("Failed to marshal sender event", "kind", kind, "error", err)
		return
	}
	for _, b := range browsers {
		if err := b.peer.Send(msg); err != nil {
			metrics.SendFailures.Inc()
			slog.Warn("Sender event send failed", "kind", kind, "error", err)
		}
	}
	metrics.FanoutMessages.WithLabelValues(kind).Add(float64(len(browsers)))
}

// --- Paced flush ---

// scheduleScreenshotFlush replays a snapshot of parked screenshots to one
// browser: a settle delay first so the registration reply lands, then one
// frame per pacing interval, then a trailing task that clears the buffer no
// matter what was actually delivered. Flush tasks are never cancelled; each
// re-checks the target at fire time.
func (e *Engine) scheduleScreenshotFlush(p Peer, entries []bufferEntry) {
	for i, entry := range entries {
		payload, senderID := entry.payload, entry.senderID
		delay := e.opts.FlushSettle + time.Duration(i)*e.opts.FlushPacing
		e.sched.schedule(delay, func() {
			e.deliverBufferedScreenshot(p, payload, senderID)
		})
	}
	clearDelay := e.opts.FlushSettle + time.Duration(len(entries))*e.opts.FlushPacing
	delivered := len(entries)
	e.sched.schedule(clearDelay, func() {
		e.screenshots.clearAfterFlush(delivered)
	})
}

func (e *Engine) deliverBufferedScreenshot(p Peer, payload json.RawMessage, senderID string) {
	st, exists := e.conns[p]
	if !exists || st.role != roleBrowser {
		// Target closed (or re-registered away) since the flush was
		// scheduled.
		return
	}
	msg, err := marshalScreenshot(payload, senderID)
	if err != nil {
		slog.Error("Failed to marshal buffered screenshot", "sender_id", senderID, "error", err)
		return
	}
	if err := p.Send(msg); err != nil {
		metrics.SendFailures.Inc()
		slog.Warn("Buffered screenshot send failed", "addr", p.RemoteAddr(), "error", err)
		return
	}
	metrics.FanoutMessages.WithLabelValues(TypeScreenshot).Inc()
}

// --- Periodic work ---

func (e *Engine) handleSweep() {
	now := e.clock.Now()
	expiredScreens := e.screenshots.expire(now)
	expiredCommands := e.commands.expire(now)
	if expiredScreens > 0 || expiredCommands > 0 {
		slog.Info("Swept expired buffer entries", "screenshots", expiredScreens, "commands", expiredCommands)
	}
}

// handleProbe terminates every connection that failed to ack the previous
// probe, then marks the survivors unacked and pings them.
func (e *Engine) handleProbe() {
	var dead []Peer
	for p, st := range e.conns {
		if !st.alive {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		slog.Warn("Terminating unresponsive connection", "addr", p.RemoteAddr())
		metrics.LivenessTerminations.Inc()
		e.handleDisconnect(p)
	}
	for _, st := range e.conns {
		st.alive = false
		if err := st.peer.Ping(); err != nil {
			slog.Debug("Probe send failed", "addr", st.peer.RemoteAddr(), "error", err)
		}
	}
}

func (e *Engine) handlePong(p Peer) {
	if st, exists := e.conns[p]; exists {
		st.alive = true
	}
}

// --- Registry helpers ---

func (e *Engine) statesWithRole(r role) []*connState {
	var out []*connState
	for _, st := range e.conns {
		if st.role == r {
			out = append(out, st)
		}
	}
	return out
}

func (e *Engine) countRole(r role) int {
	n := 0
	for _, st := range e.conns {
		if st.role == r {
			n++
		}
	}
	return n
}

func (e *Engine) senderSnapshot() []SenderIdentity {
	senders := make([]SenderIdentity, 0)
	for _, st := range e.conns {
		if st.role == roleSender {
			senders = append(senders, st.identity)
		}
	}
	return senders
}

func (e *Engine) snapshotStats() Stats {
	return Stats{
		Connections:         len(e.conns),
		Senders:             e.countRole(roleSender),
		Browsers:            e.countRole(roleBrowser),
		BufferedScreenshots: e.screenshots.len(),
		BufferedCommands:    e.commands.len(),
	}
}
