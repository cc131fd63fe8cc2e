package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// errSendBufferFull signals a recipient whose write pump cannot keep up.
// Callers log and skip; eviction is the liveness monitor's job, not the
// sender's.
var errSendBufferFull = errors.New("send buffer full")

var errPeerClosed = errors.New("peer closed")

// Peer is the engine's handle to one live transport session. The engine
// never touches the underlying socket directly.
type Peer interface {
	// Send queues a text frame, fire-and-forget. Returns an error if the
	// peer's send buffer is full or the peer is closed.
	Send(data []byte) error
	// Ping queues a liveness probe control frame.
	Ping() error
	// Close tears the session down. Safe to call more than once.
	Close()
	// RemoteAddr reports the transport-layer peer address, or "unknown".
	RemoteAddr() string
}

type outFrame struct {
	messageType int
	data        []byte
}

// wsPeer adapts a gorilla connection to the Peer interface with a buffered
// send channel drained by a single writer goroutine, so the engine never
// blocks on a slow socket.
type wsPeer struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan outFrame
	done     chan struct{}
	stopOnce sync.Once
}

func NewWSPeer(conn *websocket.Conn, clock clockwork.Clock) *wsPeer {
	p := &wsPeer{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan outFrame, messageBufferSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *wsPeer) run() {
	for {
		select {
		case frame := <-p.sendCh:
			deadline := p.clock.Now().Add(writeDeadline)
			_ = p.conn.SetWriteDeadline(deadline)
			if err := p.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				// The read loop observes the broken socket and tells
				// the engine; nothing to do here.
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPeer) enqueue(frame outFrame) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.sendCh <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (p *wsPeer) Send(data []byte) error {
	return p.enqueue(outFrame{messageType: websocket.TextMessage, data: data})
}

func (p *wsPeer) Ping() error {
	return p.enqueue(outFrame{messageType: websocket.PingMessage})
}

func (p *wsPeer) Close() {
	p.stopOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *wsPeer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
