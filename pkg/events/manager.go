package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// Errors surfaced through Subscription.Err.
var (
	// ErrQueueOverflow closes a subscriber whose outbound queue exceeded
	// the high-water mark. Other subscribers on the channel are untouched.
	ErrQueueOverflow = errors.New("events: subscriber queue overflow")

	// ErrManagerClosed is returned by Connect after Shutdown and reported
	// by subscriptions that Shutdown closed.
	ErrManagerClosed = errors.New("events: connection manager closed")
)

// Frame is one buffered SSE event. IDs are per-channel and strictly
// increasing.
type Frame struct {
	ID    uint64
	Event string
	Data  []byte
}

// Encode renders the frame in SSE wire format.
func (f Frame) Encode() []byte {
	return fmt.Appendf(nil, "event: %s\nid: %d\ndata: %s\n\n", f.Event, f.ID, f.Data)
}

// heartbeatFrame is a comment line that keeps intermediaries from timing
// idle connections out.
var heartbeatFrame = []byte(": heartbeat\n\n")

// deadlineWriter is implemented by writers that support per-write
// deadlines, e.g. the wrapper the API layer builds around
// http.ResponseController.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Subscription is one subscriber's handle. The manager owns a writer
// goroutine per subscription; callers block on Done until the peer goes
// away, the queue overflows, or the manager shuts down.
type Subscription struct {
	ID      string
	agentID string

	queue chan []byte

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil for a normal disconnect,
// ErrQueueOverflow, ErrManagerClosed, or a wrapped write error. It is
// nil until Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// stream is the per-channel broadcast state: subscriber set, replay
// ring, and id counter. Guarded by the manager mutex.
type stream struct {
	nextID uint64
	ring   []Frame
	subs   map[string]*Subscription
}

// ConnectionManager fans events out to SSE subscribers. Channels are
// keyed by agent ID plus the reserved ApprovalsChannel key. Each channel
// keeps a bounded ring of recent frames for Last-Event-ID resume.
type ConnectionManager struct {
	cfg *config.SSEConfig

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	done chan struct{}
}

// NewConnectionManager builds a manager and starts its heartbeat ticker.
// A nil cfg uses the built-in defaults.
func NewConnectionManager(cfg *config.SSEConfig) *ConnectionManager {
	if cfg == nil {
		cfg = config.DefaultSSEConfig()
	}
	m := &ConnectionManager{
		cfg:     cfg,
		streams: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	go m.heartbeatLoop(cfg.HeartbeatInterval)
	return m
}

// Connect registers a subscriber for a channel and starts its writer
// goroutine. Ring frames with ids strictly greater than lastEventID are
// replayed before any live frame; replay and live delivery share one
// queue, so ordering holds. Pass lastEventID 0 to replay the whole ring.
func (m *ConnectionManager) Connect(agentID string, lastEventID uint64, w io.Writer) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	st := m.stream(agentID)

	var replay [][]byte
	for _, f := range st.ring {
		if f.ID > lastEventID {
			replay = append(replay, f.Encode())
		}
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		agentID: agentID,
		// Capacity covers the replay burst plus the live high-water
		// allowance; enqueueing the replay below can never block.
		queue: make(chan []byte, len(replay)+m.cfg.QueueHighWater),
		done:  make(chan struct{}),
	}
	for _, b := range replay {
		sub.queue <- b
	}
	st.subs[sub.ID] = sub
	m.mu.Unlock()

	go m.serve(sub, w)
	return sub, nil
}

// Disconnect removes a subscription, e.g. when the request context ends.
// The subscription reports a nil error.
func (m *ConnectionManager) Disconnect(sub *Subscription) {
	m.drop(sub, nil)
}

// Broadcast marshals payload and fans an SSE frame out to every
// subscriber of the channel. Returns the assigned event id, 0 when the
// payload cannot be marshaled or the manager is closed.
func (m *ConnectionManager) Broadcast(agentID, event string, payload any) uint64 {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal SSE payload",
			"agent_id", agentID, "event", event, "error", err)
		return 0
	}
	return m.BroadcastRaw(agentID, event, data)
}

// BroadcastRaw fans out a pre-encoded JSON payload. Browser events pass
// through here verbatim.
func (m *ConnectionManager) BroadcastRaw(agentID, event string, data []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	st := m.stream(agentID)
	st.nextID++
	f := Frame{ID: st.nextID, Event: event, Data: data}

	st.ring = append(st.ring, f)
	if len(st.ring) > m.cfg.RingBufferSize {
		st.ring = st.ring[len(st.ring)-m.cfg.RingBufferSize:]
	}

	b := f.Encode()
	for _, sub := range st.subs {
		m.enqueueLocked(st, sub, b)
	}
	return f.ID
}

// ActiveConnections returns the number of open subscriptions.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.streams {
		n += len(st.subs)
	}
	return n
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported, used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[agentID]
	if !ok {
		return 0
	}
	return len(st.subs)
}

// Shutdown stops the heartbeat and closes every subscriber. Connect
// refuses afterwards. Safe to call more than once.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	var subs []*Subscription
	for _, st := range m.streams {
		for _, sub := range st.subs {
			subs = append(subs, sub)
		}
		st.subs = make(map[string]*Subscription)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close(ErrManagerClosed)
	}
}

// stream returns the channel state, creating it on first use. Callers
// must hold m.mu.
func (m *ConnectionManager) stream(agentID string) *stream {
	st, ok := m.streams[agentID]
	if !ok {
		st = &stream{subs: make(map[string]*Subscription)}
		m.streams[agentID] = st
	}
	return st
}

// enqueueLocked queues one pre-encoded frame. A full queue means the
// subscriber fell past the high-water mark; it is closed so the fan-out
// never stalls. Callers must hold m.mu.
func (m *ConnectionManager) enqueueLocked(st *stream, sub *Subscription, b []byte) {
	select {
	case sub.queue <- b:
	default:
		delete(st.subs, sub.ID)
		sub.close(ErrQueueOverflow)
	}
}

// serve drains the subscription queue onto the wire. A write failure
// means the peer went away; the subscription is reaped.
func (m *ConnectionManager) serve(sub *Subscription, w io.Writer) {
	flusher, _ := w.(http.Flusher)
	dw, hasDeadline := w.(deadlineWriter)
	for {
		select {
		case b := <-sub.queue:
			if hasDeadline && m.cfg.WriteTimeout > 0 {
				_ = dw.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			}
			if _, err := w.Write(b); err != nil {
				m.drop(sub, fmt.Errorf("events: write to subscriber: %w", err))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-sub.done:
			return
		}
	}
}

// drop removes the subscription from its channel and closes it.
func (m *ConnectionManager) drop(sub *Subscription, err error) {
	m.mu.Lock()
	if st, ok := m.streams[sub.agentID]; ok {
		delete(st.subs, sub.ID)
	}
	m.mu.Unlock()
	sub.close(err)
}

// heartbeatLoop queues a comment frame to every subscriber on each tick.
// Heartbeats ride the same queues as events, so a stalled subscriber
// eventually trips the overflow rule and is reaped.
func (m *ConnectionManager) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			for _, st := range m.streams {
				for _, sub := range st.subs {
					m.enqueueLocked(st, sub, heartbeatFrame)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}
