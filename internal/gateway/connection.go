package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a single physical connection.
//
// State machine:
//
//	Connecting → (auth timeout)            → Disconnected
//	Connecting → (register)                → Registered
//	Registered → (heartbeat timeout,
//	              transport close,
//	              forced disconnect)       → Disconnected
//
// Disconnected is terminal; the record is deleted, never retained.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateRegistered
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// sendBufferSize is the per-connection outbound queue depth. A full
// buffer drops the message and counts it; repeated drops mark the client
// slow.
const sendBufferSize = 256

// slowClientStrikes is the number of consecutive dropped sends after
// which a client is force-disconnected.
const slowClientStrikes = 3

// Conn is one physical transport session from a single client device.
type Conn struct {
	id       string
	netConn  net.Conn
	remoteIP string

	state        atomic.Int32
	connectedAt  time.Time
	lastActiveAt atomic.Int64 // unix nanos, updated on every inbound frame

	send      chan []byte
	done      chan struct{} // closed on disconnect; unblocks the write pump
	closeOnce sync.Once

	// authTimer fires if no registration arrives within the window.
	// Guarded by mu; cancelled on register and on disconnect.
	authTimer *time.Timer

	dropStrikes atomic.Int32 // consecutive full-buffer drops

	mu       sync.RWMutex
	userID   string // set exactly once, at registration
	metadata map[string]string
	rooms    map[string]struct{}
}

func newConn(id string, netConn net.Conn, remoteIP string) *Conn {
	c := &Conn{
		id:          id,
		netConn:     netConn,
		remoteIP:    remoteIP,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastActiveAt.Store(time.Now().UnixNano())
	return c
}

// ID returns the process-unique connection identifier.
func (c *Conn) ID() string { return c.id }

// RemoteIP returns the admission-control source address.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Registered reports whether the connection carries a verified user.
// Invariant: Registered() implies UserID() != "".
func (c *Conn) Registered() bool {
	return c.State() == StateRegistered
}

// UserID returns the logical user bound at registration, or "" while
// still connecting.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Metadata returns the registration metadata map (may be nil).
func (c *Conn) Metadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata
}

// Touch records inbound activity. Any frame counts as liveness, not only
// heartbeats.
func (c *Conn) Touch() {
	c.lastActiveAt.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent inbound frame.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActiveAt.Load())
}

// register transitions Connecting → Registered and binds the user id.
// Returns false if the connection is not in Connecting state.
func (c *Conn) register(userID string, metadata map[string]string) bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateRegistered)) {
		return false
	}
	c.mu.Lock()
	c.userID = userID
	c.metadata = metadata
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	return true
}

// markDisconnected transitions to the terminal state. Returns true only
// for the first caller, making disconnect idempotent.
func (c *Conn) markDisconnected() bool {
	prev := c.state.Swap(int32(StateDisconnected))
	if ConnState(prev) == StateDisconnected {
		return false
	}
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	close(c.done)
	return true
}

func (c *Conn) setAuthTimer(t *time.Timer) {
	c.mu.Lock()
	c.authTimer = t
	c.mu.Unlock()
}

// trySend queues data without blocking. A full buffer counts a strike;
// the caller disconnects the client after slowClientStrikes consecutive
// drops. Successful sends reset the strike count.
func (c *Conn) trySend(data []byte) bool {
	if data == nil || c.State() == StateDisconnected {
		return false
	}
	select {
	case c.send <- data:
		c.dropStrikes.Store(0)
		return true
	default:
		c.dropStrikes.Add(1)
		return false
	}
}

// slow reports whether the client has exhausted its drop strikes.
func (c *Conn) slow() bool {
	return c.dropStrikes.Load() >= slowClientStrikes
}

// close shuts the transport exactly once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if c.netConn != nil {
			c.netConn.Close()
		}
	})
}

// Room membership. The set lives on the record so disconnect can clean
// the reverse index without scanning every room.

func (c *Conn) joinRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) leaveRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// roomList returns a copy of the rooms this connection has joined.
func (c *Conn) roomList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}
