package hub

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a session's position in Connected -> Subscribed -> Disconnected.
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one live client connection. A reconnecting client gets a new Session.
type Session struct {
	id          string
	connectedAt time.Time
	lastSeen    atomic.Int64
	state       atomic.Int32
	send        chan []byte

	// owned by the hub loop
	channels map[string]struct{}
}

func newSession(buffer int) *Session {
	now := time.Now()
	s := &Session{
		id:          uuid.NewString(),
		connectedAt: now,
		send:        make(chan []byte, buffer),
		channels:    make(map[string]struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Touch records client activity.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) State() State { return State(s.state.Load()) }

// Send returns the outbound frame queue. It is closed when the session is
// disconnected.
func (s *Session) Send() <-chan []byte { return s.send }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// SessionInfo is a point-in-time copy of a session's registry entry.
type SessionInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	State       string    `json:"state"`
	Channels    []string  `json:"channels"`
}

func (s *Session) info() SessionInfo {
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return SessionInfo{
		ID:          s.id,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.LastSeen(),
		State:       s.State().String(),
		Channels:    channels,
	}
}
