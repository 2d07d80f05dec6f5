// Package hub fans live telemetry and alerts out to dashboard sessions grouped
// into named channels.
//
// All registry state (sessions and channel memberships) is owned by a single
// loop goroutine and changed only through commands queued on one channel, so
// a publish never observes a membership change half-applied. Commands run in
// queue order: a subscribe acknowledged before a publish is queued sees that
// publish. Delivery never blocks the loop; a session whose outbound buffer is
// full is dropped from the channel being published.
package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/metrics"
)

const (
	defaultSendBuffer    = 256
	defaultCommandBuffer = 1024
)

var (
	// ErrHubStopped is returned by every operation after Stop.
	ErrHubStopped = errors.New("hub stopped")
	// ErrUnknownSession is returned for an ID that is not registered.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidChannel is returned for an empty channel name.
	ErrInvalidChannel = errors.New("channel name is required")
	// ErrSubscriberUnreachable marks a session dropped from a channel because
	// its outbound buffer was full. It is only logged.
	ErrSubscriberUnreachable = errors.New("subscriber unreachable")
)

// Config sizes the hub's queues.
type Config struct {
	SendBuffer    int // per-session outbound frames
	CommandBuffer int
}

// Stats summarizes the registry.
type Stats struct {
	Sessions int            `json:"sessions"`
	Channels map[string]int `json:"channels"`
}

// Hub is the broadcast hub and session registry.
type Hub struct {
	cmds     chan func()
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *log.Entry

	sendBuffer int
	sessions   map[string]*Session
	channels   map[string]map[string]*Session
}

// New starts a hub. Call Stop to release it.
func New(cfg Config, logger *log.Entry) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = defaultCommandBuffer
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	h := &Hub{
		cmds:       make(chan func(), cfg.CommandBuffer),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.WithField("component", "hub"),
		sendBuffer: cfg.SendBuffer,
		sessions:   make(map[string]*Session),
		channels:   make(map[string]map[string]*Session),
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.cmds:
			cmd()
		case <-h.stopping:
			h.drain()
			h.closeAll()
			return
		}
	}
}

// drain runs commands queued before Stop, so accepted publishes still go out.
func (h *Hub) drain() {
	for {
		select {
		case cmd := <-h.cmds:
			cmd()
		default:
			return
		}
	}
}

func (h *Hub) closeAll() {
	count := len(h.sessions)
	for id := range h.sessions {
		h.closeSession(id)
	}
	metrics.HubSessions.Set(0)
	h.logger.WithField("sessions_closed", count).Info("hub stopped")
}

func (h *Hub) enqueue(cmd func()) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.cmds <- cmd:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// call runs fn on the loop and waits for its result.
func call[T any](h *Hub, fn func() T) (T, error) {
	reply := make(chan T, 1)
	var zero T
	if err := h.enqueue(func() { reply <- fn() }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		// the loop may have answered while draining
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrHubStopped
		}
	}
}

// Connect registers a new session.
func (h *Hub) Connect() (*Session, error) {
	s := newSession(h.sendBuffer)
	_, err := call(h, func() struct{} {
		h.sessions[s.id] = s
		metrics.HubSessions.Set(float64(len(h.sessions)))
		h.logger.WithField("session_id", s.id).Info("session connected")
		return struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe adds channel to the session's subscriptions and queues an ack
// carrying requestID ahead of any later publish. Subscribing twice is
// acknowledged again and changes nothing.
func (h *Hub) Subscribe(sessionID, channel, requestID string) error {
	res, err := call(h, func() error {
		s, ok := h.sessions[sessionID]
		if !ok {
			return ErrUnknownSession
		}
		if channel == "" {
			h.deliverTo(s, errorFrame(requestID, ErrInvalidChannel))
			return ErrInvalidChannel
		}
		subs, ok := h.channels[channel]
		if !ok {
			subs = make(map[string]*Session)
			h.channels[channel] = subs
		}
		subs[sessionID] = s
		s.channels[channel] = struct{}{}
		s.setState(StateSubscribed)
		if !h.deliverTo(s, ackFrame(requestID, channel)) {
			h.dropFromChannel(s, channel)
			return fmt.Errorf("ack %s: %w", channel, ErrSubscriberUnreachable)
		}
		h.logger.WithFields(log.Fields{"session_id": sessionID, "channel": channel}).Debug("subscribed")
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// Unsubscribe removes one channel, or every channel when channel is empty,
// and acknowledges requestID.
func (h *Hub) Unsubscribe(sessionID, channel, requestID string) error {
	res, err := call(h, func() error {
		s, ok := h.sessions[sessionID]
		if !ok {
			return ErrUnknownSession
		}
		if channel == "" {
			for ch := range s.channels {
				h.removeMembership(s, ch)
			}
		} else {
			h.removeMembership(s, channel)
		}
		if len(s.channels) == 0 {
			s.setState(StateConnected)
		}
		h.deliverTo(s, ackFrame(requestID, channel))
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// Ping touches the session and queues a pong.
func (h *Hub) Ping(sessionID string) error {
	return h.enqueue(func() {
		if s, ok := h.sessions[sessionID]; ok {
			s.Touch()
			h.deliverTo(s, pongFrame)
		}
	})
}

// Reject queues an error frame for a request the transport could not handle.
func (h *Hub) Reject(sessionID, requestID string, reason error) error {
	return h.enqueue(func() {
		if s, ok := h.sessions[sessionID]; ok {
			h.deliverTo(s, errorFrame(requestID, reason))
		}
	})
}

// Close removes the session from every channel and closes its outbound
// queue. Closing an unknown or closed session is a no-op.
func (h *Hub) Close(sessionID string) error {
	_, err := call(h, func() struct{} {
		if _, ok := h.sessions[sessionID]; ok {
			h.closeSession(sessionID)
			metrics.HubSessions.Set(float64(len(h.sessions)))
			h.logger.WithField("session_id", sessionID).Info("session disconnected")
		}
		return struct{}{}
	})
	return err
}

// Publish queues payload for every session subscribed to channel when the
// publish is processed. It returns once the publish is queued; delivery is
// best-effort.
func (h *Hub) Publish(channel string, payload interface{}) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	frame, err := messageFrame(channel, payload, time.Now())
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	return h.enqueue(func() { h.deliver(channel, frame) })
}

// Stats returns session and per-channel subscriber counts.
func (h *Hub) Stats() (Stats, error) {
	return call(h, func() Stats {
		st := Stats{Sessions: len(h.sessions), Channels: make(map[string]int, len(h.channels))}
		for ch, subs := range h.channels {
			st.Channels[ch] = len(subs)
		}
		return st
	})
}

// Sessions returns a snapshot of the registry ordered by connect time.
func (h *Hub) Sessions() ([]SessionInfo, error) {
	return call(h, func() []SessionInfo {
		out := make([]SessionInfo, 0, len(h.sessions))
		for _, s := range h.sessions {
			out = append(out, s.info())
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		})
		return out
	})
}

// Stop runs the commands already queued, closes every session and stops the
// loop. It is safe to call more than once and from several goroutines.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopping) })
	<-h.done
}

func (h *Hub) deliver(channel string, frame []byte) {
	for _, s := range h.channels[channel] {
		if h.deliverTo(s, frame) {
			metrics.HubDelivered.Inc()
			continue
		}
		h.dropFromChannel(s, channel)
	}
}

func (h *Hub) deliverTo(s *Session, frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (h *Hub) dropFromChannel(s *Session, channel string) {
	h.removeMembership(s, channel)
	if len(s.channels) == 0 {
		s.setState(StateConnected)
	}
	metrics.HubDropped.Inc()
	h.logger.WithFields(log.Fields{
		"session_id": s.id,
		"channel":    channel,
	}).WithError(ErrSubscriberUnreachable).Warn("outbound buffer full, subscriber dropped from channel")
}

func (h *Hub) removeMembership(s *Session, channel string) {
	delete(s.channels, channel)
	if subs, ok := h.channels[channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) closeSession(id string) {
	s := h.sessions[id]
	for ch := range s.channels {
		h.removeMembership(s, ch)
	}
	delete(h.sessions, id)
	s.setState(StateDisconnected)
	close(s.send)
}
