package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the interface domain services use to emit notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, n *Notification) error
}

// HubConfig bounds the hub's per-session resources.
type HubConfig struct {
	// SendBuffer is the per-session outbound queue size. A session whose
	// queue is full when a delivery arrives is treated as dead and dropped.
	SendBuffer int
	// DedupWindow is how long a delivered notification ID is remembered per
	// (session, channel) for replay suppression.
	DedupWindow time.Duration
	// DedupMaxEntries caps the remembered IDs per (session, channel).
	DedupMaxEntries int
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:      256,
		DedupWindow:     2 * time.Minute,
		DedupMaxEntries: 512,
	}
}

// Hub is the central fan-out registry mapping channels to subscribed
// sessions. All operations are thread-safe via sync.RWMutex; publish takes a
// consistent snapshot of a channel's subscribers, so a session added
// mid-publish may or may not receive that publish but never observes a
// partial delivery.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}
	sessions map[*Session]struct{}

	cfg    HubConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewHub creates a Hub with the given bounds.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultHubConfig().SendBuffer
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultHubConfig().DedupWindow
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = DefaultHubConfig().DedupMaxEntries
	}
	return &Hub{
		channels: make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]struct{}),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds a session to the hub under no channels; the client must
// issue subscribe commands for every channel of interest, on every connect.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

// Unregister removes a session from the hub and every channel it subscribed
// to, and closes its outbound queue. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}

	for channel := range s.channels {
		if subscribers, ok := h.channels[channel]; ok {
			delete(subscribers, s)
			if len(subscribers) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	s.channels = make(map[string]struct{})

	delete(h.sessions, s)
	h.mu.Unlock()

	s.close()
}

// Subscribe adds a session to a channel. Subscribing twice is a no-op.
// Subscribing to a channel nothing publishes to yet is always legal.
func (h *Hub) Subscribe(s *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Session]struct{})
	}
	h.channels[channel][s] = struct{}{}
	s.channels[channel] = struct{}{}
}

// Unsubscribe removes a session from a channel. Unsubscribing from a channel
// the session is not on is a no-op.
func (h *Hub) Unsubscribe(s *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subscribers, ok := h.channels[channel]; ok {
		delete(subscribers, s)
		if len(subscribers) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(s.channels, channel)
}

// Publish delivers the notification to every session currently subscribed to
// the channel. Best-effort: sessions not connected at publish time never see
// it, and a session whose transport cannot accept the delivery is dropped
// from the hub without affecting the rest. The publisher never sees delivery
// failures.
//
// For a single channel, sequential publishes reach each surviving session in
// publish order: delivery enqueues into each session's FIFO queue before
// Publish returns.
func (h *Hub) Publish(_ context.Context, channel string, n *Notification) error {
	frame, err := marshalNotificationFrame(n)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channel).Msg("marshal notification")
		return err
	}

	h.mu.RLock()
	subscribers := make([]*Session, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		subscribers = append(subscribers, s)
	}
	h.mu.RUnlock()

	now := h.now()
	var dropped []*Session
	for _, s := range subscribers {
		if !s.dedup.firstSeen(channel, n.ID, now) {
			continue // replayed id within the retention window
		}
		if !s.enqueue(frame) {
			dropped = append(dropped, s)
			continue
		}
		s.mailbox.add(n)
	}

	for _, s := range dropped {
		h.logger.Warn().
			Str("connection_id", s.ID).
			Str("channel", channel).
			Msg("dropping unresponsive session")
		h.Unregister(s)
	}
	return nil
}

// BroadcastTyping forwards a typing indicator to every subscriber of the
// channel except the typist. Indicators are passthrough: never stored, never
// deduplicated.
func (h *Hub) BroadcastTyping(channel, userID string, isTyping bool) {
	frame, err := marshalTypingFrame(userID, isTyping)
	if err != nil {
		return
	}

	h.mu.RLock()
	subscribers := make([]*Session, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		subscribers = append(subscribers, s)
	}
	h.mu.RUnlock()

	for _, s := range subscribers {
		if s.Auth != nil && s.Auth.UserID.String() == userID {
			continue
		}
		s.enqueue(frame)
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ChannelCount returns the number of sessions subscribed to a channel.
func (h *Hub) ChannelCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Subscribed reports whether the session is currently on the channel.
func (h *Hub) Subscribed(s *Session, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][s]
	return ok
}
