package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

// Session lifecycle states. A session instance never leaves StateDisconnected;
// reconnecting produces a new instance with a new connection ID.
const (
	StateConnecting int32 = iota
	StateConnected
	StateDisconnected
)

// Conn abstracts the bidirectional transport for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is the server-side representation of one live client connection:
// its identity, its channel subscriptions, its mailbox of delivered
// notifications, and its outbound queue.
type Session struct {
	ID   string
	Auth *auth.AuthContext

	hub  *Hub
	conn Conn
	send chan []byte

	state     atomic.Int32
	closeOnce sync.Once
	sendMu    sync.RWMutex // serializes enqueue against close

	// ctx outlives the upgrade request; net/http cancels the request context
	// as soon as the handler returns, long before the session ends.
	ctx    context.Context
	cancel context.CancelFunc

	// channels is owned by the hub and only touched under hub.mu.
	channels map[string]struct{}

	dedup   *dedupIndex
	mailbox *mailbox
}

// NewSession creates a session in the connecting state. Register it with the
// hub to make it eligible for deliveries.
func (h *Hub) NewSession(ac *auth.AuthContext, conn Conn) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		Auth:     ac,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		channels: make(map[string]struct{}),
		dedup:    newDedupIndex(h.cfg.DedupWindow, h.cfg.DedupMaxEntries),
		mailbox:  newMailbox(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(StateConnecting)
	return s
}

// Context is canceled when the session disconnects. Commands dispatched on
// behalf of the session use it so their work stops with the session, not with
// the upgrade request.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the session's current lifecycle state.
func (s *Session) State() int32 { return s.state.Load() }

// Connected reports whether the session can still receive deliveries.
func (s *Session) Connected() bool { return s.state.Load() == StateConnected }

// enqueue appends a frame to the outbound queue. It never blocks: a full or
// closed queue returns false and the hub treats the session as dead.
func (s *Session) enqueue(frame []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.state.Load() == StateDisconnected {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close transitions the session to disconnected and releases its queue.
// Pending deliveries are abandoned; the writer drains on channel close.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.state.Store(StateDisconnected)
		close(s.send)
		s.sendMu.Unlock()
		s.cancel()
		_ = s.conn.Close()
	})
}

// UnreadCount returns the number of mailbox entries not yet marked read.
func (s *Session) UnreadCount() int { return s.mailbox.unreadCount() }

// MarkRead marks one mailbox entry read. Unknown or already-read IDs are
// no-ops.
func (s *Session) MarkRead(notificationID string) { s.mailbox.markRead(notificationID) }

// MarkAllRead marks every mailbox entry read. Idempotent.
func (s *Session) MarkAllRead() { s.mailbox.markAllRead() }

// ---------------------------------------------------------------------------
// Mailbox: recipient-local read state
// ---------------------------------------------------------------------------

type mailboxEntry struct {
	notification *Notification
	read         bool
}

// mailbox holds the notifications delivered to one session, in delivery
// order, with read flags local to this session. Two sessions receiving the
// same notification ID track read state independently.
type mailbox struct {
	mu      sync.Mutex
	entries []*mailboxEntry
	byID    map[string]*mailboxEntry
}

func newMailbox() *mailbox {
	return &mailbox{byID: make(map[string]*mailboxEntry)}
}

func (m *mailbox) add(n *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[n.ID]; ok {
		return
	}
	e := &mailboxEntry{notification: n}
	m.entries = append(m.entries, e)
	m.byID[n.ID] = e
}

func (m *mailbox) unreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.entries {
		if !e.read {
			count++
		}
	}
	return count
}

func (m *mailbox) markRead(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.read = true
	}
}

func (m *mailbox) markAllRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.read = true
	}
}

// ---------------------------------------------------------------------------
// Dedup: bounded recently-seen IDs per (session, channel)
// ---------------------------------------------------------------------------

// dedupIndex remembers recently delivered notification IDs per channel so an
// upstream retry of the same ID is suppressed. Retention is bounded two
// ways: entries older than the window are pruned, and each channel keeps at
// most maxEntries IDs. Bounded memory is preferred over perfect dedup.
type dedupIndex struct {
	mu         sync.Mutex
	perChannel map[string]map[string]time.Time
	window     time.Duration
	maxEntries int
}

func newDedupIndex(window time.Duration, maxEntries int) *dedupIndex {
	return &dedupIndex{
		perChannel: make(map[string]map[string]time.Time),
		window:     window,
		maxEntries: maxEntries,
	}
}

// firstSeen records the ID and reports whether this is its first delivery on
// the channel within the retention window.
func (d *dedupIndex) firstSeen(channel, id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := d.perChannel[channel]
	if seen == nil {
		seen = make(map[string]time.Time)
		d.perChannel[channel] = seen
	}

	cutoff := now.Add(-d.window)
	for existing, at := range seen {
		if at.Before(cutoff) {
			delete(seen, existing)
		}
	}

	if at, ok := seen[id]; ok && !at.Before(cutoff) {
		return false
	}

	if len(seen) >= d.maxEntries {
		// Evict the oldest entry to stay within the cap.
		var oldestID string
		var oldestAt time.Time
		for existing, at := range seen {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = existing, at
			}
		}
		delete(seen, oldestID)
	}

	seen[id] = now
	return true
}

// ---------------------------------------------------------------------------
// Wire frames
// ---------------------------------------------------------------------------

// Command is the inbound message envelope. Action selects which of the other
// fields are meaningful.
type Command struct {
	Action         string `json:"action"`
	Channel        string `json:"channel,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
	ArtifactID     string `json:"artifact_id,omitempty"`
	AckAction      string `json:"ack_action,omitempty"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

// Inbound command actions.
const (
	ActionSubscribe     = "subscribe"
	ActionUnsubscribe   = "unsubscribe"
	ActionMarkRead      = "mark_read"
	ActionMarkAllRead   = "mark_all_read"
	ActionAcknowledge   = "acknowledge"
	ActionRequestUpdate = "request_update"
	ActionTyping        = "typing"
)

// Frame is the outbound message envelope.
type Frame struct {
	Event        string        `json:"event"`
	Notification *Notification `json:"notification,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	IsTyping     bool          `json:"is_typing,omitempty"`
	Message      string        `json:"message,omitempty"`
}

func marshalNotificationFrame(n *Notification) ([]byte, error) {
	return json.Marshal(Frame{Event: "notification", Notification: n})
}

func marshalTypingFrame(userID string, isTyping bool) ([]byte, error) {
	return json.Marshal(Frame{Event: "typing", UserID: userID, IsTyping: isTyping})
}

func marshalErrorFrame(message string) []byte {
	frame, _ := json.Marshal(Frame{Event: "error", Message: message})
	return frame
}

// ---------------------------------------------------------------------------
// Command routing
// ---------------------------------------------------------------------------

// Acknowledger routes acknowledge commands to the delivery receipt tracker.
type Acknowledger interface {
	Acknowledge(ctx context.Context, artifactID, recipientID uuid.UUID, action string) error
}

// StateSource answers request_update commands with a notification describing
// the resource's current state.
type StateSource interface {
	CurrentState(ctx context.Context, resourceType, resourceID string) (*Notification, error)
}

// Dispatch applies one inbound command to the session. Acknowledge and
// request_update commands are routed to the application's collaborators; the
// session itself only manages subscriptions and its mailbox.
func (s *Session) Dispatch(ctx context.Context, cmd Command, ack Acknowledger, states StateSource) {
	switch cmd.Action {
	case ActionSubscribe:
		if cmd.Channel == "" {
			s.enqueue(marshalErrorFrame("subscribe requires a channel"))
			return
		}
		s.hub.Subscribe(s, cmd.Channel)

	case ActionUnsubscribe:
		if cmd.Channel == "" {
			s.enqueue(marshalErrorFrame("unsubscribe requires a channel"))
			return
		}
		s.hub.Unsubscribe(s, cmd.Channel)

	case ActionMarkRead:
		if cmd.NotificationID == "" {
			s.enqueue(marshalErrorFrame("mark_read requires a notification_id"))
			return
		}
		s.MarkRead(cmd.NotificationID)

	case ActionMarkAllRead:
		s.MarkAllRead()

	case ActionAcknowledge:
		if ack == nil {
			s.enqueue(marshalErrorFrame("acknowledgments are not accepted here"))
			return
		}
		artifactID, err := uuid.Parse(cmd.ArtifactID)
		if err != nil {
			s.enqueue(marshalErrorFrame("acknowledge requires a valid artifact_id"))
			return
		}
		if s.Auth == nil {
			s.enqueue(marshalErrorFrame("acknowledge requires an authenticated session"))
			return
		}
		if err := ack.Acknowledge(ctx, artifactID, s.Auth.UserID, cmd.AckAction); err != nil {
			s.enqueue(marshalErrorFrame("acknowledge failed"))
		}

	case ActionRequestUpdate:
		if states == nil {
			s.enqueue(marshalErrorFrame("updates are not available here"))
			return
		}
		n, err := states.CurrentState(ctx, cmd.ResourceType, cmd.ResourceID)
		if err != nil || n == nil {
			s.enqueue(marshalErrorFrame("no current state for requested resource"))
			return
		}
		frame, err := marshalNotificationFrame(n)
		if err != nil {
			return
		}
		s.enqueue(frame)
		s.mailbox.add(n)

	case ActionTyping:
		if cmd.Channel == "" || s.Auth == nil {
			return
		}
		s.hub.BroadcastTyping(cmd.Channel, s.Auth.UserID.String(), cmd.IsTyping)

	default:
		s.enqueue(marshalErrorFrame("unknown action: " + cmd.Action))
	}
}

// ---------------------------------------------------------------------------
// SessionHandler: Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced upstream.
	},
}

// SessionHandler upgrades HTTP connections to WebSocket sessions and runs
// their read/write pumps.
type SessionHandler struct {
	hub    *Hub
	ack    Acknowledger
	states StateSource
	logger zerolog.Logger
}

// NewSessionHandler creates a handler bound to the given hub and command
// collaborators.
func NewSessionHandler(hub *Hub, ack Acknowledger, states StateSource, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{hub: hub, ack: ack, states: states, logger: logger}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (sh *SessionHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", sh.HandleConnect)
}

// HandleConnect upgrades the connection, registers a fresh session, and
// subscribes it to the caller's identity channels. Resource channels are
// never restored across reconnects; the client re-issues those subscribes.
func (sh *SessionHandler) HandleConnect(c echo.Context) error {
	ac := auth.FromEchoContext(c)
	if ac == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing connection identity")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	s := sh.hub.NewSession(ac, &gorillaConnAdapter{ws})
	sh.hub.Register(s)
	sh.hub.Subscribe(s, ac.PrivateChannel())
	sh.hub.Subscribe(s, ac.RoleChannel())
	s.state.Store(StateConnected)

	sh.logger.Info().
		Str("connection_id", s.ID).
		Str("user_id", ac.UserID.String()).
		Str("role", ac.Role).
		Msg("session connected")

	go sh.writePump(s, ws)
	go sh.readPump(s)

	return nil
}

// readPump reads inbound commands until the transport fails, then tears the
// session down. Malformed messages are answered with an error frame, not a
// disconnect.
func (sh *SessionHandler) readPump(s *Session) {
	defer func() {
		sh.hub.Unregister(s)
		sh.logger.Info().Str("connection_id", s.ID).Msg("session disconnected")
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			s.enqueue(marshalErrorFrame("malformed command"))
			continue
		}

		s.Dispatch(s.ctx, cmd, sh.ack, sh.states)
	}
}

// writePump drains the session's outbound queue into the transport. A write
// failure abandons the rest; readPump notices the closed transport and
// unregisters.
func (sh *SessionHandler) writePump(s *Session, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for frame := range s.send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
