package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

type mockAcknowledger struct {
	artifactID  uuid.UUID
	recipientID uuid.UUID
	action      string
	calls       int
	ctxErr      error
	err         error
}

func (m *mockAcknowledger) Acknowledge(ctx context.Context, artifactID, recipientID uuid.UUID, action string) error {
	m.calls++
	m.ctxErr = ctx.Err()
	m.artifactID = artifactID
	m.recipientID = recipientID
	m.action = action
	return m.err
}

type mockStateSource struct {
	resourceType string
	resourceID   string
	notification *Notification
	err          error
}

func (m *mockStateSource) CurrentState(_ context.Context, resourceType, resourceID string) (*Notification, error) {
	m.resourceType = resourceType
	m.resourceID = resourceID
	return m.notification, m.err
}

func TestSession_DispatchSubscribeUnsubscribe(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))
	ctx := context.Background()

	s.Dispatch(ctx, Command{Action: ActionSubscribe, Channel: "orders"}, nil, nil)
	if !hub.Subscribed(s, "orders") {
		t.Fatal("expected session subscribed to orders")
	}

	s.Dispatch(ctx, Command{Action: ActionUnsubscribe, Channel: "orders"}, nil, nil)
	if hub.Subscribed(s, "orders") {
		t.Fatal("expected session unsubscribed from orders")
	}
}

func TestSession_DispatchSubscribeWithoutChannel(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	s.Dispatch(context.Background(), Command{Action: ActionSubscribe}, nil, nil)

	frame := receiveFrame(t, s)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %s", frame.Event)
	}
}

func TestSession_DispatchMarkRead(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))
	hub.Subscribe(s, "orders")

	n := NewSystemAnnouncement("Read me", "Please")
	if err := hub.Publish(context.Background(), "orders", n); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	receiveFrame(t, s)

	s.Dispatch(context.Background(), Command{Action: ActionMarkRead, NotificationID: n.ID}, nil, nil)
	if s.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread, got %d", s.UnreadCount())
	}
}

func TestSession_DispatchAcknowledge(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	ac := testAuth("doctor")
	s := newTestSession(hub, ac)

	artifactID := uuid.New()
	ack := &mockAcknowledger{}
	s.Dispatch(context.Background(), Command{
		Action:     ActionAcknowledge,
		ArtifactID: artifactID.String(),
		AckAction:  "viewed",
	}, ack, nil)

	if ack.calls != 1 {
		t.Fatalf("expected 1 acknowledge call, got %d", ack.calls)
	}
	if ack.artifactID != artifactID {
		t.Fatalf("expected artifact %s, got %s", artifactID, ack.artifactID)
	}
	if ack.recipientID != ac.UserID {
		t.Fatalf("expected recipient from session identity, got %s", ack.recipientID)
	}
	if ack.action != "viewed" {
		t.Fatalf("expected action viewed, got %s", ack.action)
	}
	assertNoFrame(t, s)
}

func TestSession_DispatchAcknowledgeBadArtifact(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	ack := &mockAcknowledger{}
	s.Dispatch(context.Background(), Command{
		Action:     ActionAcknowledge,
		ArtifactID: "not-a-uuid",
		AckAction:  "viewed",
	}, ack, nil)

	if ack.calls != 0 {
		t.Fatalf("expected no acknowledge call, got %d", ack.calls)
	}
	frame := receiveFrame(t, s)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %s", frame.Event)
	}
}

func TestSession_DispatchAcknowledgeFailure(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	ack := &mockAcknowledger{err: fmt.Errorf("receipt not found")}
	s.Dispatch(context.Background(), Command{
		Action:     ActionAcknowledge,
		ArtifactID: uuid.New().String(),
		AckAction:  "viewed",
	}, ack, nil)

	frame := receiveFrame(t, s)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %s", frame.Event)
	}
}

func TestSession_DispatchRequestUpdate(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	orderID := uuid.New()
	states := &mockStateSource{
		notification: NewOrderStatusChanged(orderID, "ORD-042", "in_progress", "result_entered"),
	}
	s.Dispatch(context.Background(), Command{
		Action:       ActionRequestUpdate,
		ResourceType: "order",
		ResourceID:   orderID.String(),
	}, nil, states)

	if states.resourceType != "order" || states.resourceID != orderID.String() {
		t.Fatalf("state source saw %s/%s", states.resourceType, states.resourceID)
	}

	frame := receiveFrame(t, s)
	if frame.Notification == nil || frame.Notification.Type != TypeOrderStatusChanged {
		t.Fatal("expected current-state notification frame")
	}
	if s.UnreadCount() != 1 {
		t.Fatalf("expected the update in the mailbox, got %d unread", s.UnreadCount())
	}
}

func TestSession_DispatchRequestUpdateUnknownResource(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	states := &mockStateSource{err: fmt.Errorf("no such order")}
	s.Dispatch(context.Background(), Command{
		Action:       ActionRequestUpdate,
		ResourceType: "order",
		ResourceID:   uuid.New().String(),
	}, nil, states)

	frame := receiveFrame(t, s)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %s", frame.Event)
	}
}

func TestSession_DispatchTyping(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	typist := newTestSession(hub, testAuth("doctor"))
	watcher := newTestSession(hub, testAuth("lab_technician"))
	channel := OrderChannel(uuid.New())
	hub.Subscribe(typist, channel)
	hub.Subscribe(watcher, channel)

	typist.Dispatch(context.Background(), Command{
		Action:   ActionTyping,
		Channel:  channel,
		IsTyping: true,
	}, nil, nil)

	frame := receiveFrame(t, watcher)
	if frame.Event != "typing" || !frame.IsTyping {
		t.Fatalf("expected typing frame, got %+v", frame)
	}
	assertNoFrame(t, typist)
}

func TestSession_DispatchUnknownAction(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	s.Dispatch(context.Background(), Command{Action: "launch_missiles"}, nil, nil)

	frame := receiveFrame(t, s)
	if frame.Event != "error" {
		t.Fatalf("expected error frame, got %s", frame.Event)
	}
	if !strings.Contains(frame.Message, "launch_missiles") {
		t.Fatalf("expected action echoed in the message, got %s", frame.Message)
	}
}

func TestCommand_Unmarshal(t *testing.T) {
	raw := `{"action":"acknowledge","artifact_id":"a1","ack_action":"downloaded"}`
	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if cmd.Action != ActionAcknowledge {
		t.Fatalf("expected acknowledge, got %s", cmd.Action)
	}
	if cmd.AckAction != "downloaded" {
		t.Fatalf("expected ack_action downloaded, got %s", cmd.AckAction)
	}
}

func TestSessionHandler_RegisterRoutes(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	handler := NewSessionHandler(hub, nil, nil, zerolog.Nop())

	e := echo.New()
	g := e.Group("")
	handler.RegisterRoutes(g)

	found := false
	for _, route := range e.Routes() {
		if route.Path == "/ws" && route.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws to be registered")
	}
}

func TestSessionHandler_ConnectRequiresIdentity(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	handler := NewSessionHandler(hub, nil, nil, zerolog.Nop())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", httpErr.Code)
	}
}

func TestSessionHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	ack := &mockAcknowledger{}
	handler := NewSessionHandler(hub, ack, nil, zerolog.Nop())

	e := echo.New()
	g := e.Group("", auth.DevMiddleware())
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	dialer := gorillawebsocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	// Give the goroutines a moment to register.
	time.Sleep(50 * time.Millisecond)
	if hub.SessionCount() != 1 {
		t.Fatalf("expected 1 session registered after connect, got %d", hub.SessionCount())
	}

	// Identity channels are subscribed server-side; resource channels must
	// be issued by the client.
	orderID := uuid.New()
	sub := Command{Action: ActionSubscribe, Channel: OrderChannel(orderID)}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if hub.ChannelCount(OrderChannel(orderID)) != 1 {
		t.Fatalf("expected 1 subscriber on order channel, got %d", hub.ChannelCount(OrderChannel(orderID)))
	}

	n := NewOrderStatusChanged(orderID, "ORD-100", "ordered", "sample_collected")
	if err := hub.Publish(context.Background(), OrderChannel(orderID), n); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Frame
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if received.Event != "notification" {
		t.Fatalf("expected notification event, got %s", received.Event)
	}
	if received.Notification.ID != n.ID {
		t.Fatalf("expected id %s, got %s", n.ID, received.Notification.ID)
	}

	// Closing the client tears the session down.
	conn.Close()
	time.Sleep(100 * time.Millisecond)
	if hub.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions after disconnect, got %d", hub.SessionCount())
	}
}

func TestSession_ContextCanceledOnClose(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	s := newTestSession(hub, testAuth("doctor"))

	if err := s.Context().Err(); err != nil {
		t.Fatalf("expected live context while connected, got %v", err)
	}

	hub.Unregister(s)
	if err := s.Context().Err(); err != context.Canceled {
		t.Fatalf("expected canceled context after disconnect, got %v", err)
	}
}

func TestSessionHandler_CommandContextOutlivesUpgrade(t *testing.T) {
	hub := testHub(DefaultHubConfig())
	ack := &mockAcknowledger{}
	handler := NewSessionHandler(hub, ack, nil, zerolog.Nop())

	e := echo.New()
	g := e.Group("", auth.DevMiddleware())
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	dialer := gorillawebsocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	// The upgrade handler has long since returned by the time the client
	// issues its first command; the command context must still be live.
	time.Sleep(100 * time.Millisecond)
	cmd := Command{
		Action:     ActionAcknowledge,
		ArtifactID: uuid.New().String(),
		AckAction:  "viewed",
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("failed to send acknowledge: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if ack.calls != 1 {
		t.Fatalf("expected 1 acknowledge call, got %d", ack.calls)
	}
	if ack.ctxErr != nil {
		t.Fatalf("expected live command context, got %v", ack.ctxErr)
	}
}
