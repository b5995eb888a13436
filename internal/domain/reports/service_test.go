package reports

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/realtime"
)

// -- Mock Repository --

type mockReceiptRepo struct {
	mu       sync.Mutex
	receipts map[receiptKey]*DeliveryReceipt
}

func newMockReceiptRepo() *mockReceiptRepo {
	return &mockReceiptRepo{receipts: make(map[receiptKey]*DeliveryReceipt)}
}

func (m *mockReceiptRepo) Get(_ context.Context, artifactID, recipientID uuid.UUID) (*DeliveryReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[receiptKey{artifactID, recipientID}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *r
	return &copied, nil
}

func (m *mockReceiptRepo) Upsert(_ context.Context, receipt *DeliveryReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if receipt.ID == uuid.Nil {
		receipt.ID = uuid.New()
	}
	copied := *receipt
	m.receipts[receiptKey{receipt.ArtifactID, receipt.RecipientID}] = &copied
	return nil
}

func (m *mockReceiptRepo) CountByAction(_ context.Context, artifactID uuid.UUID) (map[Action]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Action]int)
	for key, r := range m.receipts {
		if key.artifactID == artifactID {
			counts[r.Action]++
		}
	}
	return counts, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []*realtime.Notification
}

func (m *mockPublisher) Publish(_ context.Context, channel string, n *realtime.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, n)
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestTracker() (*Tracker, *mockReceiptRepo, *mockPublisher) {
	repo := newMockReceiptRepo()
	pub := &mockPublisher{}
	return NewTracker(repo, pub, zerolog.Nop()), repo, pub
}

// -- Tests --

func TestParseAction(t *testing.T) {
	a, err := ParseAction("Viewed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != ActionViewed {
		t.Fatalf("expected viewed, got %s", a)
	}
	if _, err := ParseAction("printed"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestAction_Supersedes(t *testing.T) {
	ordered := []Action{ActionUnsent, ActionSent, ActionDelivered, ActionViewed, ActionDownloaded}
	for i, lower := range ordered {
		for _, higher := range ordered[i+1:] {
			if !higher.Supersedes(lower) {
				t.Fatalf("expected %s to supersede %s", higher, lower)
			}
			if lower.Supersedes(higher) {
				t.Fatalf("%s must not supersede %s", lower, higher)
			}
		}
		if lower.Supersedes(lower) {
			t.Fatalf("%s must not supersede itself", lower)
		}
	}
}

func TestTracker_RecordProgression(t *testing.T) {
	tracker, _, pub := newTestTracker()
	artifactID, recipientID := uuid.New(), uuid.New()
	ctx := context.Background()

	for _, action := range []Action{ActionSent, ActionDelivered, ActionViewed, ActionDownloaded} {
		if err := tracker.Record(ctx, artifactID, recipientID, action); err != nil {
			t.Fatalf("record %s failed: %v", action, err)
		}
		status, err := tracker.StatusFor(ctx, artifactID, recipientID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status != action {
			t.Fatalf("expected %s, got %s", action, status)
		}
	}

	if pub.count() != 4 {
		t.Fatalf("expected 4 acknowledgment publishes, got %d", pub.count())
	}
}

func TestTracker_RecordIgnoresRegression(t *testing.T) {
	tracker, _, pub := newTestTracker()
	artifactID, recipientID := uuid.New(), uuid.New()
	ctx := context.Background()

	if err := tracker.Record(ctx, artifactID, recipientID, ActionViewed); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// Lower and equal actions are absorbed without persisting or notifying.
	for _, action := range []Action{ActionSent, ActionDelivered, ActionViewed, ActionUnsent} {
		if err := tracker.Record(ctx, artifactID, recipientID, action); err != nil {
			t.Fatalf("record %s failed: %v", action, err)
		}
	}

	status, err := tracker.StatusFor(ctx, artifactID, recipientID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != ActionViewed {
		t.Fatalf("expected viewed retained, got %s", status)
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 publish, got %d", pub.count())
	}
}

func TestTracker_RecordIdempotent(t *testing.T) {
	tracker, _, pub := newTestTracker()
	artifactID, recipientID := uuid.New(), uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tracker.Record(ctx, artifactID, recipientID, ActionDelivered); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 publish for repeated records, got %d", pub.count())
	}
}

func TestTracker_StatusForUnknownPair(t *testing.T) {
	tracker, _, _ := newTestTracker()
	status, err := tracker.StatusFor(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != ActionUnsent {
		t.Fatalf("expected unsent, got %s", status)
	}
}

func TestTracker_IndependentPairs(t *testing.T) {
	tracker, _, _ := newTestTracker()
	artifactID := uuid.New()
	doctor, nurse := uuid.New(), uuid.New()
	ctx := context.Background()

	if err := tracker.Record(ctx, artifactID, doctor, ActionDownloaded); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := tracker.Record(ctx, artifactID, nurse, ActionSent); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	status, _ := tracker.StatusFor(ctx, artifactID, nurse)
	if status != ActionSent {
		t.Fatalf("expected nurse at sent, got %s", status)
	}
	status, _ = tracker.StatusFor(ctx, artifactID, doctor)
	if status != ActionDownloaded {
		t.Fatalf("expected doctor at downloaded, got %s", status)
	}
}

func TestTracker_Summary(t *testing.T) {
	tracker, _, _ := newTestTracker()
	artifactID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tracker.Record(ctx, artifactID, uuid.New(), ActionViewed); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := tracker.Record(ctx, artifactID, uuid.New(), ActionSent); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	counts, err := tracker.Summary(ctx, artifactID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if counts[ActionViewed] != 3 {
		t.Fatalf("expected 3 viewed, got %d", counts[ActionViewed])
	}
	if counts[ActionSent] != 1 {
		t.Fatalf("expected 1 sent, got %d", counts[ActionSent])
	}
	if counts[ActionDownloaded] != 0 {
		t.Fatalf("expected explicit zero for downloaded, got %d", counts[ActionDownloaded])
	}
}

func TestTracker_AcknowledgeParsesAction(t *testing.T) {
	tracker, _, _ := newTestTracker()
	artifactID, recipientID := uuid.New(), uuid.New()
	ctx := context.Background()

	if err := tracker.Acknowledge(ctx, artifactID, recipientID, "viewed"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	status, _ := tracker.StatusFor(ctx, artifactID, recipientID)
	if status != ActionViewed {
		t.Fatalf("expected viewed, got %s", status)
	}

	if err := tracker.Acknowledge(ctx, artifactID, recipientID, "shredded"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestTracker_AcknowledgmentNotification(t *testing.T) {
	tracker, _, pub := newTestTracker()
	artifactID, recipientID := uuid.New(), uuid.New()

	if err := tracker.Record(context.Background(), artifactID, recipientID, ActionViewed); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	pub.mu.Lock()
	n := pub.events[0]
	pub.mu.Unlock()
	if n.Type != realtime.TypeReportAcknowledged {
		t.Fatalf("expected %s, got %s", realtime.TypeReportAcknowledged, n.Type)
	}
}

func TestTracker_ConcurrentRecordsConverge(t *testing.T) {
	tracker, _, _ := newTestTracker()
	artifactID, recipientID := uuid.New(), uuid.New()

	actions := []Action{ActionSent, ActionDelivered, ActionViewed, ActionDownloaded}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tracker.Record(context.Background(), artifactID, recipientID, actions[i%len(actions)])
		}(i)
	}
	wg.Wait()

	status, err := tracker.StatusFor(context.Background(), artifactID, recipientID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != ActionDownloaded {
		t.Fatalf("expected downloaded after converging, got %s", status)
	}
}
