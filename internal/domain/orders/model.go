package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a diagnostic order's position in the processing pipeline.
type Status string

// The pipeline is strictly linear: every order passes through each stage in
// turn, and delivered is terminal.
const (
	StatusOrdered         Status = "ordered"
	StatusSampleCollected Status = "sample_collected"
	StatusSampleReceived  Status = "sample_received"
	StatusInProgress      Status = "in_progress"
	StatusResultEntered   Status = "result_entered"
	StatusVerified        Status = "verified"
	StatusReportGenerated Status = "report_generated"
	StatusDelivered       Status = "delivered"
)

var statusSequence = []Status{
	StatusOrdered,
	StatusSampleCollected,
	StatusSampleReceived,
	StatusInProgress,
	StatusResultEntered,
	StatusVerified,
	StatusReportGenerated,
	StatusDelivered,
}

var statusIndex = func() map[Status]int {
	m := make(map[Status]int, len(statusSequence))
	for i, s := range statusSequence {
		m[s] = i
	}
	return m
}()

// ParseStatus validates a wire status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := statusIndex[s]; !ok {
		return "", fmt.Errorf("unknown status: %q", raw)
	}
	return s, nil
}

// Next returns the immediate successor stage. ok is false for the terminal
// stage and for values outside the pipeline.
func (s Status) Next() (Status, bool) {
	i, ok := statusIndex[s]
	if !ok || i == len(statusSequence)-1 {
		return "", false
	}
	return statusSequence[i+1], true
}

// Terminal reports whether the status is the end of the pipeline.
func (s Status) Terminal() bool {
	return s == StatusDelivered
}

// Order priorities.
const (
	PriorityRoutine   = "routine"
	PriorityUrgent    = "urgent"
	PriorityEmergency = "emergency"
)

// Order is a diagnostic test order moving through the pipeline.
type Order struct {
	ID              uuid.UUID `db:"id" json:"id"`
	OrderNumber     string    `db:"order_number" json:"order_number"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	ReferredBy      *string   `db:"referred_by" json:"referred_by,omitempty"`
	Priority        string    `db:"priority" json:"priority"`
	Status          Status    `db:"status" json:"status"`
	ClinicalHistory *string   `db:"clinical_history" json:"clinical_history,omitempty"`
	Notes           *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Urgent reports whether the order's priority escalates its report
// notifications.
func (o *Order) Urgent() bool {
	return o.Priority == PriorityUrgent || o.Priority == PriorityEmergency
}

// StatusChange is one recorded advance in an order's history. Orders and
// their history rows are never deleted.
type StatusChange struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrderID    uuid.UUID `db:"order_id" json:"order_id"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	ChangedBy  string    `db:"changed_by" json:"changed_by"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
}

// GenerateOrderNumber produces a human-readable unique order number of the
// form ORD-20250131-3F9A2C.
func GenerateOrderNumber() string {
	return fmt.Sprintf("ORD-%s-%s",
		time.Now().Format("20060102"),
		strings.ToUpper(uuid.New().String()[:6]))
}
