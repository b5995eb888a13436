// Package realtime implements the live notification core: a hub that fans
// events out to subscribed sessions over channels, and the per-connection
// session lifecycle around it.
//
// Delivery is best-effort and not durable. A recipient with no connected
// session at publish time never receives that notification; clients are
// expected to refresh state after reconnecting. This is a deliberate
// trade-off, not an oversight.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority levels for notifications.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Notification event types.
const (
	TypeOrderStatusChanged = "order_status_changed"
	TypeReportReady        = "report_ready"
	TypeReportAcknowledged = "report_acknowledged"
	TypeSystemAnnouncement = "system_announcement"
)

// Notification is the envelope delivered to subscribed sessions. The Data
// field carries one of the typed payload structs below, keyed by Type, so
// every event kind has a statically known shape. Read state is local to the
// receiving session's mailbox; the ID is shared across recipients and used
// for dedup on upstream retries.
type Notification struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Priority      string          `json:"priority"`
	Data          json.RawMessage `json:"data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Read          bool            `json:"read"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	ReferenceType string          `json:"reference_type,omitempty"`
}

// OrderStatusChangedData is the payload for TypeOrderStatusChanged.
type OrderStatusChangedData struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
}

// ReportReadyData is the payload for TypeReportReady.
type ReportReadyData struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Urgent      bool   `json:"urgent"`
}

// ReportAcknowledgedData is the payload for TypeReportAcknowledged.
type ReportAcknowledgedData struct {
	ArtifactID  string `json:"artifact_id"`
	RecipientID string `json:"recipient_id"`
	Action      string `json:"action"`
}

// SystemAnnouncementData is the payload for TypeSystemAnnouncement.
type SystemAnnouncementData struct {
	Audience string `json:"audience,omitempty"`
}

// Channel name helpers. A channel is either a coarse resource-class key
// ("orders") or a scoped "{resource_type}:{resource_id}" key.
const ChannelOrders = "orders"

func OrderChannel(orderID uuid.UUID) string { return "orders:" + orderID.String() }

func ReportChannel(orderID uuid.UUID) string { return "reports:" + orderID.String() }

func PatientChannel(patientID uuid.UUID) string { return "patients:" + patientID.String() }

func RoleChannel(role string) string { return "role:" + role }

// NewOrderStatusChanged builds the notification emitted for a successful
// order advance.
func NewOrderStatusChanged(orderID uuid.UUID, orderNumber, previous, next string) *Notification {
	return &Notification{
		ID:       uuid.New().String(),
		Type:     TypeOrderStatusChanged,
		Title:    "Order Status Updated",
		Message:  fmt.Sprintf("Order %s moved from %s to %s", orderNumber, previous, next),
		Priority: PriorityNormal,
		Data: mustData(OrderStatusChangedData{
			OrderID:        orderID.String(),
			OrderNumber:    orderNumber,
			PreviousStatus: previous,
			NewStatus:      next,
		}),
		CreatedAt:     time.Now().UTC(),
		ReferenceID:   orderID.String(),
		ReferenceType: "order",
	}
}

// NewReportReady builds the notification emitted when an order's report has
// been generated. Urgent orders escalate the priority.
func NewReportReady(orderID uuid.UUID, orderNumber string, urgent bool) *Notification {
	priority := PriorityNormal
	title := "Report Ready"
	message := fmt.Sprintf("Report for order %s is ready", orderNumber)
	if urgent {
		priority = PriorityUrgent
		title = "URGENT: Report Ready"
		message = fmt.Sprintf("URGENT report for order %s is ready", orderNumber)
	}
	return &Notification{
		ID:       uuid.New().String(),
		Type:     TypeReportReady,
		Title:    title,
		Message:  message,
		Priority: priority,
		Data: mustData(ReportReadyData{
			OrderID:     orderID.String(),
			OrderNumber: orderNumber,
			Urgent:      urgent,
		}),
		CreatedAt:     time.Now().UTC(),
		ReferenceID:   orderID.String(),
		ReferenceType: "report",
	}
}

// NewReportAcknowledged builds the notification emitted when a recipient's
// delivery receipt advances (e.g., a doctor viewed a report).
func NewReportAcknowledged(artifactID, recipientID uuid.UUID, action string) *Notification {
	return &Notification{
		ID:       uuid.New().String(),
		Type:     TypeReportAcknowledged,
		Title:    "Report Acknowledged",
		Message:  fmt.Sprintf("Report %s was %s", artifactID, action),
		Priority: PriorityLow,
		Data: mustData(ReportAcknowledgedData{
			ArtifactID:  artifactID.String(),
			RecipientID: recipientID.String(),
			Action:      action,
		}),
		CreatedAt:     time.Now().UTC(),
		ReferenceID:   artifactID.String(),
		ReferenceType: "report",
	}
}

// NewSystemAnnouncement builds a broadcast notification. Without an audience
// the payload is tagged for everyone.
func NewSystemAnnouncement(title, message string, audience ...string) *Notification {
	aud := "all"
	if len(audience) > 0 {
		aud = strings.Join(audience, ",")
	}
	return &Notification{
		ID:        uuid.New().String(),
		Type:      TypeSystemAnnouncement,
		Title:     title,
		Message:   message,
		Priority:  PriorityNormal,
		Data:      mustData(SystemAnnouncementData{Audience: aud}),
		CreatedAt: time.Now().UTC(),
	}
}

func mustData(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; this guards future payloads.
		panic(fmt.Sprintf("realtime: marshal payload: %v", err))
	}
	return data
}
