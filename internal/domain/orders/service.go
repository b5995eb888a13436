package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/platform/realtime"
)

// Sentinel errors for advance failures.
var (
	// ErrInvalidTransition is returned when the target is not the current
	// status's immediate successor.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminalState is returned for any advance on a delivered order.
	ErrTerminalState = errors.New("order is in a terminal state")
	// ErrStatusChanged is returned when the stored status moved underneath
	// a conditional update.
	ErrStatusChanged = errors.New("order status changed concurrently")
)

type Service struct {
	orders    OrderRepository
	history   StatusHistoryRepository
	txm       *db.TxManager
	publisher realtime.Publisher
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewService(orders OrderRepository, history StatusHistoryRepository, txm *db.TxManager, publisher realtime.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		orders:    orders,
		history:   history,
		txm:       txm,
		publisher: publisher,
		logger:    logger,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// orderLock returns the mutex serializing advances for one order id.
func (s *Service) orderLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Service) Create(ctx context.Context, o *Order) error {
	if o.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if o.OrderNumber == "" {
		o.OrderNumber = GenerateOrderNumber()
	}
	if o.Priority == "" {
		o.Priority = PriorityRoutine
	}
	switch o.Priority {
	case PriorityRoutine, PriorityUrgent, PriorityEmergency:
	default:
		return fmt.Errorf("unknown priority: %q", o.Priority)
	}
	o.Status = StatusOrdered
	return s.orders.Create(ctx, o)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return s.orders.GetByNumber(ctx, orderNumber)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Order, int, error) {
	return s.orders.List(ctx, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}

// Advance moves the order to target, which must be the immediate successor
// of its current status. Advances for the same order are serialized, so of
// two concurrent calls with the same target exactly one succeeds and the
// other fails validation against the already-moved status.
//
// A successful advance records a history row and emits one
// order_status_changed notification to the order's scoped and patient
// channels as well as the coarse orders channel. Reaching report_generated
// additionally emits report_ready,
// escalated to urgent priority for non-routine orders.
func (s *Service) Advance(ctx context.Context, orderID uuid.UUID, target Status, changedBy string) (*Order, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrTerminalState, o.OrderNumber, o.Status)
	}
	next, ok := o.Status.Next()
	if !ok || target != next {
		return nil, fmt.Errorf("%w: cannot move %s from %s to %s", ErrInvalidTransition, o.OrderNumber, o.Status, target)
	}

	change := &StatusChange{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   target,
		ChangedBy:  changedBy,
		ChangedAt:  time.Now().UTC(),
	}

	// The status move and its history row commit or fail together.
	err = s.txm.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, target); err != nil {
			return err
		}
		return s.history.Create(ctx, change)
	})
	if err != nil {
		return nil, err
	}

	previous := o.Status
	o.Status = target
	o.UpdatedAt = change.ChangedAt

	s.notifyStatusChanged(ctx, o, previous)
	if target == StatusReportGenerated {
		s.notifyReportReady(ctx, o)
	}

	return o, nil
}

// History returns the order's recorded status changes in chronological order.
func (s *Service) History(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.history.ListByOrder(ctx, orderID)
}

func (s *Service) notifyStatusChanged(ctx context.Context, o *Order, previous Status) {
	if s.publisher == nil {
		return
	}
	n := realtime.NewOrderStatusChanged(o.ID, o.OrderNumber, string(previous), string(o.Status))
	channels := []string{
		realtime.OrderChannel(o.ID),
		realtime.PatientChannel(o.PatientID),
		realtime.ChannelOrders,
	}
	for _, channel := range channels {
		if err := s.publisher.Publish(ctx, channel, n); err != nil {
			s.logger.Warn().Err(err).Str("channel", channel).Msg("publish status change")
		}
	}
}

func (s *Service) notifyReportReady(ctx context.Context, o *Order) {
	if s.publisher == nil {
		return
	}
	n := realtime.NewReportReady(o.ID, o.OrderNumber, o.Urgent())
	if err := s.publisher.Publish(ctx, realtime.ReportChannel(o.ID), n); err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("publish report ready")
	}
}

// CurrentState answers request_update commands for orders: it rebuilds a
// status notification from the stored order and its latest history row.
func (s *Service) CurrentState(ctx context.Context, resourceType, resourceID string) (*realtime.Notification, error) {
	if resourceType != "order" {
		return nil, fmt.Errorf("unsupported resource type: %s", resourceType)
	}
	id, err := uuid.Parse(resourceID)
	if err != nil {
		return nil, fmt.Errorf("invalid order id: %w", err)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := o.Status
	if changes, err := s.history.ListByOrder(ctx, id); err == nil && len(changes) > 0 {
		previous = changes[len(changes)-1].FromStatus
	}
	return realtime.NewOrderStatusChanged(o.ID, o.OrderNumber, string(previous), string(o.Status)), nil
}
