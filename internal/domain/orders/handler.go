package orders

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("doctor", "lab_technician", "receptionist"))
	readGroup.GET("/orders", h.ListOrders)
	readGroup.GET("/orders/number/:number", h.GetOrderByNumber)
	readGroup.GET("/orders/:id", h.GetOrder)
	readGroup.GET("/orders/:id/history", h.GetHistory)

	writeGroup := api.Group("", auth.RequireRole("doctor", "receptionist"))
	writeGroup.POST("/orders", h.CreateOrder)

	advanceGroup := api.Group("", auth.RequireRole("doctor", "lab_technician"))
	advanceGroup.POST("/orders/:id/advance", h.AdvanceOrder)
}

type createOrderRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	ReferredBy      *string   `json:"referred_by"`
	Priority        string    `json:"priority"`
	ClinicalHistory *string   `json:"clinical_history"`
	Notes           *string   `json:"notes"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o := &Order{
		PatientID:       req.PatientID,
		ReferredBy:      req.ReferredBy,
		Priority:        req.Priority,
		ClinicalHistory: req.ClinicalHistory,
		Notes:           req.Notes,
	}
	if err := h.svc.Create(c.Request().Context(), o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	return c.JSON(http.StatusOK, o)
}

// GetOrderByNumber looks an order up by its human-facing number, the form
// printed on requisition slips and barcodes.
func (h *Handler) GetOrderByNumber(c echo.Context) error {
	number := c.Param("number")
	if number == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "order number is required")
	}
	o, err := h.svc.GetByNumber(c.Request().Context(), number)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}

	items, total, err := h.svc.List(ctx, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type advanceRequest struct {
	Status string `json:"status"`
}

func (h *Handler) AdvanceOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := ParseStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	changedBy := "system"
	if ac := auth.FromEchoContext(c); ac != nil {
		changedBy = ac.Name
		if changedBy == "" {
			changedBy = ac.UserID.String()
		}
	}

	o, err := h.svc.Advance(c.Request().Context(), id, target, changedBy)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, o)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalState), errors.Is(err, ErrStatusChanged):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	changes, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, changes)
}
