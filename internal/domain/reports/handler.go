package reports

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("doctor", "lab_technician", "receptionist"))
	g.POST("/reports/:id/acknowledge", h.Acknowledge)
	g.GET("/reports/:id/receipt", h.GetReceiptStatus)
	g.GET("/reports/:id/receipts/summary", h.GetSummary)
}

type acknowledgeRequest struct {
	Action string `json:"action"`
}

// Acknowledge records the calling user's acknowledgment of the report.
func (h *Handler) Acknowledge(c echo.Context) error {
	artifactID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req acknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ac := auth.FromEchoContext(c)
	if ac == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
	}

	if err := h.tracker.Record(c.Request().Context(), artifactID, ac.UserID, action); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	status, err := h.tracker.StatusFor(c.Request().Context(), artifactID, ac.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"artifact_id":  artifactID,
		"recipient_id": ac.UserID,
		"action":       status,
	})
}

// GetReceiptStatus returns the current action for a recipient, defaulting to
// the calling user when recipient_id is not given.
func (h *Handler) GetReceiptStatus(c echo.Context) error {
	artifactID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var recipientID uuid.UUID
	if raw := c.QueryParam("recipient_id"); raw != "" {
		recipientID, err = uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid recipient_id")
		}
	} else if ac := auth.FromEchoContext(c); ac != nil {
		recipientID = ac.UserID
	} else {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient_id is required")
	}

	status, err := h.tracker.StatusFor(c.Request().Context(), artifactID, recipientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"artifact_id":  artifactID,
		"recipient_id": recipientID,
		"action":       status,
	})
}

// GetSummary returns per-action recipient counts for the report.
func (h *Handler) GetSummary(c echo.Context) error {
	artifactID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	counts, err := h.tracker.Summary(c.Request().Context(), artifactID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"artifact_id": artifactID,
		"counts":      counts,
	})
}
