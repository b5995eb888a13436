package realtime

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicore/clinicore/internal/platform/auth"
)

type announceRequest struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Roles   []string `json:"roles"`
}

// RegisterAPIRoutes registers the hub's REST surface. Announcements are
// admin-only.
func (sh *SessionHandler) RegisterAPIRoutes(g *echo.Group) {
	g.POST("/announcements", sh.HandleAnnounce, auth.RequireRole("admin"))
}

// HandleAnnounce publishes one system announcement to each target role's
// channel. Recipients without a live session miss it, like any other
// notification.
func (sh *SessionHandler) HandleAnnounce(c echo.Context) error {
	var req announceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and message are required")
	}
	if len(req.Roles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one target role is required")
	}

	n := NewSystemAnnouncement(req.Title, req.Message, req.Roles...)
	ctx := c.Request().Context()
	for _, role := range req.Roles {
		if err := sh.hub.Publish(ctx, RoleChannel(role), n); err != nil {
			sh.logger.Warn().Err(err).Str("role", role).Msg("publish announcement")
		}
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"id":    n.ID,
		"roles": req.Roles,
	})
}
