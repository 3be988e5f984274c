package analytics

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/middleware"
	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/policy"
	"github.com/orgplay/backend/pkg/response"
)

// GameLister loads an organization's catalog.
type GameLister interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]models.Game, error)
}

// MemberLister loads an organization's members.
type MemberLister interface {
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error)
}

// Handler handles GET /organizations/:id/metrics.
type Handler struct {
	games   GameLister
	members MemberLister
	logger  *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(games GameLister, members MemberLister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{games: games, members: members, logger: logger}
}

// Metrics returns the dashboard summary of the caller's organization.
func (h *Handler) Metrics(c *gin.Context) {
	member := middleware.CurrentMember(c)
	if err := policy.Authorize(member, policy.ActionView); err != nil {
		if errors.Is(err, policy.ErrNotAuthenticated) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Forbidden(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	orgID := member.OrganizationID

	games, err := h.games.ListByOrganization(ctx, orgID)
	if err != nil {
		h.logger.Error("load games for metrics failed", zap.String("organization_id", orgID.String()), zap.Error(err))
		response.Internal(c, "failed to load games")
		return
	}
	members, err := h.members.ListMembers(ctx, orgID)
	if err != nil {
		h.logger.Error("load members for metrics failed", zap.String("organization_id", orgID.String()), zap.Error(err))
		response.Internal(c, "failed to load members")
		return
	}
	response.OK(c, Summarize(games, members))
}
