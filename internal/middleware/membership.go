package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/pkg/response"
)

// ContextMember is the key for the caller's *models.Member in the organization named by :id.
const ContextMember = "member"

// MembershipFinder resolves a user's membership. It returns (nil, nil) when there is none.
type MembershipFinder interface {
	FindMembership(ctx context.Context, orgID, userID uuid.UUID) (*models.Member, error)
}

// RequireMembership resolves the caller's active membership in the organization from the
// given route param and stores it under ContextMember. Must run after JWT.
func RequireMembership(finder MembershipFinder, param string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		userID, ok := CurrentUserID(c)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		orgID, err := uuid.Parse(c.Param(param))
		if err != nil {
			response.BadRequest(c, "invalid organization id")
			c.Abort()
			return
		}
		member, err := finder.FindMembership(c.Request.Context(), orgID, userID)
		if err != nil {
			logger.Error("membership lookup failed",
				zap.String("organization_id", orgID.String()), zap.Error(err))
			response.Internal(c, "failed to resolve membership")
			c.Abort()
			return
		}
		if member == nil || member.Status != models.StatusActive {
			response.Forbidden(c, "not a member of this organization")
			c.Abort()
			return
		}
		c.Set(ContextMember, member)
		c.Next()
	}
}

// CurrentMember returns the membership set by RequireMembership.
func CurrentMember(c *gin.Context) *models.Member {
	v, ok := c.Get(ContextMember)
	if !ok {
		return nil
	}
	m, _ := v.(*models.Member)
	return m
}
