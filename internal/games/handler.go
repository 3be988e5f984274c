package games

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/middleware"
	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/policy"
	"github.com/orgplay/backend/internal/rotation"
	"github.com/orgplay/backend/pkg/response"
)

// Handler handles game HTTP endpoints under /organizations/:id/games.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a games handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// AddGameRequest is the body for POST /organizations/:id/games.
type AddGameRequest struct {
	Name          string              `json:"name" binding:"required"`
	Category      models.GameCategory `json:"category" binding:"required"`
	Type          models.GameType     `json:"type" binding:"required"`
	MaxPlayers    int                 `json:"max_players" binding:"required"`
	CoverImageURL string              `json:"cover_image_url"`
}

// List handles GET /organizations/:id/games.
func (h *Handler) List(c *gin.Context) {
	games, err := h.svc.List(c.Request.Context(), middleware.CurrentMember(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, games)
}

// Add handles POST /organizations/:id/games.
func (h *Handler) Add(c *gin.Context) {
	var body AddGameRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name, category, type and max_players required")
		return
	}
	suggestedBy := c.GetString(middleware.ContextUserName)
	if suggestedBy == "" {
		suggestedBy = c.GetString(middleware.ContextUserEmail)
	}
	g, err := h.svc.Add(c.Request.Context(), middleware.CurrentMember(c), AddGameInput{
		Name:          body.Name,
		Category:      body.Category,
		Type:          body.Type,
		MaxPlayers:    body.MaxPlayers,
		CoverImageURL: body.CoverImageURL,
		SuggestedBy:   suggestedBy,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, g)
}

// Draw handles POST /organizations/:id/games/draw.
func (h *Handler) Draw(c *gin.Context) {
	res, err := h.svc.Draw(c.Request.Context(), middleware.CurrentMember(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, res)
}

// CoverPath is the API route that serves an imported cover. It is what cover_image_url holds
// once the import finished, since the bucket itself is private.
func CoverPath(orgID, gameID uuid.UUID) string {
	return "/organizations/" + orgID.String() + "/games/" + gameID.String() + "/cover"
}

// Cover handles GET /organizations/:id/games/:gameId/cover by redirecting to a signed URL.
func (h *Handler) Cover(c *gin.Context) {
	gameID, err := uuid.Parse(c.Param("gameId"))
	if err != nil {
		response.BadRequest(c, "invalid game id")
		return
	}
	url, err := h.svc.CoverURL(c.Request.Context(), middleware.CurrentMember(c), gameID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (h *Handler) fail(c *gin.Context, err error) {
	var (
		verr *ValidationError
		ierr *rotation.IntegrityError
	)
	switch {
	case errors.Is(err, policy.ErrNotAuthenticated):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, policy.ErrNotAMember), errors.Is(err, policy.ErrPermissionDenied):
		response.Forbidden(c, err.Error())
	case errors.As(err, &verr):
		response.BadRequest(c, verr.Error())
	case errors.As(err, &ierr):
		h.logger.Error("game data integrity error", zap.String("game_id", ierr.GameID.String()), zap.Error(err))
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ErrDrawConflict):
		response.Conflict(c, "another draw changed this game, try again")
	case errors.Is(err, ErrDrawInFlight):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, ErrGameNotFound), errors.Is(err, ErrNoCover):
		response.NotFound(c, err.Error())
	default:
		fields := []zap.Field{zap.Error(err)}
		if m := middleware.CurrentMember(c); m != nil {
			fields = append(fields, zap.String("organization_id", m.OrganizationID.String()))
		}
		h.logger.Error("game operation failed", fields...)
		response.Internal(c, "game operation failed")
	}
}
