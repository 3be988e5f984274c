package organizations

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/auth"
	"github.com/orgplay/backend/internal/middleware"
	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/policy"
	"github.com/orgplay/backend/internal/realtime"
	"github.com/orgplay/backend/pkg/response"
	"github.com/orgplay/backend/pkg/utils"
)

// Store is the tenant directory used by the handler.
type Store interface {
	Create(ctx context.Context, name string, owner *models.User) (*models.Organization, *models.Member, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	GetByInviteCode(ctx context.Context, code string) (*models.Organization, error)
	EnsureInviteCode(ctx context.Context, orgID uuid.UUID, code string) (string, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Organization, error)
	GetMember(ctx context.Context, orgID, memberID uuid.UUID) (*models.Member, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error)
	Join(ctx context.Context, orgID uuid.UUID, user *models.User) (*models.Member, bool, error)
	JoinWithNewAccount(ctx context.Context, orgID uuid.UUID, email, passwordHash, fullName string) (*models.User, *models.Member, error)
	InviteByEmail(ctx context.Context, orgID uuid.UUID, email, name string, role models.MemberRole) (*models.Member, error)
	UpdateRole(ctx context.Context, orgID, memberID uuid.UUID, role models.MemberRole) (*models.Member, error)
	RemoveMember(ctx context.Context, orgID, memberID uuid.UUID) error
}

// Users loads identities.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TokenIssuer signs a session token for a freshly created account.
type TokenIssuer interface {
	IssueToken(user *models.User) (auth.TokenResponse, error)
}

// Notifier publishes organization events and drops the event streams of removed members.
type Notifier interface {
	Publish(orgID uuid.UUID, event string, payload interface{})
	Disconnect(orgID, userID uuid.UUID)
}

// Handler handles organization, membership and invite endpoints.
type Handler struct {
	store     Store
	users     Users
	tokens    TokenIssuer
	notifier  Notifier
	publicURL string
	logger    *zap.Logger
}

// NewHandler creates an organizations handler. publicURL is the origin used in invite links.
func NewHandler(store Store, users Users, tokens TokenIssuer, notifier Notifier, publicURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, users: users, tokens: tokens, notifier: notifier, publicURL: publicURL, logger: logger}
}

// CreateOrganizationRequest is the body for POST /organizations.
type CreateOrganizationRequest struct {
	Name string `json:"name" binding:"required"`
}

// InviteMemberRequest is the body for POST /organizations/:id/members/invitations.
type InviteMemberRequest struct {
	Email string            `json:"email" binding:"required,email"`
	Name  string            `json:"name"`
	Role  models.MemberRole `json:"role" binding:"required"`
}

// ChangeRoleRequest is the body for PATCH /organizations/:id/members/:memberId/role.
type ChangeRoleRequest struct {
	Role models.MemberRole `json:"role" binding:"required"`
}

// AcceptInviteRequest is the body for POST /invite/:code/accept.
type AcceptInviteRequest struct {
	FullName string `json:"full_name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// InviteLinkResponse is returned by POST /organizations/:id/invite-link.
type InviteLinkResponse struct {
	InviteCode string `json:"invite_code"`
	InviteURL  string `json:"invite_url"`
}

// InviteInfo is the public organization summary shown on the invite page.
type InviteInfo struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Name           string    `json:"name"`
	InviteCode     string    `json:"invite_code"`
}

// AcceptInviteResponse is returned when an invite creates a new account.
type AcceptInviteResponse struct {
	auth.TokenResponse
	Member       *models.Member       `json:"member"`
	Organization *models.Organization `json:"organization"`
}

// ListMine handles GET /organizations.
func (h *Handler) ListMine(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	orgs, err := h.store.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list organizations failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to load organizations")
		return
	}
	response.OK(c, orgs)
}

// Create handles POST /organizations. The caller becomes the owner.
func (h *Handler) Create(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body CreateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	name := strings.TrimSpace(body.Name)
	if len(name) < 2 || len(name) > 255 {
		response.BadRequest(c, "name must be 2-255 characters")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.Unauthorized(c, "account no longer exists")
			return
		}
		h.logger.Error("load user failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to load account")
		return
	}
	org, owner, err := h.store.Create(c.Request.Context(), name, user)
	if err != nil {
		h.logger.Error("create organization failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to create organization")
		return
	}
	response.Created(c, gin.H{"organization": org, "member": owner})
}

// Get handles GET /organizations/:id.
func (h *Handler) Get(c *gin.Context) {
	member := middleware.CurrentMember(c)
	if !h.authorize(c, policy.Authorize(member, policy.ActionView)) {
		return
	}
	org, err := h.store.GetByID(c.Request.Context(), member.OrganizationID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "organization not found")
		return
	}
	if err != nil {
		h.storeFailure(c, "load organization", member.OrganizationID, err)
		return
	}
	response.OK(c, org)
}

// ListMembers handles GET /organizations/:id/members.
func (h *Handler) ListMembers(c *gin.Context) {
	member := middleware.CurrentMember(c)
	if !h.authorize(c, policy.Authorize(member, policy.ActionView)) {
		return
	}
	members, err := h.store.ListMembers(c.Request.Context(), member.OrganizationID)
	if err != nil {
		h.storeFailure(c, "list members", member.OrganizationID, err)
		return
	}
	response.OK(c, members)
}

// CreateInviteLink handles POST /organizations/:id/invite-link. The code is generated once and
// reused afterwards.
func (h *Handler) CreateInviteLink(c *gin.Context) {
	member := middleware.CurrentMember(c)
	if !h.authorize(c, policy.Authorize(member, policy.ActionInviteMember)) {
		return
	}
	code, err := h.store.EnsureInviteCode(c.Request.Context(), member.OrganizationID, InviteCodeFor(member.OrganizationID))
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "organization not found")
		return
	case errors.Is(err, ErrInviteCodeTaken):
		response.Conflict(c, "invite code collides with another organization")
		return
	case err != nil:
		h.storeFailure(c, "ensure invite code", member.OrganizationID, err)
		return
	}
	response.OK(c, InviteLinkResponse{InviteCode: code, InviteURL: InviteURL(h.publicURL, code)})
}

// InviteMember handles POST /organizations/:id/members/invitations.
func (h *Handler) InviteMember(c *gin.Context) {
	actor := middleware.CurrentMember(c)
	var body InviteMemberRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email and role required")
		return
	}
	if !h.authorize(c, policy.CheckInviteRole(actor, body.Role)) {
		return
	}
	m, err := h.store.InviteByEmail(c.Request.Context(), actor.OrganizationID, body.Email, body.Name, body.Role)
	if errors.Is(err, ErrAlreadyMember) {
		response.Conflict(c, err.Error())
		return
	}
	if err != nil {
		h.storeFailure(c, "invite member", actor.OrganizationID, err)
		return
	}
	response.Created(c, m)
}

// ChangeRole handles PATCH /organizations/:id/members/:memberId/role.
func (h *Handler) ChangeRole(c *gin.Context) {
	actor := middleware.CurrentMember(c)
	var body ChangeRoleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "role required")
		return
	}
	target, ok := h.loadTarget(c, actor)
	if !ok {
		return
	}
	if !h.authorize(c, policy.CheckRoleChange(actor, target, body.Role)) {
		return
	}
	updated, err := h.store.UpdateRole(c.Request.Context(), actor.OrganizationID, target.ID, body.Role)
	if errors.Is(err, ErrMemberNotFound) {
		response.NotFound(c, "member not found")
		return
	}
	if err != nil {
		h.storeFailure(c, "update role", actor.OrganizationID, err)
		return
	}
	h.notifier.Publish(actor.OrganizationID, realtime.EventMemberRoleChanged, updated)
	response.OK(c, updated)
}

// RemoveMember handles DELETE /organizations/:id/members/:memberId.
func (h *Handler) RemoveMember(c *gin.Context) {
	actor := middleware.CurrentMember(c)
	target, ok := h.loadTarget(c, actor)
	if !ok {
		return
	}
	if !h.authorize(c, policy.CheckRemoval(actor, target)) {
		return
	}
	err := h.store.RemoveMember(c.Request.Context(), actor.OrganizationID, target.ID)
	if errors.Is(err, ErrMemberNotFound) {
		response.NotFound(c, "member not found")
		return
	}
	if err != nil {
		h.storeFailure(c, "remove member", actor.OrganizationID, err)
		return
	}
	h.notifier.Publish(actor.OrganizationID, realtime.EventMemberRemoved, gin.H{"member_id": target.ID})
	if target.UserID != nil {
		h.notifier.Disconnect(actor.OrganizationID, *target.UserID)
	}
	response.NoContent(c)
}

// InviteInfo handles GET /invite/:code.
func (h *Handler) InviteInfo(c *gin.Context) {
	org, ok := h.resolveInvite(c)
	if !ok {
		return
	}
	response.OK(c, InviteInfo{OrganizationID: org.ID, Name: org.Name, InviteCode: *org.InviteCode})
}

// AcceptInvite handles POST /invite/:code/accept: creates an account and its seat.
func (h *Handler) AcceptInvite(c *gin.Context) {
	org, ok := h.resolveInvite(c)
	if !ok {
		return
	}
	var body AcceptInviteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "full_name, email and password required")
		return
	}
	hash, err := utils.HashPassword(body.Password)
	if errors.Is(err, utils.ErrWeakPassword) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	user, member, err := h.store.JoinWithNewAccount(c.Request.Context(), org.ID, body.Email, hash, body.FullName)
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		response.Conflict(c, "this email is already registered, sign in and join instead")
		return
	case errors.Is(err, ErrAlreadyMember):
		response.Conflict(c, err.Error())
		return
	case err != nil:
		h.storeFailure(c, "accept invite", org.ID, err)
		return
	}
	tok, err := h.tokens.IssueToken(user)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	h.notifier.Publish(org.ID, realtime.EventMemberJoined, member)
	response.Created(c, AcceptInviteResponse{TokenResponse: tok, Member: member, Organization: org})
}

// JoinByCode handles POST /invite/:code/join for a signed-in user. Joining twice is a no-op.
func (h *Handler) JoinByCode(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	org, ok := h.resolveInvite(c)
	if !ok {
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.Unauthorized(c, "account no longer exists")
			return
		}
		h.storeFailure(c, "load user", org.ID, err)
		return
	}
	member, created, err := h.store.Join(c.Request.Context(), org.ID, user)
	if errors.Is(err, ErrAlreadyMember) {
		response.Conflict(c, err.Error())
		return
	}
	if err != nil {
		h.storeFailure(c, "join organization", org.ID, err)
		return
	}
	if created {
		h.notifier.Publish(org.ID, realtime.EventMemberJoined, member)
	}
	response.OK(c, gin.H{"organization": org, "member": member})
}

func (h *Handler) resolveInvite(c *gin.Context) (*models.Organization, bool) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		response.BadRequest(c, "invite code required")
		return nil, false
	}
	org, err := h.store.GetByInviteCode(c.Request.Context(), code)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "invite not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("resolve invite failed", zap.String("invite_code", code), zap.Error(err))
		response.Internal(c, "failed to resolve invite")
		return nil, false
	}
	return org, true
}

func (h *Handler) loadTarget(c *gin.Context, actor *models.Member) (*models.Member, bool) {
	if !h.authorize(c, policy.Authorize(actor, policy.ActionView)) {
		return nil, false
	}
	memberID, err := uuid.Parse(c.Param("memberId"))
	if err != nil {
		response.BadRequest(c, "invalid member id")
		return nil, false
	}
	target, err := h.store.GetMember(c.Request.Context(), actor.OrganizationID, memberID)
	if errors.Is(err, ErrMemberNotFound) {
		response.NotFound(c, "member not found")
		return nil, false
	}
	if err != nil {
		h.storeFailure(c, "load member", actor.OrganizationID, err)
		return nil, false
	}
	return target, true
}

// authorize writes the HTTP response for a policy error and reports whether the caller may proceed.
func (h *Handler) authorize(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, policy.ErrNotAuthenticated):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, policy.ErrInvalidRole):
		response.BadRequest(c, err.Error())
	default:
		response.Forbidden(c, err.Error())
	}
	return false
}

func (h *Handler) storeFailure(c *gin.Context, op string, orgID uuid.UUID, err error) {
	h.logger.Error(op+" failed", zap.String("organization_id", orgID.String()), zap.Error(err))
	response.Internal(c, "failed to "+op)
}
