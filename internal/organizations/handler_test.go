package organizations_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgplay/backend/internal/auth"
	"github.com/orgplay/backend/internal/middleware"
	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/organizations"
	"github.com/orgplay/backend/internal/realtime"
)

// memStore is an in-memory tenant directory and user store.
type memStore struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*models.User
	orgs    map[uuid.UUID]*models.Organization
	members []*models.Member
}

func newMemStore() *memStore {
	return &memStore{users: map[uuid.UUID]*models.User{}, orgs: map[uuid.UUID]*models.Organization{}}
}

func (s *memStore) addUser(email, name string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &models.User{ID: uuid.New(), Email: email, FullName: name, CreatedAt: time.Now()}
	s.users[u.ID] = u
	return u
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, organizations.ErrNotFound
}

func (s *memStore) Create(_ context.Context, name string, owner *models.User) (*models.Organization, *models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org := &models.Organization{ID: uuid.New(), Name: name, OwnerID: owner.ID, CreatedAt: time.Now()}
	s.orgs[org.ID] = org
	uid := owner.ID
	m := &models.Member{ID: uuid.New(), OrganizationID: org.ID, UserID: &uid, Name: owner.DisplayName(), Email: owner.Email, Role: models.RoleOwner, Status: models.StatusActive}
	s.members = append(s.members, m)
	return org, m, nil
}

func (s *memStore) GetByInviteCode(_ context.Context, code string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.InviteCode != nil && *o.InviteCode == code {
			cp := *o
			return &cp, nil
		}
	}
	return nil, organizations.ErrNotFound
}

func (s *memStore) EnsureInviteCode(_ context.Context, orgID uuid.UUID, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return "", organizations.ErrNotFound
	}
	if o.InviteCode == nil {
		o.InviteCode = &code
	}
	return *o.InviteCode, nil
}

func (s *memStore) ListForUser(_ context.Context, userID uuid.UUID) ([]models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Organization{}
	for _, m := range s.members {
		if m.UserID != nil && *m.UserID == userID && m.Status == models.StatusActive {
			out = append(out, *s.orgs[m.OrganizationID])
		}
	}
	return out, nil
}

func (s *memStore) FindMembership(_ context.Context, orgID, userID uuid.UUID) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.UserID != nil && *m.UserID == userID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetMember(_ context.Context, orgID, memberID uuid.UUID) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.ID == memberID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, organizations.ErrMemberNotFound
}

func (s *memStore) ListMembers(_ context.Context, orgID uuid.UUID) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Member{}
	for _, m := range s.members {
		if m.OrganizationID == orgID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) claim(orgID uuid.UUID, user *models.User) (*models.Member, bool) {
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.UserID != nil && *m.UserID == user.ID {
			return m, false
		}
	}
	uid := user.ID
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.Status == models.StatusInvited && strings.EqualFold(m.Email, user.Email) {
			m.UserID = &uid
			m.Status = models.StatusActive
			return m, true
		}
	}
	m := &models.Member{ID: uuid.New(), OrganizationID: orgID, UserID: &uid, Name: user.DisplayName(), Email: user.Email, Role: models.RoleMember, Status: models.StatusActive}
	s.members = append(s.members, m)
	return m, true
}

func (s *memStore) Join(_ context.Context, orgID uuid.UUID, user *models.User) (*models.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, created := s.claim(orgID, user)
	cp := *m
	return &cp, created, nil
}

func (s *memStore) JoinWithNewAccount(_ context.Context, orgID uuid.UUID, email, hash, fullName string) (*models.User, *models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return nil, nil, auth.ErrEmailTaken
		}
	}
	u := &models.User{ID: uuid.New(), Email: strings.ToLower(email), Password: hash, FullName: fullName}
	s.users[u.ID] = u
	m, _ := s.claim(orgID, u)
	cp := *m
	return u, &cp, nil
}

func (s *memStore) InviteByEmail(_ context.Context, orgID uuid.UUID, email, name string, role models.MemberRole) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.OrganizationID == orgID && strings.EqualFold(m.Email, email) {
			return nil, organizations.ErrAlreadyMember
		}
	}
	m := &models.Member{ID: uuid.New(), OrganizationID: orgID, Name: name, Email: strings.ToLower(email), Role: role, Status: models.StatusInvited}
	s.members = append(s.members, m)
	cp := *m
	return &cp, nil
}

func (s *memStore) UpdateRole(_ context.Context, orgID, memberID uuid.UUID, role models.MemberRole) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.ID == memberID && m.Role != models.RoleOwner {
			m.Role = role
			cp := *m
			return &cp, nil
		}
	}
	return nil, organizations.ErrMemberNotFound
}

func (s *memStore) RemoveMember(_ context.Context, orgID, memberID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.members {
		if m.OrganizationID == orgID && m.ID == memberID && m.Role != models.RoleOwner {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return nil
		}
	}
	return organizations.ErrMemberNotFound
}

type memUsers struct{ s *memStore }

func (u memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if usr, ok := u.s.users[id]; ok {
		return usr, nil
	}
	return nil, auth.ErrUserNotFound
}

type recordingNotifier struct {
	mu           sync.Mutex
	events       []string
	disconnected []uuid.UUID
}

func (n *recordingNotifier) Disconnect(_, userID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, userID)
}

func (n *recordingNotifier) Publish(_ uuid.UUID, event string, _ interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type fixture struct {
	router   *gin.Engine
	store    *memStore
	jwt      *auth.JWTService
	notifier *recordingNotifier
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	jwtSvc := auth.NewJWTService("test-secret", 1)
	notifier := &recordingNotifier{}
	authHandler := auth.NewHandler(nil, jwtSvc, nil)
	h := organizations.NewHandler(store, memUsers{store}, authHandler, notifier, "https://orgplay.test/", nil)

	r := gin.New()
	r.GET("/invite/:code", h.InviteInfo)
	r.POST("/invite/:code/accept", h.AcceptInvite)

	api := r.Group("", middleware.JWT(jwtSvc))
	api.GET("/organizations", h.ListMine)
	api.POST("/organizations", h.Create)
	api.POST("/invite/:code/join", h.JoinByCode)

	org := api.Group("/organizations/:id", middleware.RequireMembership(store, "id", nil))
	org.GET("", h.Get)
	org.GET("/members", h.ListMembers)
	org.POST("/invite-link", h.CreateInviteLink)
	org.POST("/members/invitations", h.InviteMember)
	org.PATCH("/members/:memberId/role", h.ChangeRole)
	org.DELETE("/members/:memberId", h.RemoveMember)

	return &fixture{router: r, store: store, jwt: jwtSvc, notifier: notifier}
}

func (f *fixture) token(t *testing.T, u *models.User) string {
	t.Helper()
	tok, err := f.jwt.Generate(u.ID, u.Email, u.DisplayName())
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Success bool   `json:"success"`
		Data    T      `json:"data"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env.Data
}

type created struct {
	Organization models.Organization `json:"organization"`
	Member       models.Member       `json:"member"`
}

func (f *fixture) createOrg(t *testing.T, owner *models.User) created {
	t.Helper()
	rr := f.do(http.MethodPost, "/organizations", f.token(t, owner), map[string]string{"name": "Board Nights"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[created](t, rr)
}

func TestCreateOrganization(t *testing.T) {
	f := newFixture()
	owner := f.store.addUser("owner@example.com", "Olive")

	out := f.createOrg(t, owner)
	assert.Equal(t, "Board Nights", out.Organization.Name)
	assert.Equal(t, models.RoleOwner, out.Member.Role)
	assert.Equal(t, "Olive", out.Member.Name)

	rr := f.do(http.MethodGet, "/organizations", f.token(t, owner), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Organization](t, rr), 1)

	t.Run("name too short", func(t *testing.T) {
		rr := f.do(http.MethodPost, "/organizations", f.token(t, owner), map[string]string{"name": " x "})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	t.Run("outsider cannot read", func(t *testing.T) {
		stranger := f.store.addUser("stranger@example.com", "")
		rr := f.do(http.MethodGet, "/organizations/"+out.Organization.ID.String(), f.token(t, stranger), nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestInviteLinkIsStable(t *testing.T) {
	f := newFixture()
	owner := f.store.addUser("owner@example.com", "Olive")
	org := f.createOrg(t, owner).Organization
	path := "/organizations/" + org.ID.String() + "/invite-link"

	first := decode[organizations.InviteLinkResponse](t, f.do(http.MethodPost, path, f.token(t, owner), nil))
	second := decode[organizations.InviteLinkResponse](t, f.do(http.MethodPost, path, f.token(t, owner), nil))

	assert.Equal(t, organizations.InviteCodeFor(org.ID), first.InviteCode)
	assert.Equal(t, first, second)
	assert.Equal(t, "https://orgplay.test/invite/"+first.InviteCode, first.InviteURL)

	rr := f.do(http.MethodGet, "/invite/"+first.InviteCode, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Board Nights", decode[organizations.InviteInfo](t, rr).Name)

	rr = f.do(http.MethodGet, "/invite/org_nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInviteLinkRequiresManager(t *testing.T) {
	f := newFixture()
	owner := f.store.addUser("owner@example.com", "Olive")
	org := f.createOrg(t, owner).Organization
	code, _ := f.store.EnsureInviteCode(context.Background(), org.ID, organizations.InviteCodeFor(org.ID))

	joiner := f.store.addUser("m@example.com", "Max")
	rr := f.do(http.MethodPost, "/invite/"+code+"/join", f.token(t, joiner), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPost, "/organizations/"+org.ID.String()+"/invite-link", f.token(t, joiner), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAcceptInvite(t *testing.T) {
	f := newFixture()
	owner := f.store.addUser("owner@example.com", "Olive")
	org := f.createOrg(t, owner).Organization
	code, _ := f.store.EnsureInviteCode(context.Background(), org.ID, organizations.InviteCodeFor(org.ID))

	t.Run("new account becomes member", func(t *testing.T) {
		rr := f.do(http.MethodPost, "/invite/"+code+"/accept", "", map[string]string{
			"full_name": "Nina", "email": "nina@example.com", "password": "secret99",
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		out := decode[organizations.AcceptInviteResponse](t, rr)
		assert.NotEmpty(t, out.Token)
		assert.Equal(t, models.RoleMember, out.Member.Role)
		assert.Equal(t, models.StatusActive, out.Member.Status)
		assert.Equal(t, org.ID, out.Member.OrganizationID)
	})

	t.Run("invited email keeps its role", func(t *testing.T) {
		tok := f.token(t, owner)
		rr := f.do(http.MethodPost, "/organizations/"+org.ID.String()+"/members/invitations", tok,
			map[string]string{"email": "ada@example.com", "name": "Ada", "role": "admin"})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Equal(t, models.StatusInvited, decode[models.Member](t, rr).Status)

		rr = f.do(http.MethodPost, "/invite/"+code+"/accept", "", map[string]string{
			"full_name": "Ada L", "email": "ada@example.com", "password": "secret99",
		})
		require.Equal(t, http.StatusCreated, rr.Code)
		out := decode[organizations.AcceptInviteResponse](t, rr)
		assert.Equal(t, models.RoleAdmin, out.Member.Role)
		assert.Equal(t, models.StatusActive, out.Member.Status)
	})

	t.Run("existing email conflicts", func(t *testing.T) {
		rr := f.do(http.MethodPost, "/invite/"+code+"/accept", "", map[string]string{
			"full_name": "Nina", "email": "nina@example.com", "password": "secret99",
		})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("weak password", func(t *testing.T) {
		rr := f.do(http.MethodPost, "/invite/"+code+"/accept", "", map[string]string{
			"full_name": "Pat", "email": "pat@example.com", "password": "123",
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestJoinByCodeIsIdempotent(t *testing.T) {
	f := newFixture()
	owner := f.store.addUser("owner@example.com", "Olive")
	org := f.createOrg(t, owner).Organization
	code, _ := f.store.EnsureInviteCode(context.Background(), org.ID, organizations.InviteCodeFor(org.ID))
	joiner := f.store.addUser("j@example.com", "Jo")

	for i := 0; i < 2; i++ {
		rr := f.do(http.MethodPost, "/invite/"+code+"/join", f.token(t, joiner), nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	members, _ := f.store.ListMembers(context.Background(), org.ID)
	assert.Len(t, members, 2)
	assert.Equal(t, []string{realtime.EventMemberJoined}, f.notifier.events)

	t.Run("owner joining keeps owner role", func(t *testing.T) {
		rr := f.do(http.MethodPost, "/invite/"+code+"/join", f.token(t, owner), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		m, _ := f.store.FindMembership(context.Background(), org.ID, owner.ID)
		assert.Equal(t, models.RoleOwner, m.Role)
	})
}

func TestRoleManagement(t *testing.T) {
	f := newFixture()
	owner := f.store.addUser("owner@example.com", "Olive")
	out := f.createOrg(t, owner)
	org, ownerMember := out.Organization, out.Member
	code, _ := f.store.EnsureInviteCode(context.Background(), org.ID, organizations.InviteCodeFor(org.ID))

	member := f.store.addUser("m@example.com", "Max")
	rr := f.do(http.MethodPost, "/invite/"+code+"/join", f.token(t, member), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	m, _ := f.store.FindMembership(context.Background(), org.ID, member.ID)
	rolePath := "/organizations/" + org.ID.String() + "/members/" + m.ID.String() + "/role"

	t.Run("owner promotes member", func(t *testing.T) {
		rr := f.do(http.MethodPatch, rolePath, f.token(t, owner), map[string]string{"role": "moderator"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, models.RoleModerator, decode[models.Member](t, rr).Role)
	})
	t.Run("owner role cannot be granted", func(t *testing.T) {
		rr := f.do(http.MethodPatch, rolePath, f.token(t, owner), map[string]string{"role": "owner"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("unknown role", func(t *testing.T) {
		rr := f.do(http.MethodPatch, rolePath, f.token(t, owner), map[string]string{"role": "wizard"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	t.Run("moderator cannot change roles", func(t *testing.T) {
		ownerPath := "/organizations/" + org.ID.String() + "/members/" + ownerMember.ID.String() + "/role"
		rr := f.do(http.MethodPatch, ownerPath, f.token(t, member), map[string]string{"role": "viewer"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("owner cannot be removed", func(t *testing.T) {
		rr := f.do(http.MethodDelete, "/organizations/"+org.ID.String()+"/members/"+ownerMember.ID.String(), f.token(t, owner), nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("owner removes member", func(t *testing.T) {
		rr := f.do(http.MethodDelete, "/organizations/"+org.ID.String()+"/members/"+m.ID.String(), f.token(t, owner), nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		rr = f.do(http.MethodGet, "/organizations/"+org.ID.String(), f.token(t, member), nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, []uuid.UUID{member.ID}, f.notifier.disconnected)
	})
	assert.Contains(t, f.notifier.events, realtime.EventMemberRoleChanged)
	assert.Contains(t, f.notifier.events, realtime.EventMemberRemoved)
}
