package organizations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orgplay/backend/internal/auth"
	"github.com/orgplay/backend/internal/models"
)

var (
	ErrNotFound        = errors.New("organization not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrAlreadyMember   = errors.New("email already belongs to a member of this organization")
	ErrInviteCodeTaken = errors.New("invite code already in use")
)

const (
	orgColumns    = `id, name, owner_id, invite_code, created_at, updated_at`
	memberColumns = `id, organization_id, user_id, name, email, role, status, created_at`
)

// Repository is the tenant directory: organizations and their members.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create creates an organization and its owner member in one transaction.
func (r *Repository) Create(ctx context.Context, name string, owner *models.User) (*models.Organization, *models.Member, error) {
	var (
		org    *models.Organization
		member *models.Member
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		org, err = scanOrg(tx.QueryRow(ctx,
			`INSERT INTO organizations (name, owner_id) VALUES ($1, $2) RETURNING `+orgColumns,
			name, owner.ID))
		if err != nil {
			return fmt.Errorf("insert organization: %w", err)
		}
		member, err = scanMember(tx.QueryRow(ctx,
			`INSERT INTO organization_members (organization_id, user_id, name, email, role, status)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+memberColumns,
			org.ID, owner.ID, owner.DisplayName(), owner.Email, models.RoleOwner, models.StatusActive))
		if err != nil {
			return fmt.Errorf("insert owner member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return org, member, nil
}

// GetByID returns an organization by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return scanOrg(r.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

// GetByInviteCode returns the organization owning an invite code.
func (r *Repository) GetByInviteCode(ctx context.Context, code string) (*models.Organization, error) {
	return scanOrg(r.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE invite_code = $1`, code))
}

// EnsureInviteCode stores code only if the organization has none yet and returns the stored code.
func (r *Repository) EnsureInviteCode(ctx context.Context, orgID uuid.UUID, code string) (string, error) {
	const q = `UPDATE organizations
		SET invite_code = COALESCE(invite_code, $2),
			updated_at = CASE WHEN invite_code IS NULL THEN NOW() ELSE updated_at END
		WHERE id = $1
		RETURNING invite_code`
	var stored string
	err := r.pool.QueryRow(ctx, q, orgID, code).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if isUniqueViolation(err) {
		return "", ErrInviteCodeTaken
	}
	if err != nil {
		return "", fmt.Errorf("ensure invite code: %w", err)
	}
	return stored, nil
}

// ListForUser returns organizations the user is an active member of.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Organization, error) {
	const q = `SELECT o.id, o.name, o.owner_id, o.invite_code, o.created_at, o.updated_at
		FROM organizations o
		INNER JOIN organization_members m ON m.organization_id = o.id
		WHERE m.user_id = $1 AND m.status = 'active'
		ORDER BY o.name`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Organization{}
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *o)
	}
	return list, rows.Err()
}

// FindMembership returns the user's member record in an organization, or nil if there is none.
func (r *Repository) FindMembership(ctx context.Context, orgID, userID uuid.UUID) (*models.Member, error) {
	m, err := scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID))
	if errors.Is(err, ErrMemberNotFound) {
		return nil, nil
	}
	return m, err
}

// GetMember returns a member of an organization by member ID.
func (r *Repository) GetMember(ctx context.Context, orgID, memberID uuid.UUID) (*models.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members WHERE organization_id = $1 AND id = $2`,
		orgID, memberID))
}

// ListMembers returns all members of an organization, oldest first.
func (r *Repository) ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM organization_members WHERE organization_id = $1 ORDER BY created_at ASC, id`,
		orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// Join binds an existing user to the organization. An invited seat for the user's email is
// activated; otherwise a member row is inserted. created is false when the user already had a seat.
func (r *Repository) Join(ctx context.Context, orgID uuid.UUID, user *models.User) (member *models.Member, created bool, err error) {
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		member, created, err = claimSeat(ctx, tx, orgID, user)
		return err
	})
	return member, created, err
}

// JoinWithNewAccount creates the account and its seat in one transaction.
func (r *Repository) JoinWithNewAccount(ctx context.Context, orgID uuid.UUID, email, passwordHash, fullName string) (*models.User, *models.Member, error) {
	var (
		user   *models.User
		member *models.Member
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if user, err = auth.CreateUser(ctx, tx, email, passwordHash, fullName); err != nil {
			return err
		}
		member, _, err = claimSeat(ctx, tx, orgID, user)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return user, member, nil
}

func claimSeat(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, user *models.User) (*models.Member, bool, error) {
	existing, err := scanMember(tx.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM organization_members WHERE organization_id = $1 AND user_id = $2`,
		orgID, user.ID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrMemberNotFound) {
		return nil, false, fmt.Errorf("lookup seat: %w", err)
	}

	activated, err := scanMember(tx.QueryRow(ctx,
		`UPDATE organization_members
		SET user_id = $3, status = 'active', name = CASE WHEN name = '' THEN $4 ELSE name END
		WHERE organization_id = $1 AND lower(email) = lower($2) AND status = 'invited'
		RETURNING `+memberColumns,
		orgID, user.Email, user.ID, user.DisplayName()))
	if err == nil {
		return activated, true, nil
	}
	if !errors.Is(err, ErrMemberNotFound) {
		return nil, false, fmt.Errorf("activate invited seat: %w", err)
	}

	inserted, err := scanMember(tx.QueryRow(ctx,
		`INSERT INTO organization_members (organization_id, user_id, name, email, role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING `+memberColumns,
		orgID, user.ID, user.DisplayName(), user.Email, models.RoleMember, models.StatusActive))
	if errors.Is(err, ErrMemberNotFound) {
		// Email is held by an active seat of another account.
		return nil, false, ErrAlreadyMember
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert seat: %w", err)
	}
	return inserted, true, nil
}

// InviteByEmail reserves a seat with status invited for an email address.
func (r *Repository) InviteByEmail(ctx context.Context, orgID uuid.UUID, email, name string, role models.MemberRole) (*models.Member, error) {
	m, err := scanMember(r.pool.QueryRow(ctx,
		`INSERT INTO organization_members (organization_id, name, email, role, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+memberColumns,
		orgID, strings.TrimSpace(name), strings.ToLower(strings.TrimSpace(email)), role, models.StatusInvited))
	if isUniqueViolation(err) {
		return nil, ErrAlreadyMember
	}
	return m, err
}

// UpdateRole sets a member's role. The owner row is never matched.
func (r *Repository) UpdateRole(ctx context.Context, orgID, memberID uuid.UUID, role models.MemberRole) (*models.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`UPDATE organization_members SET role = $3
		WHERE organization_id = $1 AND id = $2 AND role <> 'owner'
		RETURNING `+memberColumns,
		orgID, memberID, role))
}

// RemoveMember deletes a member. The owner row is never matched.
func (r *Repository) RemoveMember(ctx context.Context, orgID, memberID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM organization_members WHERE organization_id = $1 AND id = $2 AND role <> 'owner'`,
		orgID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func scanOrg(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.OwnerID, &o.InviteCode, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanMember(row pgx.Row) (*models.Member, error) {
	var (
		m      models.Member
		role   string
		status string
	)
	err := row.Scan(&m.ID, &m.OrganizationID, &m.UserID, &m.Name, &m.Email, &role, &status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = models.MemberRole(role)
	m.Status = models.MemberStatus(status)
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
