package games

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/rotation"
)

var (
	ErrGameNotFound = errors.New("game not found")
	// ErrDrawConflict means a conditional draw write lost a race with another draw.
	ErrDrawConflict = errors.New("game changed since it was read")
)

const gameColumns = `id, organization_id, name, category, type, max_players, was_drawn, draw_count,
	last_drawn_at, suggested_by, COALESCE(cover_image_url, ''), created_at`

// Repository is the game catalog store. Every query is scoped by organization.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a games repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByOrganization returns the organization's catalog in insertion order.
func (r *Repository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]models.Game, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+gameColumns+` FROM games WHERE organization_id = $1 ORDER BY created_at ASC, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query games: %w", err)
	}
	defer rows.Close()
	list := []models.Game{}
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *g)
	}
	return list, rows.Err()
}

// Insert stores g and fills its ID and CreatedAt.
func (r *Repository) Insert(ctx context.Context, g *models.Game) error {
	const q = `INSERT INTO games (organization_id, name, category, type, max_players, suggested_by, cover_image_url)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id, was_drawn, draw_count, created_at`
	err := r.pool.QueryRow(ctx, q, g.OrganizationID, g.Name, g.Category, g.Type, g.MaxPlayers, g.SuggestedBy, g.CoverImageURL).
		Scan(&g.ID, &g.WasDrawn, &g.DrawCount, &g.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

// ApplyDraw persists the draw fields of upd. With conditional set, the write only lands if the
// row still has the draw state the update was computed from.
func (r *Repository) ApplyDraw(ctx context.Context, orgID uuid.UUID, upd rotation.Update, conditional bool) error {
	q := `UPDATE games SET draw_count = $3, was_drawn = $4, last_drawn_at = $5
		WHERE organization_id = $1 AND id = $2`
	args := []any{orgID, upd.GameID, upd.DrawCount, upd.WasDrawn, upd.LastDrawnAt}
	if conditional {
		q += ` AND was_drawn = FALSE AND draw_count = $6`
		args = append(args, upd.PrevDrawCount)
	}
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("apply draw: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if conditional {
			return ErrDrawConflict
		}
		return ErrGameNotFound
	}
	return nil
}

// SetCover records the imported cover key and the URL clients load it from, and returns the
// object key it replaced, if any.
func (r *Repository) SetCover(ctx context.Context, orgID, gameID uuid.UUID, url, key string) (string, error) {
	const q = `UPDATE games g SET cover_image_url = $3, cover_s3_key = $4
		FROM (SELECT id, cover_s3_key FROM games WHERE organization_id = $1 AND id = $2 FOR UPDATE) prev
		WHERE g.id = prev.id
		RETURNING COALESCE(prev.cover_s3_key, '')`
	var previous string
	err := r.pool.QueryRow(ctx, q, orgID, gameID, url, key).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrGameNotFound
	}
	if err != nil {
		return "", fmt.Errorf("set cover: %w", err)
	}
	return previous, nil
}

// CoverKey returns the S3 key of a game's imported cover, or "" if none was imported.
func (r *Repository) CoverKey(ctx context.Context, orgID, gameID uuid.UUID) (string, error) {
	var key string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(cover_s3_key, '') FROM games WHERE organization_id = $1 AND id = $2`, orgID, gameID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrGameNotFound
	}
	return key, err
}

func scanGame(row pgx.Row) (*models.Game, error) {
	var (
		g        models.Game
		category string
		typ      string
	)
	err := row.Scan(&g.ID, &g.OrganizationID, &g.Name, &category, &typ, &g.MaxPlayers, &g.WasDrawn, &g.DrawCount,
		&g.LastDrawnAt, &g.SuggestedBy, &g.CoverImageURL, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Category = models.GameCategory(category)
	g.Type = models.GameType(typ)
	return &g, nil
}
