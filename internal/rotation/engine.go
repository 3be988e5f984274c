// Package rotation picks the next game an organization plays and decides when a game retires.
package rotation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orgplay/backend/internal/models"
)

// CasualRetireThreshold is the draw count at which a casual game leaves rotation.
const CasualRetireThreshold = 5

var (
	// ErrNoEligibleGames means every game of the organization has been drawn. It is an outcome,
	// not a failure.
	ErrNoEligibleGames = errors.New("no undrawn games left")
	// ErrUnknownGameType is matched by IntegrityError.
	ErrUnknownGameType = errors.New("unknown game type")
)

// IntegrityError reports a stored game whose type has no retirement policy.
type IntegrityError struct {
	GameID uuid.UUID
	Type   models.GameType
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("game %s: unknown game type %q", e.GameID, e.Type)
}

// Is lets errors.Is(err, ErrUnknownGameType) match.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrUnknownGameType
}

// Source is the random source used for selection. *math/rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

// Update holds the draw fields to persist for the selected game.
type Update struct {
	GameID         uuid.UUID `json:"game_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	DrawCount      int       `json:"draw_count"`
	WasDrawn       bool      `json:"was_drawn"`
	LastDrawnAt    time.Time `json:"last_drawn_at"`
	// PrevDrawCount is the count read from the snapshot, used by conditional writes.
	PrevDrawCount int `json:"-"`
}

// Apply returns g with the update applied.
func (u Update) Apply(g models.Game) models.Game {
	at := u.LastDrawnAt
	g.DrawCount = u.DrawCount
	g.WasDrawn = u.WasDrawn
	g.LastDrawnAt = &at
	return g
}

// Engine selects games. It does no I/O; callers persist the returned Update.
type Engine struct {
	mu  sync.Mutex
	rng Source
	now func() time.Time
}

// NewEngine creates an engine. now defaults to time.Now.
func NewEngine(rng Source, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{rng: rng, now: now}
}

// Eligible returns the games of orgID that have not been retired, in catalog order.
func Eligible(catalog []models.Game, orgID uuid.UUID) []models.Game {
	var out []models.Game
	for _, g := range catalog {
		if g.OrganizationID == orgID && !g.WasDrawn {
			out = append(out, g)
		}
	}
	return out
}

// DrawNext picks one eligible game uniformly at random and computes its update.
// The returned game is the pre-update snapshot.
func (e *Engine) DrawNext(catalog []models.Game, orgID uuid.UUID) (models.Game, Update, error) {
	eligible := Eligible(catalog, orgID)
	if len(eligible) == 0 {
		return models.Game{}, Update{}, ErrNoEligibleGames
	}

	e.mu.Lock()
	idx := e.rng.Intn(len(eligible))
	at := e.now()
	e.mu.Unlock()

	selected := eligible[idx]
	upd, err := ComputeUpdate(selected, at)
	if err != nil {
		return models.Game{}, Update{}, err
	}
	return selected, upd, nil
}

// ComputeUpdate applies the retirement policy to g drawn at time at.
func ComputeUpdate(g models.Game, at time.Time) (Update, error) {
	upd := Update{
		GameID:         g.ID,
		OrganizationID: g.OrganizationID,
		DrawCount:      g.DrawCount,
		LastDrawnAt:    at,
		PrevDrawCount:  g.DrawCount,
	}
	switch g.Type {
	case models.TypeCasual:
		upd.DrawCount = g.DrawCount + 1
		upd.WasDrawn = upd.DrawCount >= CasualRetireThreshold
	case models.TypeHistorical:
		upd.WasDrawn = true
	default:
		return Update{}, &IntegrityError{GameID: g.ID, Type: g.Type}
	}
	return upd, nil
}
