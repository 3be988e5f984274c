// Package games holds the game catalog and the draw flow that ties the rotation engine to storage.
package games

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/internal/policy"
	"github.com/orgplay/backend/internal/realtime"
	"github.com/orgplay/backend/internal/rotation"
	"github.com/orgplay/backend/pkg/queue"
	"github.com/orgplay/backend/pkg/utils"
)

// ErrNoCover means the game has no imported cover image.
var ErrNoCover = errors.New("game has no imported cover")

// ValidationError reports an invalid field of a new game.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

// Store is the game catalog used by the service.
type Store interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]models.Game, error)
	Insert(ctx context.Context, g *models.Game) error
	ApplyDraw(ctx context.Context, orgID uuid.UUID, upd rotation.Update, conditional bool) error
	CoverKey(ctx context.Context, orgID, gameID uuid.UUID) (string, error)
}

// Guard rejects a draw while the same member already has one in flight.
type Guard interface {
	Acquire(ctx context.Context, orgID, userID uuid.UUID) (release func(), err error)
}

// Notifier publishes organization events.
type Notifier interface {
	Publish(orgID uuid.UUID, event string, payload interface{})
}

// CoverEnqueuer schedules cover image imports.
type CoverEnqueuer interface {
	EnqueueCoverImport(ctx context.Context, payload queue.CoverImportPayload) error
}

// Presigner signs cover download URLs.
type Presigner interface {
	PresignCover(ctx context.Context, key string) (string, error)
}

// AddGameInput is a game suggestion.
type AddGameInput struct {
	Name          string
	Category      models.GameCategory
	Type          models.GameType
	MaxPlayers    int
	CoverImageURL string
	// SuggestedBy is the adding user's display name.
	SuggestedBy string
}

// DrawResult is the outcome of a draw. When Exhausted is set, Game and Update are nil.
type DrawResult struct {
	Exhausted bool             `json:"exhausted"`
	Game      *models.Game     `json:"game,omitempty"`
	Update    *rotation.Update `json:"update,omitempty"`
}

// Service runs game operations for an already resolved member.
type Service struct {
	store       Store
	engine      *rotation.Engine
	guard       Guard
	notifier    Notifier
	covers      CoverEnqueuer
	presigner   Presigner
	conditional bool
	logger      *zap.Logger
}

// Options are the optional collaborators of a Service.
type Options struct {
	Guard     Guard
	Notifier  Notifier
	Covers    CoverEnqueuer
	Presigner Presigner
	// ConditionalDraws makes draw writes fail with ErrDrawConflict instead of last write wins.
	ConditionalDraws bool
	Logger           *zap.Logger
}

// NewService creates a game service.
func NewService(store Store, engine *rotation.Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		engine:      engine,
		guard:       opts.Guard,
		notifier:    opts.Notifier,
		covers:      opts.Covers,
		presigner:   opts.Presigner,
		conditional: opts.ConditionalDraws,
		logger:      logger,
	}
}

// List returns the actor's organization catalog.
func (s *Service) List(ctx context.Context, actor *models.Member) ([]models.Game, error) {
	if err := policy.Authorize(actor, policy.ActionView); err != nil {
		return nil, err
	}
	games, err := s.store.ListByOrganization(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return games, nil
}

// Add validates and stores a new game in the actor's organization.
func (s *Service) Add(ctx context.Context, actor *models.Member, in AddGameInput) (*models.Game, error) {
	if err := policy.Authorize(actor, policy.ActionAddGame); err != nil {
		return nil, err
	}
	g, err := newGame(actor.OrganizationID, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, g); err != nil {
		return nil, err
	}

	if g.CoverImageURL != "" && s.covers != nil {
		payload := queue.CoverImportPayload{OrganizationID: g.OrganizationID, GameID: g.ID, SourceURL: g.CoverImageURL}
		if err := s.covers.EnqueueCoverImport(ctx, payload); err != nil {
			s.logger.Warn("enqueue cover import failed", zap.String("game_id", g.ID.String()), zap.Error(err))
		}
	}
	s.publish(g.OrganizationID, realtime.EventGameAdded, g)
	return g, nil
}

// Draw picks the next game for the actor's organization and persists the update.
// An exhausted catalog is reported through DrawResult, not as an error.
func (s *Service) Draw(ctx context.Context, actor *models.Member) (DrawResult, error) {
	if err := policy.Authorize(actor, policy.ActionDrawGame); err != nil {
		return DrawResult{}, err
	}
	orgID := actor.OrganizationID

	if s.guard != nil && actor.UserID != nil {
		release, err := s.guard.Acquire(ctx, orgID, *actor.UserID)
		if err != nil {
			return DrawResult{}, err
		}
		defer release()
	}

	catalog, err := s.store.ListByOrganization(ctx, orgID)
	if err != nil {
		return DrawResult{}, fmt.Errorf("list games: %w", err)
	}

	selected, upd, err := s.engine.DrawNext(catalog, orgID)
	if errors.Is(err, rotation.ErrNoEligibleGames) {
		s.publish(orgID, realtime.EventGamesExhausted, DrawResult{Exhausted: true})
		return DrawResult{Exhausted: true}, nil
	}
	if err != nil {
		return DrawResult{}, err
	}

	if err := s.store.ApplyDraw(ctx, orgID, upd, s.conditional); err != nil {
		if errors.Is(err, ErrDrawConflict) {
			return DrawResult{}, err
		}
		return DrawResult{}, fmt.Errorf("persist draw of %s: %w", upd.GameID, err)
	}

	res := DrawResult{Game: &selected, Update: &upd}
	s.publish(orgID, realtime.EventGameDrawn, res)
	return res, nil
}

// CoverURL returns a signed download URL for a game's imported cover.
func (s *Service) CoverURL(ctx context.Context, actor *models.Member, gameID uuid.UUID) (string, error) {
	if err := policy.Authorize(actor, policy.ActionView); err != nil {
		return "", err
	}
	key, err := s.store.CoverKey(ctx, actor.OrganizationID, gameID)
	if err != nil {
		return "", err
	}
	if key == "" || s.presigner == nil {
		return "", ErrNoCover
	}
	return s.presigner.PresignCover(ctx, key)
}

func (s *Service) publish(orgID uuid.UUID, event string, payload interface{}) {
	if s.notifier != nil {
		s.notifier.Publish(orgID, event, payload)
	}
}

func newGame(orgID uuid.UUID, in AddGameInput) (*models.Game, error) {
	name := strings.TrimSpace(in.Name)
	if len([]rune(name)) < 2 {
		return nil, &ValidationError{Field: "name", Msg: "must be at least 2 characters"}
	}
	if !in.Category.Valid() {
		return nil, &ValidationError{Field: "category", Msg: "must be co-op or single-player"}
	}
	if !in.Type.Valid() {
		return nil, &ValidationError{Field: "type", Msg: "must be casual or historical"}
	}
	if in.MaxPlayers < 1 {
		return nil, &ValidationError{Field: "max_players", Msg: "must be at least 1"}
	}
	cover := strings.TrimSpace(in.CoverImageURL)
	if cover != "" {
		err := utils.CheckFetchURL(cover, utils.PublicIP)
		if errors.Is(err, utils.ErrDisallowedAddress) {
			return nil, &ValidationError{Field: "cover_image_url", Msg: "must not point to a local or private address"}
		}
		if err != nil {
			return nil, &ValidationError{Field: "cover_image_url", Msg: "must be an http(s) URL"}
		}
	}
	return &models.Game{
		OrganizationID: orgID,
		Name:           name,
		Category:       in.Category,
		Type:           in.Type,
		MaxPlayers:     in.MaxPlayers,
		SuggestedBy:    in.SuggestedBy,
		CoverImageURL:  cover,
	}, nil
}
