package models

import (
	"time"

	"github.com/google/uuid"
)

// GameCategory is how a game is played.
type GameCategory string

const (
	CategoryCoop         GameCategory = "co-op"
	CategorySinglePlayer GameCategory = "single-player"
)

// Valid reports whether c is a known category.
func (c GameCategory) Valid() bool {
	return c == CategoryCoop || c == CategorySinglePlayer
}

// GameType governs how many draws a game survives before it is retired.
type GameType string

const (
	TypeCasual     GameType = "casual"
	TypeHistorical GameType = "historical"
)

// Valid reports whether t is a known type.
func (t GameType) Valid() bool {
	return t == TypeCasual || t == TypeHistorical
}

// Game is one playable title in an organization's catalog.
type Game struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	Name           string       `json:"name"`
	Category       GameCategory `json:"category"`
	Type           GameType     `json:"type"`
	MaxPlayers     int          `json:"max_players"`
	WasDrawn       bool         `json:"was_drawn"`
	DrawCount      int          `json:"draw_count"`
	LastDrawnAt    *time.Time   `json:"last_drawn_at,omitempty"`
	SuggestedBy    string       `json:"suggested_by"`
	CoverImageURL  string       `json:"cover_image_url,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
