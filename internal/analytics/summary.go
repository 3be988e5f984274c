// Package analytics folds an organization's catalog and membership into dashboard metrics.
package analytics

import (
	"github.com/orgplay/backend/internal/models"
)

// Metrics is the dashboard summary for one organization.
type Metrics struct {
	GameCount            int          `json:"game_count"`
	DrawnGamesPercentage int          `json:"drawn_games_percentage"`
	MemberCount          int          `json:"member_count"`
	LastDrawnGame        *models.Game `json:"last_drawn_game,omitempty"`
}

// Summarize computes Metrics from point-in-time snapshots. Only members with the plain
// "member" role are counted.
func Summarize(games []models.Game, members []models.Member) Metrics {
	m := Metrics{GameCount: len(games)}

	drawn := 0
	for i := range games {
		g := &games[i]
		if g.WasDrawn {
			drawn++
		}
		if g.LastDrawnAt == nil {
			continue
		}
		if m.LastDrawnGame == nil || g.LastDrawnAt.After(*m.LastDrawnGame.LastDrawnAt) {
			last := *g
			m.LastDrawnGame = &last
		}
	}
	m.DrawnGamesPercentage = percentRoundHalfUp(drawn, len(games))

	for _, mem := range members {
		if mem.Role == models.RoleMember {
			m.MemberCount++
		}
	}
	return m
}

// percentRoundHalfUp returns round(100*part/total) with halves rounded up, or 0 for an empty total.
func percentRoundHalfUp(part, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*part + total) / (2 * total)
}
