package rating

import (
	"math"

	"github.com/jason-s-yu/duel/internal/models"
)

// Update1v1 rates one game between a and b. scoreA is a's result: 1 win,
// 0.5 draw, 0 loss. Both sides are rated against the other's pre-game rating.
func Update1v1(a, b models.PlayerStats, scoreA float64) (models.PlayerStats, models.PlayerStats) {
	ra := fromStats(a)
	rb := fromStats(b)
	na := update(ra, rb, scoreA)
	nb := update(rb, ra, 1-scoreA)
	return toStats(a, na), toStats(b, nb)
}

// ApplyResult updates win/loss counters for both players of a finished room
// and, when ranked, their ratings. An empty winnerID is a draw.
func ApplyResult(a, b models.PlayerStats, winnerID string, ranked bool) (models.PlayerStats, models.PlayerStats) {
	scoreA := 0.5
	switch winnerID {
	case a.UserID:
		scoreA = 1
	case b.UserID:
		scoreA = 0
	}

	a.GamesPlayed++
	b.GamesPlayed++
	switch scoreA {
	case 1:
		a.Wins++
		b.Losses++
	case 0:
		a.Losses++
		b.Wins++
	default:
		a.Draws++
		b.Draws++
	}

	if ranked {
		a, b = Update1v1(a, b, scoreA)
	}
	return a, b
}

func fromStats(s models.PlayerStats) Glicko2Rating {
	rating, rd, vol := s.Rating, s.RatingDeviation, s.Volatility
	if rd <= 0 {
		rd = DefaultDeviation
	}
	if vol <= 0 {
		vol = DefaultVolatility
	}
	return NewGlicko2Rating(rating, rd, vol)
}

func toStats(s models.PlayerStats, r Glicko2Rating) models.PlayerStats {
	s.Rating = math.Round(r.Rating()*100) / 100
	s.RatingDeviation = math.Round(r.Deviation()*100) / 100
	s.Volatility = r.Sigma
	return s
}
