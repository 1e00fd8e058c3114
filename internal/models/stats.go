package models

// PlayerStats is the leaderboard row for one user.
type PlayerStats struct {
	UserID      string `json:"userId"`
	GamesPlayed int    `json:"gamesPlayed"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Draws       int    `json:"draws"`

	// Glicko-2 rating, only moved by ranked rooms.
	Rating          float64 `json:"rating"`
	RatingDeviation float64 `json:"ratingDeviation"`
	Volatility      float64 `json:"volatility"`
}

// NewPlayerStats returns the starting row for a user with no history.
func NewPlayerStats(userID string) PlayerStats {
	return PlayerStats{
		UserID:          userID,
		Rating:          1500,
		RatingDeviation: 350,
		Volatility:      0.06,
	}
}
