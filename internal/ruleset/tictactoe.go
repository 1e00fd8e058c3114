package ruleset

import (
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/duel/internal/models"
)

// TicTacToeID is the gameId rooms use for tic-tac-toe.
const TicTacToeID = "tictactoe"

var tttLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// TicTacToe is a two-seat 3x3 ruleset. The lowest playerNumber moves first.
type TicTacToe struct{}

// TicTacToeSeat binds a playerNumber to the user sitting there.
type TicTacToeSeat struct {
	PlayerNumber int    `json:"playerNumber"`
	UserID       string `json:"userId"`
}

// TicTacToeState is the state blob stored on the room.
type TicTacToeState struct {
	Board [9]int          `json:"board"` // 0 = empty, otherwise the playerNumber that marked it
	Seats []TicTacToeSeat `json:"seats"`
	Turn  int             `json:"turn"`
	Moves int             `json:"moves"`
}

// TicTacToeMove is the payload of a move action.
type TicTacToeMove struct {
	Cell int `json:"cell"`
}

func (TicTacToe) Initial(players []models.Player) (json.RawMessage, error) {
	if len(players) != 2 {
		return nil, fmt.Errorf("tictactoe needs 2 players, got %d", len(players))
	}
	st := TicTacToeState{}
	for _, p := range players {
		st.Seats = append(st.Seats, TicTacToeSeat{PlayerNumber: p.PlayerNumber, UserID: p.UserID})
	}
	st.Turn = st.Seats[0].PlayerNumber
	if st.Seats[1].PlayerNumber < st.Turn {
		st.Turn = st.Seats[1].PlayerNumber
	}
	return json.Marshal(st)
}

func (t TicTacToe) ApplyAction(state json.RawMessage, action models.GameAction) (json.RawMessage, error) {
	st, err := decodeTicTacToe(state)
	if err != nil {
		return nil, err
	}
	if action.Type != models.ActionMove {
		return nil, fmt.Errorf("%w: tictactoe only accepts moves, got %q", ErrIllegalMove, action.Type)
	}
	if t.IsTerminal(state) != nil {
		return nil, fmt.Errorf("%w: game is over", ErrIllegalMove)
	}
	seat, ok := st.seatOf(action.ActorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not seated", ErrIllegalMove, action.ActorID)
	}
	if seat.PlayerNumber != st.Turn {
		return nil, fmt.Errorf("%w: not player %d's turn", ErrIllegalMove, seat.PlayerNumber)
	}
	var mv TicTacToeMove
	if err := json.Unmarshal(action.Payload, &mv); err != nil {
		return nil, fmt.Errorf("%w: bad move payload: %v", ErrIllegalMove, err)
	}
	if mv.Cell < 0 || mv.Cell >= len(st.Board) || st.Board[mv.Cell] != 0 {
		return nil, fmt.Errorf("%w: cell %d unavailable", ErrIllegalMove, mv.Cell)
	}

	st.Board[mv.Cell] = seat.PlayerNumber
	st.Moves++
	for _, s := range st.Seats {
		if s.PlayerNumber != seat.PlayerNumber {
			st.Turn = s.PlayerNumber
		}
	}
	return json.Marshal(st)
}

func (TicTacToe) IsTerminal(state json.RawMessage) *Outcome {
	st, err := decodeTicTacToe(state)
	if err != nil {
		return nil
	}
	for _, line := range tttLines {
		mark := st.Board[line[0]]
		if mark != 0 && mark == st.Board[line[1]] && mark == st.Board[line[2]] {
			for _, s := range st.Seats {
				if s.PlayerNumber == mark {
					return &Outcome{WinnerID: s.UserID, Reason: models.ReasonWin}
				}
			}
		}
	}
	if st.Moves >= len(st.Board) {
		return &Outcome{Reason: models.ReasonDraw}
	}
	return nil
}

func (t TicTacToe) CurrentTurn(state json.RawMessage) int {
	if t.IsTerminal(state) != nil {
		return 0
	}
	st, err := decodeTicTacToe(state)
	if err != nil {
		return 0
	}
	return st.Turn
}

func (st TicTacToeState) seatOf(userID string) (TicTacToeSeat, bool) {
	for _, s := range st.Seats {
		if s.UserID == userID {
			return s, true
		}
	}
	return TicTacToeSeat{}, false
}

func decodeTicTacToe(state json.RawMessage) (TicTacToeState, error) {
	var st TicTacToeState
	if len(state) == 0 {
		return st, fmt.Errorf("%w: empty state", ErrIllegalMove)
	}
	if err := json.Unmarshal(state, &st); err != nil {
		return st, fmt.Errorf("%w: bad state: %v", ErrIllegalMove, err)
	}
	return st, nil
}
