package ruleset

import (
	"encoding/json"
	"testing"

	"github.com/jason-s-yu/duel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func move(t *testing.T, actor string, cell int) models.GameAction {
	payload, err := json.Marshal(TicTacToeMove{Cell: cell})
	require.NoError(t, err)
	return models.GameAction{Type: models.ActionMove, ActorID: actor, Payload: payload}
}

func newTicTacToe(t *testing.T) (TicTacToe, json.RawMessage) {
	rs := TicTacToe{}
	st, err := rs.Initial([]models.Player{
		{UserID: "alice", PlayerNumber: 1},
		{UserID: "bob", PlayerNumber: 2},
	})
	require.NoError(t, err)
	return rs, st
}

func TestTicTacToeWin(t *testing.T) {
	rs, st := newTicTacToe(t)
	assert.Equal(t, 1, rs.CurrentTurn(st))

	var err error
	for _, mv := range []models.GameAction{
		move(t, "alice", 0), move(t, "bob", 3),
		move(t, "alice", 1), move(t, "bob", 4),
		move(t, "alice", 2),
	} {
		require.Nil(t, rs.IsTerminal(st))
		st, err = rs.ApplyAction(st, mv)
		require.NoError(t, err)
	}

	out := rs.IsTerminal(st)
	require.NotNil(t, out)
	assert.Equal(t, "alice", out.WinnerID)
	assert.Equal(t, models.ReasonWin, out.Reason)
	assert.Equal(t, 0, rs.CurrentTurn(st))
}

func TestTicTacToeRejectsOutOfTurnAndTakenCells(t *testing.T) {
	rs, st := newTicTacToe(t)

	_, err := rs.ApplyAction(st, move(t, "bob", 0))
	assert.ErrorIs(t, err, ErrIllegalMove)

	st, err = rs.ApplyAction(st, move(t, "alice", 4))
	require.NoError(t, err)
	assert.Equal(t, 2, rs.CurrentTurn(st))

	_, err = rs.ApplyAction(st, move(t, "bob", 4))
	assert.ErrorIs(t, err, ErrIllegalMove)

	_, err = rs.ApplyAction(st, move(t, "mallory", 5))
	assert.ErrorIs(t, err, ErrIllegalMove)
}

func TestTicTacToeDraw(t *testing.T) {
	rs, st := newTicTacToe(t)
	// X O X / X O O / O X X
	order := []struct {
		actor string
		cell  int
	}{
		{"alice", 0}, {"bob", 1}, {"alice", 2}, {"bob", 4}, {"alice", 3},
		{"bob", 5}, {"alice", 7}, {"bob", 6}, {"alice", 8},
	}
	var err error
	for _, o := range order {
		st, err = rs.ApplyAction(st, move(t, o.actor, o.cell))
		require.NoError(t, err)
	}
	out := rs.IsTerminal(st)
	require.NotNil(t, out)
	assert.Empty(t, out.WinnerID)
	assert.Equal(t, models.ReasonDraw, out.Reason)
}

func TestRegistryUnknownGame(t *testing.T) {
	_, err := DefaultRegistry().Get("chess")
	assert.ErrorIs(t, err, ErrUnknownGame)

	rs, err := DefaultRegistry().Get(TicTacToeID)
	require.NoError(t, err)
	assert.IsType(t, TicTacToe{}, rs)
}
