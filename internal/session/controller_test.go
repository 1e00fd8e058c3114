package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/matchmaking"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/jason-s-yu/duel/internal/ruleset"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	userID string
	name   string
}

func (p staticProvider) CurrentUserID() (string, bool) { return p.userID, p.userID != "" }
func (p staticProvider) Profile() auth.Profile         { return auth.Profile{UserID: p.userID, Username: p.name} }
func (p staticProvider) Token() string                 { return "" }

// fakeRegistry holds one server-side room and lets tests override each call.
type fakeRegistry struct {
	mu    sync.Mutex
	room  models.Room
	calls map[string]int

	pair   func(ctx context.Context, userID string) (*models.Room, error)
	create func(ctx context.Context, userID string) (*models.CreateRoomResponse, error)
	join   func(ctx context.Context, userID, code string) (*models.JoinResponse, error)
	action func(ctx context.Context, t models.ActionType, data json.RawMessage) (*models.ActionResponse, error)
	leave  func(ctx context.Context) error
	get    func(ctx context.Context) (*models.Room, error)
}

func newFakeRegistry(room models.Room) *fakeRegistry {
	return &fakeRegistry{room: room, calls: map[string]int{}}
}

func (f *fakeRegistry) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRegistry) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeRegistry) setRoom(fn func(r *models.Room)) {
	f.mu.Lock()
	fn(&f.room)
	f.mu.Unlock()
}

func (f *fakeRegistry) snapshot() *models.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.room.Clone()
	return &r
}

func (f *fakeRegistry) PairOrQueue(ctx context.Context, userID, gameID string, mode models.Mode) (*models.Room, error) {
	f.hit("pair")
	if f.pair != nil {
		return f.pair(ctx, userID)
	}
	return f.snapshot(), nil
}

func (f *fakeRegistry) CreateRoom(ctx context.Context, userID, gameID string, mode models.Mode, isPrivate bool) (*models.CreateRoomResponse, error) {
	f.hit("create")
	if f.create != nil {
		return f.create(ctx, userID)
	}
	return &models.CreateRoomResponse{Room: *f.snapshot(), Code: "AB12CD", PlayerNumber: 1}, nil
}

func (f *fakeRegistry) JoinByCode(ctx context.Context, userID, code string) (*models.JoinResponse, error) {
	f.hit("join")
	if f.join != nil {
		return f.join(ctx, userID, code)
	}
	return &models.JoinResponse{Room: *f.snapshot(), PlayerNumber: 2}, nil
}

func (f *fakeRegistry) PostAction(ctx context.Context, roomID, userID string, t models.ActionType, data json.RawMessage) (*models.ActionResponse, error) {
	f.hit("action:" + string(t))
	if f.action != nil {
		return f.action(ctx, t, data)
	}
	if t == models.ActionReady {
		var rp models.ReadyPayload
		if err := json.Unmarshal(data, &rp); err != nil {
			return nil, err
		}
		f.setRoom(func(r *models.Room) {
			for i := range r.Players {
				if r.Players[i].UserID == userID {
					r.Players[i].Ready = rp.Ready
				}
			}
		})
	}
	return &models.ActionResponse{OK: true}, nil
}

func (f *fakeRegistry) Leave(ctx context.Context, roomID, userID string) error {
	f.hit("leave")
	if f.leave != nil {
		return f.leave(ctx)
	}
	return nil
}

func (f *fakeRegistry) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	f.hit("get")
	if f.get != nil {
		return f.get(ctx)
	}
	return f.snapshot(), nil
}

func (f *fakeRegistry) PlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	st := models.NewPlayerStats(userID)
	return &st, nil
}

// fakeChannel captures callbacks so tests can push events by hand.
type fakeChannel struct {
	mu          sync.Mutex
	roomID      string
	cb          realtime.Callbacks
	subscribes  int
	disconnects int
	published   []json.RawMessage
}

func (f *fakeChannel) Subscribe(ctx context.Context, roomID, userID string, cb realtime.Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomID, f.cb = roomID, cb
	f.subscribes++
	return nil
}

func (f *fakeChannel) UpdateGameState(ctx context.Context, state json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomID == "" {
		return realtime.ErrNotSubscribed
	}
	f.published = append(f.published, state)
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomID = ""
	f.disconnects++
}

func (f *fakeChannel) callbacks() realtime.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

type hookCounter struct {
	started atomic.Int32
	ended   atomic.Int32
	actions atomic.Int32
}

func (h *hookCounter) hooks() Hooks {
	return Hooks{
		OnGameStarted: func(models.Room) { h.started.Add(1) },
		OnGameEnded:   func(models.GameResult) { h.ended.Add(1) },
		OnAction:      func(models.GameAction) { h.actions.Add(1) },
	}
}

func waitingRoom() models.Room {
	return models.Room{
		ID:       "r1",
		GameID:   ruleset.TicTacToeID,
		Mode:     models.ModeCasual,
		Status:   models.StatusReady,
		Capacity: 2,
		Players: []models.Player{
			{UserID: "u1", Username: "alice", PlayerNumber: 1},
			{UserID: "u2", Username: "bob", PlayerNumber: 2},
		},
	}
}

func newTestController(t *testing.T, provider auth.Provider, reg *fakeRegistry, hooks Hooks) (*Controller, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	c := NewController(provider, reg, ch, Options{
		GameID:           ruleset.TicTacToeID,
		PollInterval:     10 * time.Millisecond,
		PollCeiling:      2 * time.Second,
		ResubscribeDelay: time.Hour,
		Hooks:            hooks,
	}, logrus.New())
	t.Cleanup(c.Close)
	return c, ch
}

func seated(t *testing.T, reg *fakeRegistry, hooks Hooks) (*Controller, *fakeChannel) {
	t.Helper()
	c, ch := newTestController(t, staticProvider{userID: "u1", name: "alice"}, reg, hooks)
	require.NoError(t, c.FindMatch(context.Background(), models.ModeCasual))
	require.Equal(t, StatusWaiting, c.View().Status)
	return c, ch
}

func TestUnauthenticatedFailsBeforeNetwork(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, _ := newTestController(t, staticProvider{}, reg, Hooks{})

	assert.ErrorIs(t, c.FindMatch(context.Background(), models.ModeCasual), ErrUnauthenticated)
	_, err := c.CreatePrivateRoom(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, c.JoinByCode(context.Background(), "AB12CD"), ErrUnauthenticated)

	v := c.View()
	assert.Equal(t, StatusIdle, v.Status)
	assert.Equal(t, ErrUnauthenticated.Error(), v.Error)
	assert.Zero(t, reg.count("pair")+reg.count("create")+reg.count("join"))
}

func TestFindMatchAdoptsRoomAndSubscribes(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})

	v := c.View()
	assert.Equal(t, 1, v.MyPlayerNumber)
	require.NotNil(t, v.Opponent)
	assert.Equal(t, "u2", v.Opponent.UserID)
	assert.True(t, v.IsConnected)
	assert.Equal(t, ModeRealtime, v.ConnectionMode)
	assert.Equal(t, "r1", ch.roomID)
	assert.GreaterOrEqual(t, reg.count("get"), 1, "follow-up refresh")

	require.Eventually(t, func() bool {
		v := c.View()
		return v.MyStats != nil && v.OpponentStats != nil
	}, time.Second, 5*time.Millisecond)
}

func TestFindMatchWhileInRoom(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, _ := seated(t, reg, Hooks{})

	assert.ErrorIs(t, c.FindMatch(context.Background(), models.ModeCasual), ErrAlreadyInRoom)
	assert.Equal(t, StatusWaiting, c.View().Status)
	assert.Equal(t, 1, reg.count("pair"))
}

func TestCancelSearchDiscardsLateResponse(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	entered := make(chan struct{})
	release := make(chan struct{})
	reg.pair = func(ctx context.Context, userID string) (*models.Room, error) {
		close(entered)
		<-release // ignores ctx: the relay answered anyway
		r := waitingRoom()
		return &r, nil
	}
	c, ch := newTestController(t, staticProvider{userID: "u1"}, reg, Hooks{})

	result := make(chan error, 1)
	go func() { result <- c.FindMatch(context.Background(), models.ModeCasual) }()
	<-entered
	assert.True(t, c.View().IsSearching)

	c.CancelSearch()
	v := c.View()
	assert.Equal(t, StatusIdle, v.Status)
	assert.Empty(t, v.Error)

	close(release)
	assert.ErrorIs(t, <-result, ErrCancelled)

	v = c.View()
	assert.Equal(t, StatusIdle, v.Status)
	assert.Empty(t, v.Error)
	assert.Nil(t, v.Room)
	assert.Zero(t, ch.subscribes)
	require.Eventually(t, func() bool { return reg.count("leave") == 1 }, time.Second, 5*time.Millisecond)
}

func TestLateResponseKeepsSeatOfRetriedSearch(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	reg.pair = func(ctx context.Context, userID string) (*models.Room, error) {
		if first.CompareAndSwap(true, false) {
			close(entered)
			<-release
		}
		// The relay hands back the same queued room to a repeated search.
		return reg.snapshot(), nil
	}
	c, ch := newTestController(t, staticProvider{userID: "u1"}, reg, Hooks{})

	result := make(chan error, 1)
	go func() { result <- c.FindMatch(context.Background(), models.ModeCasual) }()
	<-entered
	c.CancelSearch()

	require.NoError(t, c.FindMatch(context.Background(), models.ModeCasual))
	close(release)
	assert.ErrorIs(t, <-result, ErrCancelled)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, reg.count("leave"))
	v := c.View()
	assert.Equal(t, StatusWaiting, v.Status)
	require.NotNil(t, v.Room)
	assert.Equal(t, "r1", v.Room.ID)
	assert.Equal(t, 1, ch.subscribes)
}

func TestLateResponseWhileRetryInFlight(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	firstIn, secondIn := make(chan struct{}), make(chan struct{})
	releaseFirst, releaseSecond := make(chan struct{}), make(chan struct{})
	var calls atomic.Int32
	reg.pair = func(ctx context.Context, userID string) (*models.Room, error) {
		switch calls.Add(1) {
		case 1:
			close(firstIn)
			<-releaseFirst
		case 2:
			close(secondIn)
			<-releaseSecond
		}
		return reg.snapshot(), nil
	}
	c, _ := newTestController(t, staticProvider{userID: "u1"}, reg, Hooks{})

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.FindMatch(context.Background(), models.ModeCasual) }()
	<-firstIn
	c.CancelSearch()

	secondDone := make(chan error, 1)
	go func() { secondDone <- c.FindMatch(context.Background(), models.ModeCasual) }()
	<-secondIn

	close(releaseFirst)
	assert.ErrorIs(t, <-firstDone, ErrCancelled)
	close(releaseSecond)
	require.NoError(t, <-secondDone)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, reg.count("leave"))
	assert.Equal(t, StatusWaiting, c.View().Status)
}

func TestCancelSearchAbortsRequest(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	reg.pair = func(ctx context.Context, userID string) (*models.Room, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, _ := newTestController(t, staticProvider{userID: "u1"}, reg, Hooks{})

	result := make(chan error, 1)
	go func() { result <- c.FindMatch(context.Background(), models.ModeCasual) }()
	require.Eventually(t, func() bool { return c.View().IsSearching }, time.Second, time.Millisecond)
	c.CancelSearch()

	assert.ErrorIs(t, <-result, ErrCancelled)
	assert.Equal(t, StatusIdle, c.View().Status)
	assert.Empty(t, c.View().Error)
}

func TestFindMatchFailureReturnsToIdle(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	reg.pair = func(ctx context.Context, userID string) (*models.Room, error) {
		return nil, matchmaking.ErrNetwork
	}
	c, _ := newTestController(t, staticProvider{userID: "u1"}, reg, Hooks{})

	assert.ErrorIs(t, c.FindMatch(context.Background(), models.ModeCasual), ErrNetwork)
	v := c.View()
	assert.Equal(t, StatusIdle, v.Status)
	assert.NotEmpty(t, v.Error)
}

func TestCreatePrivateRoomShowsPlaceholder(t *testing.T) {
	empty := waitingRoom()
	empty.Mode, empty.Status, empty.Players = models.ModePrivate, models.StatusWaiting, nil
	reg := newFakeRegistry(empty)
	c, ch := newTestController(t, staticProvider{userID: "u1", name: "alice"}, reg, Hooks{})

	code, err := c.CreatePrivateRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", code)

	v := c.View()
	assert.Equal(t, StatusWaiting, v.Status)
	require.Len(t, v.Players, 1)
	assert.True(t, v.Players[0].Placeholder)
	assert.Equal(t, "alice", v.Players[0].Username)

	// The authoritative row arrives with a differently encoded id.
	ch.callbacks().OnPlayerJoin(models.Player{UserID: "U1", Username: "alice", PlayerNumber: 1})
	v = c.View()
	require.Len(t, v.Players, 1)
	assert.False(t, v.Players[0].Placeholder)
	assert.Equal(t, "U1", v.Players[0].UserID)
}

func TestJoinByCodeCollapsesNotFoundAndFull(t *testing.T) {
	causes := []error{
		&matchmaking.APIError{Status: 404, Code: models.CodeRoomNotFound},
		&matchmaking.APIError{Status: 409, Code: models.CodeRoomFull},
	}
	for _, cause := range causes {
		reg := newFakeRegistry(waitingRoom())
		cause := cause
		reg.join = func(ctx context.Context, userID, code string) (*models.JoinResponse, error) {
			return nil, cause
		}
		c, _ := newTestController(t, staticProvider{userID: "u2"}, reg, Hooks{})

		err := c.JoinByCode(context.Background(), "NOPE42")
		assert.ErrorIs(t, err, ErrRoomUnavailable)
		assert.Equal(t, ErrRoomUnavailable.Error(), c.View().Error)
		assert.Equal(t, StatusIdle, c.View().Status)
	}
}

func TestSetReadyRollsBackExactly(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, _ := seated(t, reg, Hooks{})

	var during View
	reg.action = func(ctx context.Context, at models.ActionType, _ json.RawMessage) (*models.ActionResponse, error) {
		during = c.View()
		return nil, matchmaking.ErrNetwork
	}

	err := c.SetReady(context.Background(), true)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusReady, during.Status, "optimistic before the call resolves")

	v := c.View()
	assert.Equal(t, StatusWaiting, v.Status)
	assert.False(t, v.Players[0].Ready)
	assert.NotEmpty(t, v.Error)
}

func TestSetReadyArmsPollerAndDetectsStart(t *testing.T) {
	hc := &hookCounter{}
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, hc.hooks())

	require.NoError(t, c.SetReady(context.Background(), true))
	assert.Equal(t, StatusReady, c.View().Status)

	// The opponent readies and the relay starts the game, but the push is lost.
	reg.setRoom(func(r *models.Room) {
		r.Status = models.StatusPlaying
		r.Players[0].Ready, r.Players[1].Ready = true, true
		r.GameState, r.StateSeq = json.RawMessage(`{"board":[0,0,0,0,0,0,0,0,0],"seats":[{"userId":"u1","playerNumber":1},{"userId":"u2","playerNumber":2}],"turn":1,"moves":0}`), 1
	})
	require.Eventually(t, func() bool { return c.View().Status == StatusPlaying }, time.Second, 5*time.Millisecond)

	// The push shows up late; nothing fires twice.
	room := *reg.snapshot()
	ch.callbacks().OnGameStart(room)
	require.Eventually(t, func() bool { return hc.started.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hc.started.Load())

	v := c.View()
	assert.True(t, v.IsMyTurn)
	assert.Equal(t, int64(1), v.StateSeq)
}

func TestSetReadyGameStartedResponse(t *testing.T) {
	hc := &hookCounter{}
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, hc.hooks())
	reg.action = func(ctx context.Context, at models.ActionType, _ json.RawMessage) (*models.ActionResponse, error) {
		reg.setRoom(func(r *models.Room) { r.Status = models.StatusPlaying })
		return &models.ActionResponse{OK: true, GameStarted: true}, nil
	}

	require.NoError(t, c.SetReady(context.Background(), true))
	assert.Equal(t, StatusPlaying, c.View().Status)

	ch.callbacks().OnGameStart(*reg.snapshot())
	ch.callbacks().OnGameStart(*reg.snapshot())
	require.Eventually(t, func() bool { return hc.started.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hc.started.Load())
	assert.Equal(t, StatusPlaying, c.View().Status)
}

func TestGameStartedHookSeesPlayingRoom(t *testing.T) {
	started := make(chan models.Room, 2)
	reg := newFakeRegistry(waitingRoom())
	c, _ := seated(t, reg, Hooks{OnGameStarted: func(r models.Room) { started <- r }})
	state := json.RawMessage(`{"board":[0,0,0,0,0,0,0,0,0],"seats":[{"userId":"u1","playerNumber":1},{"userId":"u2","playerNumber":2}],"turn":1,"moves":0}`)
	reg.action = func(ctx context.Context, at models.ActionType, _ json.RawMessage) (*models.ActionResponse, error) {
		reg.setRoom(func(r *models.Room) {
			r.Status = models.StatusPlaying
			r.Players[0].Ready, r.Players[1].Ready = true, true
			r.GameState, r.StateSeq = state, 1
		})
		return &models.ActionResponse{OK: true, GameStarted: true}, nil
	}

	require.NoError(t, c.SetReady(context.Background(), true))

	var room models.Room
	select {
	case room = <-started:
	case <-time.After(time.Second):
		t.Fatal("OnGameStarted not called")
	}
	assert.Equal(t, models.StatusPlaying, room.Status)
	assert.JSONEq(t, string(state), string(room.GameState))
	assert.Equal(t, int64(1), room.StateSeq)
	assert.True(t, c.View().IsMyTurn)
}

func TestGameStartedHookWithoutRoomRead(t *testing.T) {
	started := make(chan models.Room, 2)
	reg := newFakeRegistry(waitingRoom())
	c, _ := seated(t, reg, Hooks{OnGameStarted: func(r models.Room) { started <- r }})
	reg.action = func(ctx context.Context, at models.ActionType, _ json.RawMessage) (*models.ActionResponse, error) {
		return &models.ActionResponse{OK: true, GameStarted: true}, nil
	}
	reg.get = func(ctx context.Context) (*models.Room, error) { return nil, matchmaking.ErrNetwork }

	require.NoError(t, c.SetReady(context.Background(), true))
	assert.Equal(t, StatusPlaying, c.View().Status)

	select {
	case room := <-started:
		assert.Equal(t, models.StatusPlaying, room.Status)
		assert.Equal(t, "r1", room.ID)
	case <-time.After(time.Second):
		t.Fatal("OnGameStarted not called")
	}
}

// sweepable makes GetRoom report room_not_found once the returned func is called.
func sweepable(reg *fakeRegistry) (sweep func()) {
	var gone atomic.Bool
	reg.get = func(ctx context.Context) (*models.Room, error) {
		if gone.Load() {
			return nil, &matchmaking.APIError{Status: 404, Code: models.CodeRoomNotFound}
		}
		return reg.snapshot(), nil
	}
	return func() { gone.Store(true) }
}

func TestRefreshOfMissingRoomFinishes(t *testing.T) {
	hc := &hookCounter{}
	reg := newFakeRegistry(waitingRoom())
	sweep := sweepable(reg)
	c, _ := seated(t, reg, hc.hooks())
	sweep()

	assert.ErrorIs(t, c.Refresh(context.Background()), matchmaking.ErrRoomNotFound)
	v := c.View()
	assert.Equal(t, StatusFinished, v.Status)
	assert.Equal(t, models.ReasonExpired, v.EndReason)
	assert.Empty(t, v.WinnerID)

	// A second read does not end it again.
	assert.ErrorIs(t, c.Refresh(context.Background()), matchmaking.ErrRoomNotFound)
	require.Eventually(t, func() bool { return hc.ended.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hc.ended.Load())
	assert.Equal(t, StatusFinished, c.View().Status)
}

func TestPollerFinishesWhenRoomDisappears(t *testing.T) {
	hc := &hookCounter{}
	reg := newFakeRegistry(waitingRoom())
	sweep := sweepable(reg)
	c, _ := seated(t, reg, hc.hooks())

	require.NoError(t, c.SetReady(context.Background(), true))
	require.Equal(t, StatusReady, c.View().Status)

	// The relay sweeps the room before the opponent readies.
	sweep()
	require.Eventually(t, func() bool { return c.View().Status == StatusFinished }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ReasonExpired, c.View().EndReason)
	require.Eventually(t, func() bool { return !c.poller.Active() }, time.Second, 5*time.Millisecond)

	gets := reg.count("get")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, gets, reg.count("get"), "no reads after the room is gone")
	assert.Equal(t, int32(1), hc.ended.Load())
}

func TestLateReadyEventAfterStartIsTolerated(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})
	cb := ch.callbacks()

	playing := waitingRoom()
	playing.Status = models.StatusPlaying
	cb.OnGameStart(playing)
	cb.OnPlayerReady(2, true)
	cb.OnPlayerReady(1, false)

	assert.Equal(t, StatusPlaying, c.View().Status)
}

func TestSnapshotsNeverRegress(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})
	cb := ch.callbacks()

	cb.OnGameStateUpdate(models.Snapshot{Seq: 3, State: json.RawMessage(`{"n":3}`)})
	cb.OnGameStateUpdate(models.Snapshot{Seq: 2, State: json.RawMessage(`{"n":2}`)})

	v := c.View()
	assert.Equal(t, int64(3), v.StateSeq)
	assert.JSONEq(t, `{"n":3}`, string(v.GameState))
}

func TestOpponentLeavingResetsReady(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})
	require.NoError(t, c.SetReady(context.Background(), true))

	ch.callbacks().OnPlayerLeave(2, "u2")
	v := c.View()
	assert.Equal(t, StatusWaiting, v.Status)
	require.Len(t, v.Players, 1)
	assert.False(t, v.Players[0].Ready)
	assert.Nil(t, v.Opponent)
}

func TestSurrenderWaitsForConfirmedEnd(t *testing.T) {
	hc := &hookCounter{}
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, hc.hooks())
	playing := waitingRoom()
	playing.Status = models.StatusPlaying
	reg.setRoom(func(r *models.Room) { r.Status = models.StatusPlaying })
	ch.callbacks().OnGameStart(playing)

	require.NoError(t, c.Surrender(context.Background()))
	assert.Equal(t, StatusPlaying, c.View().Status)
	assert.Equal(t, 1, reg.count("action:surrender"))

	result := models.GameResult{RoomID: "r1", WinnerID: "u2", Reason: models.ReasonSurrender}
	ch.callbacks().OnGameEnd(result)
	ch.callbacks().OnGameEnd(result)

	v := c.View()
	assert.Equal(t, StatusFinished, v.Status)
	assert.Equal(t, "u2", v.WinnerID)
	assert.Equal(t, models.ReasonSurrender, v.EndReason)
	require.Eventually(t, func() bool { return hc.ended.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hc.ended.Load())

	// A game start that straggles in after the end is dropped.
	ch.callbacks().OnGameStart(playing)
	assert.Equal(t, StatusFinished, c.View().Status)
}

func TestSendActionRequiresPlaying(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, _ := seated(t, reg, Hooks{})
	assert.ErrorIs(t, c.SendAction(context.Background(), models.ActionMove, json.RawMessage(`{"cell":0}`)), ErrNotPlaying)
	assert.ErrorIs(t, c.Surrender(context.Background()), ErrNotPlaying)
	assert.Zero(t, reg.count("action:move"))
}

func TestSecondMoveWhileInFlight(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})
	playing := waitingRoom()
	playing.Status = models.StatusPlaying
	reg.setRoom(func(r *models.Room) { r.Status = models.StatusPlaying })
	ch.callbacks().OnGameStart(playing)

	entered := make(chan struct{})
	release := make(chan struct{})
	reg.action = func(ctx context.Context, at models.ActionType, _ json.RawMessage) (*models.ActionResponse, error) {
		close(entered)
		<-release
		return &models.ActionResponse{OK: true}, nil
	}

	first := make(chan error, 1)
	go func() { first <- c.SendAction(context.Background(), models.ActionMove, json.RawMessage(`{"cell":4}`)) }()
	<-entered
	assert.ErrorIs(t, c.SendAction(context.Background(), models.ActionMove, json.RawMessage(`{"cell":0}`)), ErrActionInFlight)
	close(release)
	assert.NoError(t, <-first)
}

func TestChannelErrorFallsBackToPolling(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})

	ch.callbacks().OnError(errors.New("socket closed"))
	v := c.View()
	assert.False(t, v.IsConnected)
	assert.Equal(t, ModePolling, v.ConnectionMode)

	reg.setRoom(func(r *models.Room) { r.Status = models.StatusPlaying })
	require.Eventually(t, func() bool { return c.View().Status == StatusPlaying }, time.Second, 5*time.Millisecond)
}

func TestLeaveRoomAlwaysTearsDown(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	reg.leave = func(ctx context.Context) error { return matchmaking.ErrNetwork }
	c, ch := seated(t, reg, Hooks{})
	cb := ch.callbacks()

	require.NoError(t, c.LeaveRoom(context.Background()))
	v := c.View()
	assert.Equal(t, StatusIdle, v.Status)
	assert.Nil(t, v.Room)
	assert.Empty(t, v.Error)
	assert.Equal(t, 1, reg.count("leave"))
	assert.Equal(t, 1, ch.disconnects)

	// Callbacks from the old subscription no longer reach the session.
	cb.OnPlayerJoin(models.Player{UserID: "u3", PlayerNumber: 3})
	assert.Equal(t, StatusIdle, c.View().Status)

	// A fresh search works after leaving.
	require.NoError(t, c.FindMatch(context.Background(), models.ModeCasual))
	assert.Equal(t, StatusWaiting, c.View().Status)
}

func TestUpdateGameStatePublishes(t *testing.T) {
	reg := newFakeRegistry(waitingRoom())
	c, ch := seated(t, reg, Hooks{})
	assert.ErrorIs(t, c.UpdateGameState(context.Background(), json.RawMessage(`{}`)), ErrNotPlaying)

	playing := waitingRoom()
	playing.Status = models.StatusPlaying
	ch.callbacks().OnGameStart(playing)
	require.NoError(t, c.UpdateGameState(context.Background(), json.RawMessage(`{"n":1}`)))
	assert.Len(t, ch.published, 1)
}

func TestActionHookFires(t *testing.T) {
	hc := &hookCounter{}
	reg := newFakeRegistry(waitingRoom())
	_, ch := seated(t, reg, hc.hooks())
	ch.callbacks().OnAction(models.GameAction{Type: models.ActionMove, ActorID: "u2"})
	require.Eventually(t, func() bool { return hc.actions.Load() == 1 }, time.Second, 5*time.Millisecond)
}
