// Package session composes matchmaking, the realtime channel, and the
// polling fallback into the state machine the UI consumes.
//
// Every state change goes through Session.apply under one mutex, so channel
// callbacks, poll results, and operation responses interleave but never
// overlap. Hooks are delivered afterwards, in order, on a separate goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/matchmaking"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/polling"
	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/jason-s-yu/duel/internal/ruleset"
	"github.com/sirupsen/logrus"
)

// Matchmaker is the room registry as the controller needs it.
// *matchmaking.Client satisfies it.
type Matchmaker interface {
	PairOrQueue(ctx context.Context, userID, gameID string, mode models.Mode) (*models.Room, error)
	CreateRoom(ctx context.Context, userID, gameID string, mode models.Mode, isPrivate bool) (*models.CreateRoomResponse, error)
	JoinByCode(ctx context.Context, userID, code string) (*models.JoinResponse, error)
	PostAction(ctx context.Context, roomID, userID string, actionType models.ActionType, actionData json.RawMessage) (*models.ActionResponse, error)
	Leave(ctx context.Context, roomID, userID string) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	PlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error)
}

// Hooks observe the session. OnGameStarted and OnGameEnded fire at most once
// per room no matter how many paths deliver the transition.
type Hooks struct {
	OnGameStarted func(models.Room)
	OnGameEnded   func(models.GameResult)
	OnAction      func(models.GameAction)
	OnChange      func(View)
}

func (h Hooks) any() bool {
	return h.OnGameStarted != nil || h.OnGameEnded != nil || h.OnAction != nil || h.OnChange != nil
}

// Options configure a Controller. Zero durations take the defaults.
type Options struct {
	GameID   string
	Rulesets ruleset.Registry

	PollInterval time.Duration
	PollCeiling  time.Duration
	// LeaveTimeout bounds the best-effort leave notification.
	LeaveTimeout time.Duration
	// ResubscribeDelay is the first backoff step after a channel drop.
	ResubscribeDelay time.Duration

	Hooks Hooks
}

const (
	defaultLeaveTimeout     = 3 * time.Second
	defaultResubscribeDelay = time.Second
	resubscribeAttempts     = 3
	subscribeTimeout        = 10 * time.Second
)

type notice struct {
	fx   effects
	view View
}

// Controller is one player's session. Safe for concurrent use.
type Controller struct {
	opts   Options
	auth   auth.Provider
	mm     Matchmaker
	ch     realtime.Channel
	poller *polling.Poller
	logger logrus.FieldLogger

	mu           sync.Mutex
	sess         Session
	searchGen    uint64
	searchCancel context.CancelFunc
	subGen       uint64
	moveInFlight bool
	pending      []notice

	// subMu orders Subscribe and Disconnect calls on the channel.
	subMu sync.Mutex

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewController wires a session. Call Close when done with it.
func NewController(provider auth.Provider, mm Matchmaker, ch realtime.Channel, opts Options, logger logrus.FieldLogger) *Controller {
	if opts.Rulesets == nil {
		opts.Rulesets = ruleset.DefaultRegistry()
	}
	if opts.GameID == "" {
		opts.GameID = ruleset.TicTacToeID
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = defaultLeaveTimeout
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = defaultResubscribeDelay
	}

	c := &Controller{
		opts:   opts,
		auth:   provider,
		mm:     mm,
		ch:     ch,
		logger: logger,
		sess:   newSession(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.poller = polling.New(c.fetchRoom, logger)
	if opts.PollInterval > 0 {
		c.poller.Interval = opts.PollInterval
	}
	if opts.PollCeiling > 0 {
		c.poller.Ceiling = opts.PollCeiling
	}
	go c.notifyLoop()
	return c
}

// Close tears down the channel and poller and stops hook delivery.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.subGen++
		c.mu.Unlock()
		c.poller.Stop()
		c.disconnect()
		close(c.done)
	})
}

// View returns a snapshot of the read model.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.view(c.opts.Rulesets)
}

// FindMatch pairs with a waiting player or queues a new room.
func (c *Controller) FindMatch(ctx context.Context, mode models.Mode) error {
	return c.search(ctx, nil, func(ctx context.Context, userID string) (*models.Room, int, error) {
		room, err := c.mm.PairOrQueue(ctx, userID, c.opts.GameID, mode)
		if err != nil {
			return nil, 0, err
		}
		return room, 0, nil
	})
}

// CreatePrivateRoom opens a private room and returns its join code. The
// creator's row is shown right away from the local profile.
func (c *Controller) CreatePrivateRoom(ctx context.Context) (string, error) {
	prof := c.auth.Profile()
	placeholder := &models.Player{UserID: prof.UserID, Username: prof.Username}

	var code string
	err := c.search(ctx, placeholder, func(ctx context.Context, userID string) (*models.Room, int, error) {
		resp, err := c.mm.CreateRoom(ctx, userID, c.opts.GameID, models.ModePrivate, true)
		if err != nil {
			return nil, 0, err
		}
		code = resp.Code
		return &resp.Room, resp.PlayerNumber, nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// JoinByCode takes a seat in a private room. A missing room and a full room
// report the same error.
func (c *Controller) JoinByCode(ctx context.Context, code string) error {
	return c.search(ctx, nil, func(ctx context.Context, userID string) (*models.Room, int, error) {
		resp, err := c.mm.JoinByCode(ctx, userID, code)
		if errors.Is(err, matchmaking.ErrRoomNotFound) || errors.Is(err, matchmaking.ErrRoomFull) {
			return nil, 0, ErrRoomUnavailable
		}
		if err != nil {
			return nil, 0, err
		}
		return &resp.Room, resp.PlayerNumber, nil
	})
}

type searchCall func(ctx context.Context, userID string) (room *models.Room, myNum int, err error)

// search runs one cancellable room-acquiring request: idle -> searching ->
// waiting/playing, or back to idle.
func (c *Controller) search(ctx context.Context, placeholder *models.Player, call searchCall) error {
	userID, ok := c.auth.CurrentUserID()
	if !ok {
		return c.fail(ErrUnauthenticated)
	}

	c.mu.Lock()
	c.searchGen++
	gen := c.searchGen
	fx, err := c.applyLocked(evSearchStarted{gen: gen, userID: userID})
	if err != nil {
		c.mu.Unlock()
		return c.fail(err)
	}
	sctx, cancel := context.WithCancel(ctx)
	c.searchCancel = cancel
	c.mu.Unlock()
	c.after(fx)
	defer cancel()

	room, myNum, err := call(sctx, userID)

	c.mu.Lock()
	if c.searchGen == gen {
		c.searchCancel = nil
	}
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.dispatch(evSearchCancelled{gen: gen})
			return ErrCancelled
		}
		if swallowed(c.dispatch(evSearchFailed{gen: gen, err: err.Error()})) {
			return ErrCancelled
		}
		return err
	}

	err = c.dispatch(evRoomAdopted{gen: gen, room: *room, myNum: myNum, placeholder: placeholder})
	if errors.Is(err, errStale) {
		// The search was cancelled but the relay seated us anyway. A newer
		// search may already hold or be about to receive the same seat.
		c.mu.Lock()
		keep := c.sess.roomID == room.ID || (c.searchGen != gen && c.searchCancel != nil)
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{"room": room.ID, "kept": keep}).Debug("discarding late search response")
		if !keep {
			go c.notifyLeave(context.Background(), room.ID, userID)
		}
		return ErrCancelled
	}
	if err != nil {
		c.dispatch(evSearchFailed{gen: gen, err: err.Error()})
		return err
	}

	c.logger.WithFields(logrus.Fields{"room": room.ID, "user": userID}).Info("joined room")
	bg := context.WithoutCancel(ctx)
	c.subscribe(bg, room.ID)
	c.refresh(bg)
	go c.loadStats(bg, room.ID, c.statsTargets()...)
	return nil
}

// CancelSearch aborts the in-flight search. The session returns to idle
// without an error, and a response that still arrives is discarded.
func (c *Controller) CancelSearch() {
	c.mu.Lock()
	cancel := c.searchCancel
	c.searchCancel = nil
	fx, err := c.applyLocked(evSearchCancelled{gen: c.searchGen})
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err == nil {
		c.after(fx)
	}
}

// SetReady flips the local ready flag before the relay confirms it and
// restores the previous flag exactly if the call fails.
func (c *Controller) SetReady(ctx context.Context, ready bool) error {
	userID, ok := c.auth.CurrentUserID()
	if !ok {
		return c.fail(ErrUnauthenticated)
	}

	c.mu.Lock()
	roomID := c.sess.roomID
	prev, _ := c.sess.store.Player(c.sess.myNum)
	prevStatus := c.sess.status
	fx, err := c.applyLocked(evReadyOptimistic{roomID: roomID, ready: ready})
	c.mu.Unlock()
	if err != nil {
		return c.fail(err)
	}
	c.after(fx)

	data, _ := json.Marshal(models.ReadyPayload{Ready: ready})
	resp, err := c.mm.PostAction(ctx, roomID, userID, models.ActionReady, data)
	if err != nil {
		c.dispatch(evReadyResolved{roomID: roomID, prevReady: prev.Ready, prevStatus: prevStatus, err: err.Error()})
		c.refresh(context.WithoutCancel(ctx))
		return err
	}
	c.dispatch(evReadyResolved{roomID: roomID, ok: true})

	bg := context.WithoutCancel(ctx)
	if resp.GameStarted {
		c.startFromResponse(bg, roomID)
		return nil
	}
	if ready {
		// The opponent's ready or the game start may never be pushed.
		c.poller.Start(roomID, func(r *models.Room) bool { return r.Status.Phase() >= 1 }, c.observe)
	}
	c.refresh(bg)
	return nil
}

// startFromResponse enters playing after the relay reported that my ready
// started the game. The room is re-read first so OnGameStarted sees the
// opening state; if that read fails the start is applied without it.
func (c *Controller) startFromResponse(ctx context.Context, roomID string) {
	room, err := c.fetchRoom(ctx, roomID)
	if err == nil && room.Status.Phase() >= 1 {
		c.dispatch(evRoomObserved{room: *room})
		return
	}
	if err != nil {
		c.logger.WithField("room", roomID).Debugf("room read after start failed: %v", err)
	}
	c.dispatch(evGameStarted{roomID: roomID})
}

// SendAction posts an action. Nothing about its effect is returned here;
// the next authoritative snapshot arrives over the channel or a refresh.
// A second move while one is outstanding fails with ErrActionInFlight.
func (c *Controller) SendAction(ctx context.Context, actionType models.ActionType, payload json.RawMessage) error {
	if actionType == models.ActionReady {
		var rp models.ReadyPayload
		if err := json.Unmarshal(payload, &rp); err != nil {
			return c.fail(fmt.Errorf("%w: %v", matchmaking.ErrInvalidAction, err))
		}
		return c.SetReady(ctx, rp.Ready)
	}
	if !actionType.Valid() {
		return c.fail(fmt.Errorf("%w: %q", matchmaking.ErrInvalidAction, actionType))
	}

	userID, ok := c.auth.CurrentUserID()
	if !ok {
		return c.fail(ErrUnauthenticated)
	}

	c.mu.Lock()
	if c.sess.status != StatusPlaying {
		c.mu.Unlock()
		return c.fail(ErrNotPlaying)
	}
	if actionType == models.ActionMove {
		if c.moveInFlight {
			c.mu.Unlock()
			return ErrActionInFlight
		}
		c.moveInFlight = true
	}
	roomID := c.sess.roomID
	c.mu.Unlock()

	_, err := c.mm.PostAction(ctx, roomID, userID, actionType, payload)

	if actionType == models.ActionMove {
		c.mu.Lock()
		c.moveInFlight = false
		c.mu.Unlock()
	}
	if err != nil {
		c.fail(err)
	}
	c.refresh(context.WithoutCancel(ctx))
	return err
}

// Surrender concedes. The session stays playing until the relay confirms
// the end, so both players see the same result.
func (c *Controller) Surrender(ctx context.Context) error {
	return c.SendAction(ctx, models.ActionSurrender, nil)
}

// UpdateGameState publishes a snapshot through the channel. By convention
// only the player whose turn it is writes.
func (c *Controller) UpdateGameState(ctx context.Context, state json.RawMessage) error {
	c.mu.Lock()
	playing := c.sess.status == StatusPlaying
	c.mu.Unlock()
	if !playing {
		return c.fail(ErrNotPlaying)
	}
	if err := c.ch.UpdateGameState(ctx, state); err != nil {
		return c.fail(fmt.Errorf("%w: %v", ErrNetwork, err))
	}
	return nil
}

// LeaveRoom resets the session to idle immediately and then tells the
// relay, bounded by LeaveTimeout. The relay's answer never affects the reset.
func (c *Controller) LeaveRoom(ctx context.Context) error {
	userID, _ := c.auth.CurrentUserID()

	c.mu.Lock()
	roomID := c.sess.roomID
	cancel := c.searchCancel
	c.searchCancel = nil
	c.subGen++
	c.moveInFlight = false
	fx, _ := c.applyLocked(evReset{})
	c.mu.Unlock()
	c.after(fx)

	if cancel != nil {
		cancel()
	}
	c.poller.Stop()
	c.disconnect()

	if roomID != "" && userID != "" {
		c.notifyLeave(ctx, roomID, userID)
	}
	return nil
}

func (c *Controller) notifyLeave(ctx context.Context, roomID, userID string) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LeaveTimeout)
	defer cancel()
	if err := c.mm.Leave(lctx, roomID, userID); err != nil {
		c.logger.WithField("room", roomID).Debugf("leave notification failed: %v", err)
	}
}

// Refresh re-reads the room from the relay and applies it.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	roomID := c.sess.roomID
	c.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}
	room, err := c.fetchRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := c.dispatch(evRoomObserved{room: *room}); err != nil && !swallowed(err) {
		return err
	}
	return nil
}

// fetchRoom reads the room from the relay. A room the relay no longer knows
// has been expired or swept, so the session finishes with ReasonExpired.
func (c *Controller) fetchRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := c.mm.GetRoom(ctx, roomID)
	if errors.Is(err, matchmaking.ErrRoomNotFound) {
		c.logger.WithField("room", roomID).Info("room is gone")
		c.dispatch(evGameEnded{result: models.GameResult{RoomID: roomID, Reason: models.ReasonExpired}})
	}
	return room, err
}

func (c *Controller) refresh(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrNotInRoom) {
		c.logger.Debugf("refresh failed: %v", err)
	}
}

func (c *Controller) observe(room *models.Room) {
	c.dispatch(evRoomObserved{room: *room})
}

// subscribe opens the channel for roomID, replacing any previous subscription.
func (c *Controller) subscribe(ctx context.Context, roomID string) {
	c.mu.Lock()
	c.subGen++
	gen := c.subGen
	c.mu.Unlock()
	c.connect(ctx, roomID, gen, 1)
}

func (c *Controller) connect(ctx context.Context, roomID string, gen uint64, attempt int) {
	c.subMu.Lock()
	c.mu.Lock()
	userID := c.sess.userID
	live := c.subGen == gen
	c.mu.Unlock()
	if !live {
		c.subMu.Unlock()
		return
	}
	sctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	err := c.ch.Subscribe(sctx, roomID, userID, c.callbacks(roomID, gen))
	cancel()
	c.subMu.Unlock()

	if err != nil {
		c.logger.WithField("room", roomID).Warnf("subscribe failed (attempt %d): %v", attempt, err)
		c.dispatch(evConnection{roomID: roomID, connected: false})
		c.scheduleResubscribe(roomID, gen, attempt)
		return
	}
	c.dispatch(evConnection{roomID: roomID, connected: true})
}

func (c *Controller) disconnect() {
	c.subMu.Lock()
	c.ch.Disconnect()
	c.subMu.Unlock()
}

// scheduleResubscribe retries the channel with doubling delays.
func (c *Controller) scheduleResubscribe(roomID string, gen uint64, attempt int) {
	if attempt > resubscribeAttempts {
		return
	}
	delay := c.opts.ResubscribeDelay << (attempt - 1)
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.subGen != gen {
			c.mu.Unlock()
			return
		}
		c.subGen++
		next := c.subGen
		c.mu.Unlock()

		c.connect(context.Background(), roomID, next, attempt+1)
		c.refresh(context.Background())
	})
}

func (c *Controller) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subGen == gen
}

func (c *Controller) callbacks(roomID string, gen uint64) realtime.Callbacks {
	return realtime.Callbacks{
		OnPlayerJoin: func(p models.Player) {
			if !c.live(gen) {
				return
			}
			if c.dispatch(evPlayerUpsert{roomID: roomID, player: p}) == nil && c.needsStats(p.UserID) {
				go c.loadStats(context.Background(), roomID, p.UserID)
			}
		},
		OnPlayerLeave: func(n int, _ string) {
			if c.live(gen) {
				c.dispatch(evPlayerRemoved{roomID: roomID, num: n})
			}
		},
		OnPlayerReady: func(n int, ready bool) {
			if c.live(gen) {
				c.dispatch(evPlayerReady{roomID: roomID, num: n, ready: ready})
			}
		},
		OnGameStart: func(room models.Room) {
			if c.live(gen) {
				c.dispatch(evGameStarted{roomID: roomID, room: &room})
			}
		},
		OnGameStateUpdate: func(s models.Snapshot) {
			if c.live(gen) {
				c.dispatch(evSnapshot{roomID: roomID, snap: s})
			}
		},
		OnAction: func(a models.GameAction) {
			if c.live(gen) {
				c.dispatch(evAction{roomID: roomID, action: a})
			}
		},
		OnGameEnd: func(r models.GameResult) {
			if !c.live(gen) {
				return
			}
			if r.RoomID == "" {
				r.RoomID = roomID
			}
			c.dispatch(evGameEnded{result: r})
		},
		OnError: func(err error) {
			if !c.live(gen) {
				return
			}
			c.logger.WithField("room", roomID).Warnf("realtime channel lost: %v", err)
			c.dispatch(evConnection{roomID: roomID, connected: false})
			c.armRecovery(roomID)
			c.scheduleResubscribe(roomID, gen, 1)
		},
	}
}

// armRecovery polls for the next phase while the channel is down.
func (c *Controller) armRecovery(roomID string) {
	c.mu.Lock()
	phase := c.sess.status.phase()
	current := c.sess.current(roomID)
	c.mu.Unlock()
	if !current || phase >= 2 {
		return
	}
	c.poller.Start(roomID, func(r *models.Room) bool { return r.Status.Phase() > phase }, c.observe)
}

func (c *Controller) statsTargets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := []string{c.sess.userID}
	if opp, ok := c.sess.store.Opponent(c.sess.myNum); ok && !opp.Placeholder {
		ids = append(ids, opp.UserID)
	}
	return ids
}

func (c *Controller) needsStats(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID == c.sess.userID {
		return c.sess.myStats == nil
	}
	return c.sess.opponentStats == nil || c.sess.opponentStats.UserID != userID
}

func (c *Controller) loadStats(ctx context.Context, roomID string, userIDs ...string) {
	for _, id := range userIDs {
		st, err := c.mm.PlayerStats(ctx, id)
		if err != nil {
			c.logger.WithField("user", id).Debugf("stats unavailable: %v", err)
			continue
		}
		c.dispatch(evStats{roomID: roomID, userID: id, stats: *st})
	}
}

// fail records err as the session error and returns it.
func (c *Controller) fail(err error) error {
	c.dispatch(evError{err: err.Error()})
	return err
}

func (c *Controller) dispatch(ev event) error {
	c.mu.Lock()
	fx, err := c.applyLocked(ev)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.after(fx)
	return nil
}

func (c *Controller) applyLocked(ev event) (effects, error) {
	next, fx, err := c.sess.apply(ev)
	if err != nil {
		if swallowed(err) {
			c.logger.Debugf("%T ignored: %v", ev, err)
		} else {
			c.logger.Warnf("%T refused: %v", ev, err)
		}
		return effects{}, err
	}
	c.sess = next
	if c.opts.Hooks.any() {
		c.pending = append(c.pending, notice{fx: fx, view: c.sess.view(c.opts.Rulesets)})
	}
	return fx, nil
}

// after runs controller-level reactions to a committed transition.
func (c *Controller) after(fx effects) {
	if fx.started != nil || fx.ended != nil {
		c.poller.Stop()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) notifyLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		h := c.opts.Hooks
		for _, n := range batch {
			if n.fx.started != nil && h.OnGameStarted != nil {
				h.OnGameStarted(*n.fx.started)
			}
			if n.fx.action != nil && h.OnAction != nil {
				h.OnAction(*n.fx.action)
			}
			if n.fx.ended != nil && h.OnGameEnded != nil {
				h.OnGameEnded(*n.fx.ended)
			}
			if h.OnChange != nil {
				h.OnChange(n.view)
			}
		}
	}
}
