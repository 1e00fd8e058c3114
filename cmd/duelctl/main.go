// cmd/duelctl/main.go
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/jason-s-yu/duel/internal/config"
	"github.com/jason-s-yu/duel/internal/matchmaking"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/jason-s-yu/duel/internal/ruleset"
	"github.com/jason-s-yu/duel/internal/session"
	_ "github.com/joho/godotenv/autoload"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	relayURL  string
	token     string
	guestName string
	transport string
	gameID    string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "duelctl",
	Short: "play a duel from the terminal",
	Long: `duelctl drives one session against a relay. Commands:
  match [ranked|casual]  find an opponent
  create                 open a private room and print its code
  join CODE              join a private room
  cancel                 stop searching
  ready | unready        flag readiness
  move CELL              play a tic-tac-toe cell (0-8)
  surrender              concede
  leave                  leave the room
  show                   print the session
  quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if !cmd.Flags().Changed("relay") {
			relayURL = cfg.RelayURL
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		logger := cfg.NewLogger()
		return run(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&relayURL, "relay", "http://localhost:8080", "relay base URL (overrides RELAY_URL)")
	rootCmd.Flags().StringVar(&token, "token", "", "relay-issued JWT; a guest identity is requested when empty")
	rootCmd.Flags().StringVar(&guestName, "name", "guest", "display name for a guest identity")
	rootCmd.Flags().StringVar(&transport, "transport", "ws", "realtime transport: ws, redis or nats")
	rootCmd.Flags().StringVar(&gameID, "game", ruleset.TicTacToeID, "game id")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if token == "" {
		guest, err := matchmaking.New(relayURL, nil, nil, logger).Guest(ctx, guestName)
		if err != nil {
			return fmt.Errorf("guest sign-in: %w", err)
		}
		token = guest.Token
		fmt.Printf("signed in as %s (%s)\n", guest.Username, guest.UserID)
	}
	tokens := auth.NewTokenProvider(token)
	if _, ok := tokens.CurrentUserID(); !ok {
		return errors.New("token has no subject")
	}

	ch, closeCh, err := openChannel(ctx, cfg, tokens, logger)
	if err != nil {
		return err
	}
	defer closeCh()

	out := &printer{}
	ctl := session.NewController(tokens, matchmaking.New(relayURL, tokens, nil, logger), ch, session.Options{
		GameID:       gameID,
		PollInterval: cfg.PollInterval,
		PollCeiling:  cfg.PollCeiling,
		Hooks: session.Hooks{
			OnGameStarted: func(r models.Room) { out.printf("game started in room %s\n", r.ID) },
			OnGameEnded:   func(r models.GameResult) { out.printf("game over: %s, winner %q\n", r.Reason, r.WinnerID) },
			OnChange:      out.change,
		},
	}, logger)
	defer ctl.Close()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			break
		}
		if err := execute(ctx, ctl, out, fields); err != nil {
			out.printf("error: %v\n", err)
		}
	}
	return ctl.LeaveRoom(ctx)
}

func openChannel(ctx context.Context, cfg *config.Config, tokens auth.Provider, logger logrus.FieldLogger) (realtime.Channel, func(), error) {
	switch transport {
	case "ws":
		return realtime.NewWSChannel(relayURL, tokens, logger), func() {}, nil
	case "redis":
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return realtime.NewRedisChannel(rdb, logger), func() { rdb.Close() }, nil
	case "nats":
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("duelctl"))
		if err != nil {
			return nil, nil, err
		}
		return realtime.NewNATSChannel(nc, logger), nc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func execute(ctx context.Context, ctl *session.Controller, out *printer, fields []string) error {
	switch fields[0] {
	case "match":
		mode := models.ModeCasual
		if len(fields) > 1 {
			mode = models.Mode(fields[1])
		}
		// runs in the background so cancel can interrupt it
		go func() {
			err := ctl.FindMatch(ctx, mode)
			if err != nil && !errors.Is(err, session.ErrCancelled) {
				out.printf("match: %v\n", err)
			}
		}()
		return nil
	case "create":
		code, err := ctl.CreatePrivateRoom(ctx)
		if err != nil {
			return err
		}
		out.printf("room code: %s\n", code)
		return nil
	case "join":
		if len(fields) < 2 {
			return fmt.Errorf("usage: join CODE")
		}
		return ctl.JoinByCode(ctx, fields[1])
	case "cancel":
		ctl.CancelSearch()
		return nil
	case "ready":
		return ctl.SetReady(ctx, true)
	case "unready":
		return ctl.SetReady(ctx, false)
	case "move":
		if len(fields) < 2 {
			return fmt.Errorf("usage: move CELL")
		}
		cell, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("cell must be a number: %w", err)
		}
		payload, _ := json.Marshal(ruleset.TicTacToeMove{Cell: cell})
		return ctl.SendAction(ctx, models.ActionMove, payload)
	case "surrender":
		return ctl.Surrender(ctx)
	case "leave":
		return ctl.LeaveRoom(ctx)
	case "show":
		out.show(ctl.View())
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// printer serializes terminal output from hooks and the command loop.
type printer struct {
	mu   sync.Mutex
	last session.Status
	seq  int64
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf(format, args...)
}

// change prints status transitions and new boards, nothing else.
func (p *printer) change(v session.View) {
	p.mu.Lock()
	statusChanged := v.Status != p.last
	boardChanged := v.StateSeq != p.seq && v.GameState != nil
	p.last, p.seq = v.Status, v.StateSeq
	p.mu.Unlock()

	if statusChanged {
		p.printf("status: %s\n", v.Status)
	}
	if boardChanged {
		p.show(v)
	}
}

func (p *printer) show(v session.View) {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s mode=%s", v.Status, v.ConnectionMode)
	if v.Room != nil {
		fmt.Fprintf(&b, " room=%s you=%d", v.Room.ID, v.MyPlayerNumber)
		if v.Room.Code != "" {
			fmt.Fprintf(&b, " code=%s", v.Room.Code)
		}
	}
	b.WriteString("\n")
	for _, pl := range v.Players {
		fmt.Fprintf(&b, "  #%d %s ready=%t", pl.PlayerNumber, pl.Username, pl.Ready)
		if pl.Disconnected {
			b.WriteString(" (disconnected)")
		}
		b.WriteString("\n")
	}
	if v.MyStats != nil {
		fmt.Fprintf(&b, "  rating %.0f (%d-%d-%d)\n", v.MyStats.Rating, v.MyStats.Wins, v.MyStats.Losses, v.MyStats.Draws)
	}
	var st ruleset.TicTacToeState
	if v.GameState != nil && json.Unmarshal(v.GameState, &st) == nil {
		for row := 0; row < 3; row++ {
			b.WriteString("  ")
			for col := 0; col < 3; col++ {
				cell := row*3 + col
				switch st.Board[cell] {
				case 0:
					b.WriteString(strconv.Itoa(cell))
				case v.MyPlayerNumber:
					b.WriteString("X")
				default:
					b.WriteString("O")
				}
			}
			b.WriteString("\n")
		}
		if v.IsMyTurn {
			b.WriteString("  your move\n")
		}
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "  last error: %s\n", v.Error)
	}
	p.printf("%s", b.String())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
