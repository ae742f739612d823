// Package main is the entry point for the relay-client binary, a terminal
// chat client.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Log in over REST (or use a fixed --token)
//  3. Build the connection manager and the typing tracker
//  4. Connect, replaying the saved and requested rooms
//  5. Read commands from stdin until EOF or SIGINT/SIGTERM
//  6. Save the desired rooms for the next run
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/client"
	"github.com/relay-chat/relay/internal/connection"
	"github.com/relay-chat/relay/internal/protocol"
	"github.com/relay-chat/relay/internal/typing"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	server        string
	email         string
	password      string
	token         string
	rooms         []int64
	stateDir      string
	logLevel      string
	backoffBase   time.Duration
	backoffMax    time.Duration
	backoffJitter float64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "relay-client",
		Short: "Relay client — terminal chat over a reconnecting WebSocket",
		Long: `Relay client keeps a WebSocket session to a relay server open,
reconnecting with exponential backoff and rejoining its rooms after every
reconnect. Lines typed on stdin are posted to the current room.

Commands:
  /join <room>       subscribe to a room and make it current
  /leave <room>      unsubscribe from a room
  /room <room>       switch the current room
  /typing on|off     send a typing indicator to the current room
  /rooms             list subscribed rooms
  /quit              exit`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.server, "server", envOrDefault("RELAY_SERVER", "http://localhost:8080"), "Relay server base URL")
	root.PersistentFlags().StringVar(&cfg.email, "email", envOrDefault("RELAY_EMAIL", ""), "Account email")
	root.PersistentFlags().StringVar(&cfg.password, "password", envOrDefault("RELAY_PASSWORD", ""), "Account password")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("RELAY_TOKEN", ""), "Fixed access token; skips REST login (messages cannot be posted)")
	root.PersistentFlags().Int64SliceVar(&cfg.rooms, "room", nil, "Room to join on start (repeatable)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("RELAY_STATE_DIR", defaultStateDir()), "Directory for client state (rooms to rejoin)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.backoffBase, "backoff-base", connection.DefaultBackoffBase, "First reconnect delay")
	root.PersistentFlags().DurationVar(&cfg.backoffMax, "backoff-max", connection.DefaultBackoffMax, "Reconnect delay cap")
	root.PersistentFlags().Float64Var(&cfg.backoffJitter, "backoff-jitter", 0, "Spread each reconnect delay by up to this fraction (0-1)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay-client %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config, in io.Reader, out io.Writer) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wsURL, err := websocketURL(cfg.server)
	if err != nil {
		return err
	}

	// --- Credentials ---
	var (
		session *client.Session
		tokens  connection.TokenSource
		selfID  int64
	)
	if cfg.token != "" {
		tokens = connection.StaticToken(cfg.token)
	} else {
		if cfg.email == "" || cfg.password == "" {
			return fmt.Errorf("--email and --password are required unless --token is set")
		}
		session = client.NewSession(cfg.server, client.Credentials{Email: cfg.email, Password: cfg.password}, logger)
		if err := session.Login(ctx); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		tokens = session
		selfID = session.UserID()
	}

	// --- Rooms to rejoin ---
	state, err := client.LoadState(cfg.stateDir)
	if err != nil {
		logger.Warn("ignoring unreadable client state", zap.Error(err))
	}
	if state.Email != cfg.email {
		state.Rooms = nil
	}
	rooms := client.MergeRooms(state.Rooms, cfg.rooms)

	// --- Connection manager ---
	mgr := connection.New(connection.Config{
		Backoff: connection.Backoff{
			Base:   cfg.backoffBase,
			Max:    cfg.backoffMax,
			Jitter: cfg.backoffJitter,
		},
		Rooms: rooms,
		OnStateChange: func(s connection.State) {
			fmt.Fprintf(out, "* %s\n", s)
		},
		OnError: func(err error) {
			if errors.Is(err, connection.ErrUnauthorized) {
				fmt.Fprintln(out, "* credentials rejected; reconnecting stopped")
				return
			}
			logger.Debug("connection error", zap.Error(err))
		},
	}, connection.NewWebSocketDialer(wsURL, tokens, 0), logger)

	// --- Typing indicators ---
	tracker := typing.New(selfID, clockwork.NewRealClock(), typing.DefaultWindow)
	defer tracker.Close()
	detach := tracker.Attach(mgr)
	defer detach()
	stopWatch := tracker.Watch(func(roomID int64, users []int64) {
		if len(users) > 0 {
			fmt.Fprintf(out, "[%d] typing: %s\n", roomID, joinIDs(users))
		}
	})
	defer stopWatch()

	printEvents(mgr, out)

	go mgr.Run(ctx)
	mgr.Connect()

	current := int64(0)
	if len(rooms) > 0 {
		current = rooms[len(rooms)-1]
	}

	readLoop(ctx, in, func(line string) bool {
		return handleLine(ctx, line, &current, mgr, session, out)
	})

	cancel()
	<-mgr.Done()

	if err := client.SaveState(cfg.stateDir, client.State{Email: cfg.email, Rooms: mgr.DesiredRooms()}); err != nil {
		logger.Warn("failed to save client state", zap.Error(err))
	}
	if session != nil {
		logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer logoutCancel()
		if err := session.Logout(logoutCtx); err != nil {
			logger.Debug("logout failed", zap.Error(err))
		}
	}
	return nil
}

// printEvents writes every inbound event to out.
func printEvents(mgr *connection.Manager, out io.Writer) {
	mgr.Subscribe(protocol.KindMessage, func(ev protocol.Event) {
		msg := ev.Payload().(protocol.MessagePayload)
		fmt.Fprintf(out, "[%d] <%d> %s\n", ev.RoomID(), ev.UserID(), msg.Content)
	})
	mgr.Subscribe(protocol.KindEdit, func(ev protocol.Event) {
		msg := ev.Payload().(protocol.MessagePayload)
		fmt.Fprintf(out, "[%d] <%d> (edited #%d) %s\n", ev.RoomID(), ev.UserID(), msg.ID, msg.Content)
	})
	mgr.Subscribe(protocol.KindDelete, func(ev protocol.Event) {
		del := ev.Payload().(protocol.DeletePayload)
		fmt.Fprintf(out, "[%d] message #%d deleted\n", ev.RoomID(), del.MessageID)
	})
	mgr.Subscribe(protocol.KindJoin, func(ev protocol.Event) {
		fmt.Fprintf(out, "[%d] user %d joined\n", ev.RoomID(), ev.UserID())
	})
	mgr.Subscribe(protocol.KindLeave, func(ev protocol.Event) {
		fmt.Fprintf(out, "[%d] user %d left\n", ev.RoomID(), ev.UserID())
	})
	mgr.Subscribe(protocol.KindError, func(ev protocol.Event) {
		fmt.Fprintf(out, "[%d] error: %s\n", ev.RoomID(), ev.Payload().(protocol.ErrorPayload).Reason)
	})
}

// readLoop feeds stdin lines to handle until it returns false, stdin closes
// or ctx is cancelled.
func readLoop(ctx context.Context, in io.Reader, handle func(string) bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !handle(line) {
				return
			}
		}
	}
}

// handleLine runs one command or posts one message. It returns false to
// quit.
func handleLine(ctx context.Context, line string, current *int64, mgr *connection.Manager, session *client.Session, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	if !strings.HasPrefix(line, "/") {
		if *current == 0 {
			fmt.Fprintln(out, "* no current room; /join one first")
			return true
		}
		if session == nil {
			fmt.Fprintln(out, "* posting needs --email/--password")
			return true
		}
		mgr.SendTyping(*current, false)
		if _, err := session.PostMessage(ctx, *current, line); err != nil {
			fmt.Fprintf(out, "* send failed: %v\n", err)
		}
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return false
	case "/rooms":
		fmt.Fprintf(out, "* rooms: %s (current %d)\n", joinIDs(mgr.DesiredRooms()), *current)
	case "/typing":
		if *current == 0 {
			fmt.Fprintln(out, "* no current room")
			return true
		}
		mgr.SendTyping(*current, arg != "off")
	case "/join", "/leave", "/room":
		roomID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || roomID <= 0 {
			fmt.Fprintf(out, "* usage: %s <room id>\n", cmd)
			return true
		}
		switch cmd {
		case "/join":
			mgr.JoinRoom(roomID)
			*current = roomID
		case "/leave":
			mgr.LeaveRoom(roomID)
			if *current == roomID {
				*current = 0
			}
		case "/room":
			*current = roomID
		}
	default:
		fmt.Fprintf(out, "* unknown command %s\n", cmd)
	}
	return true
}

// websocketURL turns the server base URL into its /api/v1/ws endpoint.
func websocketURL(server string) (string, error) {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/api/v1/ws", nil
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/api/v1/ws", nil
	default:
		return "", fmt.Errorf("server URL must start with http:// or https://, got %q", server)
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// defaultStateDir returns ~/.relay, or .relay when there is no home.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.relay"
	}
	return ".relay"
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg.Level = lvl

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
