package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chatlink/internal/archive"
	"github.com/rickgao/chatlink/internal/chat"
	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/database"
	"github.com/rickgao/chatlink/internal/metrics"
)

// expiryWarning is how close to expiry a token must be before connect warns.
const expiryWarning = 5 * time.Minute

var connectCmd = &cobra.Command{
	Use:   "connect <room>",
	Short: "Join a chat room",
	Long: `Joins a room and relays it to the terminal. Each stdin line is sent as a message;
incoming frames are printed one per line. Ctrl-C or end of input disconnects.`,
	Example: "chatlink connect general --config chatlink.yaml",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnect(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runConnect(parent context.Context, room string, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := newTokenSource(cfg, logger)
	if err != nil {
		return err
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if exp := tokens.Expiry(); !exp.IsZero() && time.Until(exp) < expiryWarning {
		logger.Warn("access token expires soon; reconnects will reuse it", "expires_at", exp)
	}

	m := metrics.New()

	writer, closeArchive, err := startArchive(ctx, cfg.Archive, logger)
	if err != nil {
		return err
	}
	defer closeArchive()

	sess := &session{room: room, out: out, writer: writer, logger: logger}
	cb := m.Instrument(sess.callbacks())

	policy := cfg.Reconnect.Policy()
	policy.ShouldReconnect = retryable

	connOpts := []connection.Option{
		connection.WithBaseURL(cfg.API.WSURL),
		connection.WithDialer(connection.NewWSDialer(cfg.Connection.Transport(), logger)),
		connection.WithLogger(logger),
	}
	if cfg.Auth.HeaderToken {
		connOpts = append(connOpts, connection.WithHeader(http.Header{
			"Authorization": []string{"Bearer " + token},
		}))
	}

	mgr, err := connection.Connect(ctx, room, token, cb, policy, connOpts...)
	if err != nil {
		return fmt.Errorf("connect %s: %w", room, err)
	}
	logger.Info("joining room", "room", room, "url", mgr.URL(), "conn_id", mgr.ID())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		select {
		case <-mgr.Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           newMetricsMux(cfg.Metrics, m, mgr),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Stdin reads cannot be interrupted, so this loop is not part of the group.
	go func() {
		readInput(in, mgr, m, logger)
		mgr.Disconnect()
	}()

	if err := g.Wait(); err != nil {
		mgr.Disconnect()
		return err
	}

	// A failing sidecar cancels runCtx without closing the manager.
	mgr.Disconnect()
	<-mgr.Done()

	if reason := sess.stopReason(); reason != "" {
		return fmt.Errorf("gave up reconnecting to %s: %s", room, reason)
	}
	logger.Info("disconnected", "room", room)
	return nil
}

// retryable vetoes reconnects after policy violations and application close
// codes, which the server uses to reject a client outright.
func retryable(ev connection.CloseEvent) bool {
	if ev.Code == 1008 {
		return false
	}
	return ev.Code < 4000 || ev.Code > 4999
}

// readInput sends each non-empty line as a chat message until in is exhausted.
func readInput(in io.Reader, mgr *connection.Manager, m *metrics.Metrics, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ok := mgr.Send(line)
		m.ObserveSend(ok)
		if !ok {
			logger.Warn("message not sent", "state", mgr.State())
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read input", "error", err)
	}
}

// startArchive connects the archive database and starts the writer. With the
// archive disabled it returns a nil writer and a no-op cleanup.
func startArchive(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*archive.Writer, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	logger.Info("connecting to archive database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := archive.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	w := archive.NewWriter(archive.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		BufferSize:    cfg.BufferSize,
	}, pool, logger)
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return w, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Stop(stopCtx); err != nil {
			logger.Warn("archive stop", "error", err)
		}
		stats := w.Stats()
		logger.Info("archive closed",
			"inserts", stats.Inserts,
			"conflicts", stats.Conflicts,
			"dropped", stats.Dropped,
			"errors", stats.Errors,
		)
		pool.Close()
	}, nil
}

// session renders one room connection to the terminal and feeds the archive.
type session struct {
	room   string
	out    io.Writer
	writer *archive.Writer
	logger *slog.Logger

	connID atomic.Pointer[uuid.UUID]
	stop   atomic.Value // connection.StopReason
}

func (s *session) callbacks() connection.Callbacks {
	return connection.Callbacks{
		OnSocketChange: func(m *connection.Manager) {
			id := m.ID()
			s.connID.Store(&id)
		},
		OnOpen: func() {
			s.logger.Info("connected", "room", s.room)
		},
		OnMessage: s.handleMessage,
		OnClose: func(ev connection.CloseEvent) {
			s.logger.Info("connection closed", "code", ev.Code, "reason", ev.Reason, "clean", ev.WasClean)
		},
		OnError: func(err error) {
			var decodeErr *connection.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn("undecodable frame", "error", err)
				return
			}
			s.logger.Error("connection error", "error", err)
		},
		OnReconnectAttempt: func(a connection.ReconnectAttempt) {
			s.logger.Info("reconnecting", "attempt", a.Attempt, "delay_ms", a.DelayMs)
		},
		OnReconnectStop: func(reason connection.StopReason) {
			s.stop.Store(reason)
			s.logger.Warn("reconnect stopped", "reason", reason)
		},
	}
}

func (s *session) handleMessage(msg connection.Message) {
	if s.writer != nil {
		var id uuid.UUID
		if p := s.connID.Load(); p != nil {
			id = *p
		}
		s.writer.Record(id, s.room, msg)
	}

	ev, err := chat.ParseEvent(msg.Payload)
	if err != nil {
		s.logger.Debug("unrecognized frame", "error", err, "payload", string(msg.Payload))
		fmt.Fprintln(s.out, string(msg.Payload))
		return
	}
	fmt.Fprintln(s.out, ev.Format())
}

func (s *session) stopReason() connection.StopReason {
	reason, _ := s.stop.Load().(connection.StopReason)
	return reason
}

// newMetricsMux serves the Prometheus registry and a health probe reporting
// the connection state.
func newMetricsMux(cfg config.MetricsConfig, m *metrics.Metrics, mgr *connection.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := mgr.State()
		w.Header().Set("Content-Type", "application/json")
		if state != connection.StateOpen {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, `{"status":%q,"room":%q,"attempt":%d}`+"\n", state, mgr.Target(), mgr.Attempt())
	})
	return mux
}
