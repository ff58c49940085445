// Package relay assembles the full aily relay: storage, registry,
// SSH executor, platform adapters, router, schedulers, and the
// dashboard gateway.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aily-sh/aily/internal/relay/backup"
	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/config"
	"github.com/aily-sh/aily/internal/relay/db"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/gateway"
	"github.com/aily-sh/aily/internal/relay/platform"
	"github.com/aily-sh/aily/internal/relay/platform/discord"
	"github.com/aily-sh/aily/internal/relay/platform/slack"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/router"
	"github.com/aily-sh/aily/internal/relay/scheduler"
	"github.com/aily-sh/aily/internal/relay/sshexec"
	"github.com/aily-sh/aily/internal/relay/store"
)

const shutdownTimeout = 10 * time.Second

// Server is one fully wired relay instance. Call Serve to run it.
type Server struct {
	cfg   *config.Config
	log   *slog.Logger
	sqlDB *sql.DB

	store     *store.Store
	bus       *bus.Bus
	registry  *registry.Registry
	exec      *sshexec.Executor
	adapters  []platform.Adapter
	router    *router.Router
	scheduler *scheduler.Scheduler
	backupper *backup.Backupper
	http      *http.Server
}

// NewServer opens storage, runs migrations, and wires every component.
// It does not touch the network; Serve does.
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w: %w", fault.ErrStorage, err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w: %w", fault.ErrStorage, err)
	}

	st := store.New(sqlDB)
	b := bus.New()
	reg := registry.New(st, b, cfg.IdleAfter(), log)
	exec := sshexec.New(cfg.SSHHosts, cfg.SSHUser, cfg.SSHKeyFile, log)

	var adapters []platform.Adapter
	for _, name := range cfg.Platforms {
		switch name {
		case platform.Discord:
			adapters = append(adapters, discord.New(discord.Config{
				BotToken:  cfg.DiscordBotToken,
				ChannelID: cfg.DiscordChannelID,
				Hosts:     cfg.SSHHosts,
			}, log))
		case platform.Slack:
			adapters = append(adapters, slack.New(slack.Config{
				BotToken:  cfg.SlackBotToken,
				AppToken:  cfg.SlackAppToken,
				ChannelID: cfg.SlackChannelID,
				Hosts:     cfg.SSHHosts,
			}, log))
		}
	}

	rt := router.New(router.Config{
		Hosts:           cfg.SSHHosts,
		ThreadCleanup:   cfg.ThreadCleanup,
		ThreadSync:      cfg.TmuxThreadSync,
		NotifyRetries:   cfg.NotifyMaxRetries,
		NewSessionAgent: cfg.NewSessionAgent,
	}, st, reg, b, exec, adapters, log)

	sched := scheduler.New(b, log)
	jobs := scheduler.NewJobs(st, reg, b, exec, rt, cfg.OrphanRetention(), log)
	jobs.Register(sched, cfg.PollInterval(), cfg.ScrapeInterval())
	rt.OnSync(jobs.SyncSession)

	gw := gateway.New(gateway.Config{
		Token:          cfg.DashboardToken,
		MaxWSClients:   cfg.MaxWSClients,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, st, reg, b, rt, log)

	return &Server{
		cfg:       cfg,
		log:       log.With("component", "relay"),
		sqlDB:     sqlDB,
		store:     st,
		bus:       b,
		registry:  reg,
		exec:      exec,
		adapters:  adapters,
		router:    rt,
		scheduler: sched,
		backupper: backup.New(sqlDB, cfg.BackupsDir(),
			time.Duration(cfg.BackupIntervalHrs)*time.Hour,
			time.Duration(cfg.BackupRetainDays)*24*time.Hour, log),
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Serve connects the platforms and runs everything until ctx is
// cancelled, then shuts down in reverse construction order. A platform
// credential rejection aborts startup with platform.ErrAuth in the
// chain.
func (s *Server) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, a := range s.adapters {
		if err := a.Connect(runCtx); err != nil {
			s.closeAll(runCtx)
			return fmt.Errorf("connect %s: %w", a.Name(), err)
		}
		s.log.Info("platform connected", "platform", a.Name())
	}

	s.router.Start(runCtx)
	s.scheduler.Start(runCtx)
	go s.backupper.Run(runCtx)
	go s.recordEvents(runCtx)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.closeAll(runCtx)
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("relay listening", "addr", s.cfg.Addr, "hosts", strings.Join(s.cfg.SSHHosts, ","))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		s.closeAll(runCtx)
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("relay shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = s.http.Shutdown(shutdownCtx)

	cancel()
	s.scheduler.Wait()
	s.closeAll(shutdownCtx)
	return nil
}

// closeAll tears down in reverse construction order.
func (s *Server) closeAll(ctx context.Context) {
	for _, a := range s.adapters {
		if err := a.Disconnect(ctx); err != nil {
			s.log.Warn("platform disconnect failed", "platform", a.Name(), "error", err)
		}
	}
	s.exec.Close()
	s.store.Close()

	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
}

// recordEvents mirrors session and message bus events into the
// persisted activity feed the dashboard pages.
func (s *Server) recordEvents(ctx context.Context) {
	sub := s.bus.Subscribe(nil)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !persistedEvent(ev.Kind) {
				continue
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			if err := s.store.AppendEvent(ctx, ev.Kind, ev.SessionName, string(payload)); err != nil {
				s.log.Warn("event feed append failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func persistedEvent(kind string) bool {
	switch kind {
	case bus.SessionCreated, bus.SessionStatusChanged, bus.SessionDeleted,
		bus.MessageNew, bus.NotificationFailed, bus.ComponentDegraded:
		return true
	}
	return false
}
