package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	daemon "github.com/sevlyar/go-daemon"

	"github.com/scalytics/connectd/internal/bus"
	"github.com/scalytics/connectd/internal/cancel"
	"github.com/scalytics/connectd/internal/config"
	"github.com/scalytics/connectd/internal/discovery"
	"github.com/scalytics/connectd/internal/engine"
	connecthttp "github.com/scalytics/connectd/internal/http"
	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/paths"
	"github.com/scalytics/connectd/internal/policy"
	"github.com/scalytics/connectd/internal/store"
)

const version = "0.1.0"

type cli struct {
	Serve   serveCmd   `cmd:"" default:"1" help:"Run the connectd daemon."`
	Version versionCmd `cmd:"" help:"Print the version and exit."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("connectd %s\n", version)
	return nil
}

type serveCmd struct {
	Config string `help:"Path to connectd.yaml." type:"path"`
	Debug  bool   `help:"Enable debug logging."`
	Daemon bool   `help:"Detach and run in the background."`
}

func (c serveCmd) Run() error {
	level := LevelInfo
	if c.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05", ShowCaller: c.Debug})

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if c.Daemon {
		cntxt := &daemon.Context{
			PidFileName: filepath.Join(cfg.Data.Dir, "connectd.pid"),
			PidFilePerm: 0644,
			LogFileName: filepath.Join(cfg.Data.Dir, "connectd.log"),
			LogFilePerm: 0640,
			Umask:       027,
		}
		child, err := cntxt.Reborn()
		if err != nil {
			return fmt.Errorf("failed to daemonize: %w", err)
		}
		if child != nil {
			// Parent: the child carries on.
			return nil
		}
		defer cntxt.Release()
	}

	return serve(cfg)
}

func serve(cfg *config.Config) error {
	L_info("connectd %s starting", version)

	if err := paths.EnsureDir(cfg.Data.Dir); err != nil {
		return err
	}

	st, err := store.Open(paths.DatabasePath(cfg.Data.Dir))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	b := bus.New()
	cancels := cancel.NewRegistry()
	pol := policy.New(st)
	eng := engine.New(cfg, st, b, cancels)

	// Re-assert the persisted policy on boot; the DB may carry state from
	// before an unclean shutdown.
	privacy, err := st.GetBoolSetting(store.SettingGlobalPrivacyMode)
	if err != nil {
		return err
	}
	airGap, err := st.GetBoolSetting(store.SettingAirGappedMode)
	if err != nil {
		return err
	}
	if err := pol.Apply(privacy, airGap); err != nil {
		return err
	}

	// A previous daemon may have died with a model still marked active and
	// engine processes still running.
	eng.ForceCleanup()

	scanner := discovery.New(cfg.Data.Dir, st, b)
	if err := scanner.Start(); err != nil {
		return fmt.Errorf("failed to start model discovery: %w", err)
	}
	defer scanner.Stop()

	srv := connecthttp.NewServer(cfg, st, eng, pol, b, cancels)
	if err := srv.Start(); err != nil {
		return err
	}

	L_info("connectd ready", "listen", cfg.Server.Listen, "data", cfg.Data.Dir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	L_info("connectd shutting down", "signal", sig)
	SetShuttingDown()

	if err := srv.Stop(); err != nil {
		L_warn("http shutdown failed", "error", err)
	}
	if err := eng.DeactivateCurrent(); err != nil {
		L_warn("engine shutdown failed", "error", err)
	}

	L_info("connectd stopped")
	return nil
}

func main() {
	var c cli
	k := kong.Parse(&c,
		kong.Name("connectd"),
		kong.Description("Self-hosted LLM orchestration daemon."),
		kong.UsageOnError(),
	)
	if err := k.Run(); err != nil {
		L_fatal("%v", err)
	}
}
