// classswap watches course sections for open seats and can negotiate a
// drop/add swap over the scheduler's registration socket.
//
// Usage:
//
//	classswap [flags] [run]
//	classswap [flags] lookup CRN...
//	classswap [flags] history [--limit N]
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/class-swap/backend/internal/app"
	"github.com/class-swap/backend/internal/config"
	"github.com/class-swap/backend/internal/history"
	"github.com/class-swap/backend/internal/logging"
	"github.com/class-swap/backend/internal/login"
	"github.com/class-swap/backend/internal/mock"
	"github.com/class-swap/backend/internal/session"
)

type globalFlags struct {
	configPath string
	mock       bool
	mode       string
	logLevel   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var g globalFlags
	flagSet := pflag.NewFlagSet("classswap", pflag.ContinueOnError)
	flagSet.StringVarP(&g.configPath, "config", "c", "config.yaml", "path to the config file (.yaml, or legacy .json)")
	flagSet.BoolVar(&g.mock, "mock", false, "run against a built-in fake registrar")
	flagSet.StringVar(&g.mode, "mode", "", "override the configured mode (watch or swap)")
	flagSet.StringVar(&g.logLevel, "log-level", "", "override the configured log level")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: classswap [flags] [run | lookup CRN... | history]\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth := authenticator(cfg)
	if g.mock {
		srv := mock.New(mock.Options{
			FlipEvery:       4,
			ExpireEvery:     15,
			RejectCount:     3,
			ExpireTokenOnce: true,
			Logger:          log.Named("mock"),
		})
		base, err := srv.Start()
		if err != nil {
			return err
		}
		defer srv.Close()
		applyMock(cfg, base)
		auth = mock.Login{Server: srv}
	}

	rest := flagSet.Args()
	cmd := "run"
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}
	switch cmd {
	case "run":
		return runMonitor(ctx, cfg, logger, auth)
	case "lookup":
		return runLookup(ctx, cfg, log, auth, rest)
	case "history":
		return runHistory(ctx, cfg, rest)
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(g globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	switch {
	case err == nil:
	case g.mock && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
		cfg.StateDir = config.DefaultStateDir()
	default:
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if g.mode != "" {
		cfg.Mode = config.Mode(g.mode)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// authenticator picks how a fresh cookie is obtained: the configured
// helper command, otherwise the operator if one is at the terminal.
func authenticator(cfg *config.Config) session.Authenticator {
	if len(cfg.Session.LoginCommand) > 0 {
		return login.Command{Argv: cfg.Session.LoginCommand, Stderr: os.Stderr}
	}
	if login.Interactive() {
		return login.NewPrompt()
	}
	return login.Static{}
}

// applyMock points cfg at the fake registrar and fills in whatever a run
// needs that the config left out.
func applyMock(cfg *config.Config, base string) {
	cfg.Endpoints = config.EndpointsConfig{Howdy: base, Scheduler: base, Socket: mock.SocketURL(base)}
	cfg.Credentials.Cookie = ""
	cfg.Term = mock.DefaultTermName
	cfg.StateDir = filepath.Join(cfg.StateDir, "mock")
	if len(cfg.WatchedCRNs()) == 0 {
		cfg.Watch.Targets = []config.TargetConfig{{Course: "CSCE 121", CRNs: []string{"12345", "12346"}}}
	}
	if cfg.Swap.From == "" || cfg.Swap.To == "" {
		cfg.Swap.From, cfg.Swap.To = "12345", "34567"
	}
}

func runMonitor(ctx context.Context, cfg *config.Config, logger *zap.Logger, auth session.Authenticator) error {
	r, err := app.New(app.Options{Config: cfg, Logger: logger, Auth: auth})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

func runLookup(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, auth session.Authenticator, crns []string) error {
	if len(crns) == 0 {
		return errors.New("lookup: give at least one CRN")
	}
	if cfg.Term == "" {
		return errors.New("lookup: term is not configured")
	}
	results, err := app.Lookup(ctx, cfg, auth, nil, log, crns)
	if err != nil {
		return err
	}
	for _, r := range results {
		switch {
		case !r.Found:
			fmt.Printf("%s\tnot found in %s\n", r.CRN, cfg.Term)
		case r.Open:
			fmt.Printf("%s\t%s\tOPEN\n", r.CRN, r.Title)
		default:
			fmt.Printf("%s\t%s\tclosed\n", r.CRN, r.Title)
		}
	}
	return nil
}

func runHistory(ctx context.Context, cfg *config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("history", pflag.ContinueOnError)
	limit := flagSet.IntP("limit", "n", 20, "number of entries to show")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	journal, err := history.Open(app.HistoryPath(cfg))
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no history yet")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-16s %-6s %s\n", e.At.Local().Format(time.DateTime), e.Kind, e.CRN, e.Detail)
	}
	return nil
}
