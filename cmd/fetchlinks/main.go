package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/comonadd/fetch-tg-links/internal/app"
	"github.com/comonadd/fetch-tg-links/internal/core/services"
	"github.com/comonadd/fetch-tg-links/internal/log"
	"github.com/comonadd/fetch-tg-links/internal/pkg/config"
)

// errUsage означает, что флаги заданы неверно и справка уже выведена.
var errUsage = errors.New("invalid usage")

type options struct {
	configPath string
	params     app.Params
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "fetchlinks: %v\n", err)
		}
		os.Exit(1)
	}
}

// run инкапсулирует всю логику инициализации и запуска приложения.
func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	// 1. Загрузка и валидация конфигурации
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	validate := cfg.Validate
	if opts.params.ReplayPath != "" {
		validate = cfg.ValidateOffline
	}
	if err := validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// 2. Логгер пишет в stderr: stdout занят прогрессом и итогами
	logger := log.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	// 3. Запуск до завершения или сигнала
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.New(cfg, app.WithLogger(logger)).Run(ctx, opts.params)
}

// parseFlags разбирает аргументы командной строки.
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var (
		opts options
		id   int64
		name string
	)

	fs := flag.NewFlagSet("fetchlinks", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&name, "name", "", "public username of the supergroup, with or without @")
	fs.Int64Var(&id, "id", 0, "numeric id of the supergroup")
	fs.IntVar(&opts.params.Offset, "offset", 0, "member offset to start from")
	fs.StringVar(&opts.params.OutPath, "out", "", "save results to a .json or .xlsx file")
	fs.StringVar(&opts.configPath, "config", "", "path to the YAML config (default "+config.DefaultConfigFile+")")
	fs.BoolVar(&opts.params.Resume, "resume", false, "continue from the offset stored in the checkpoint database for this supergroup")
	fs.StringVar(&opts.params.ReplayPath, "replay", "", "replay a JSON Lines snapshot instead of connecting to Telegram")
	fs.BoolVar(&opts.params.Table, "table", false, "print found links as a table")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: fetchlinks (--name NAME | --id ID) [flags]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return nil, errUsage
	}
	if opts.params.Offset < 0 {
		fmt.Fprintln(stderr, "--offset must not be negative")
		return nil, errUsage
	}

	opts.params.Target = services.Target{Name: name, ID: id}
	if err := opts.params.Target.Validate(); err != nil {
		fmt.Fprintln(stderr, "exactly one of --name or --id is required")
		fs.Usage()
		return nil, errUsage
	}
	return &opts, nil
}
