// Package app собирает зависимости и выполняет один запуск сбора ссылок.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/comonadd/fetch-tg-links/internal/adapters/checkpoint"
	"github.com/comonadd/fetch-tg-links/internal/adapters/exporter"
	"github.com/comonadd/fetch-tg-links/internal/adapters/lookup"
	"github.com/comonadd/fetch-tg-links/internal/adapters/source"
	"github.com/comonadd/fetch-tg-links/internal/cache"
	"github.com/comonadd/fetch-tg-links/internal/core/services"
	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/pkg/config"
	"github.com/comonadd/fetch-tg-links/internal/pkg/term"
	"github.com/comonadd/fetch-tg-links/internal/ports"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
	"github.com/comonadd/fetch-tg-links/internal/telegram"
)

// ErrResumeWithoutCheckpoint возвращается, если продолжение запрошено без базы прогресса.
var ErrResumeWithoutCheckpoint = errors.New("resume requires checkpoint.path to be configured")

// Params - параметры одного запуска из командной строки.
type Params struct {
	Target services.Target
	Offset int
	// OutPath - файл результата (.json или .xlsx). Пусто - не сохранять.
	OutPath string
	// Resume продолжает обход с сохраненного смещения.
	Resume bool
	// ReplayPath - снимок Telegram для воспроизведения вместо сети.
	ReplayPath string
	// Table выводит найденные ссылки таблицей.
	Table bool
}

// App выполняет запуск по конфигурации.
type App struct {
	cfg        *config.Config
	log        *slog.Logger
	out        io.Writer
	errOut     io.Writer
	prompter   ports.Prompter
	httpClient *http.Client
}

// Option - функциональная опция для настройки App.
type Option func(*App)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithOutput задает потоки вывода прогресса и диагностики.
func WithOutput(out, errOut io.Writer) Option {
	return func(a *App) {
		if out != nil {
			a.out = out
		}
		if errOut != nil {
			a.errOut = errOut
		}
	}
}

// WithPrompter задает источник ответов на вопросы авторизации.
func WithPrompter(p ports.Prompter) Option {
	return func(a *App) {
		if p != nil {
			a.prompter = p
		}
	}
}

// WithHTTPClient задает HTTP-клиент для сервисов поиска.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		a.httpClient = c
	}
}

// New создает приложение.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{
		cfg:    cfg,
		log:    slog.Default(),
		out:    os.Stdout,
		errOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.prompter == nil {
		a.prompter = term.NewTerminal()
	}
	return a
}

// Run выполняет один запуск. Ошибка сессии означает, что результат не выводится и не сохраняется.
func (a *App) Run(ctx context.Context, p Params) error {
	if err := p.Target.Validate(); err != nil {
		return err
	}
	if p.Resume && a.cfg.Checkpoint.Path == "" {
		return ErrResumeWithoutCheckpoint
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exp ports.Exporter
	if p.OutPath != "" {
		var err error
		if exp, err = exporter.ForPath(p.OutPath); err != nil {
			return err
		}
	}

	src, closeSource, err := a.newSource(ctx, p.ReplayPath)
	if err != nil {
		return err
	}
	defer closeSource()

	checker := a.newChecker(ctx)

	driverOpts := []services.Option{
		services.WithLogger(a.log),
		services.WithOutput(a.out, a.errOut),
		services.WithPhoneNumber(a.cfg.Telegram.PhoneNumber),
	}

	var checkpoints *checkpoint.SQLiteStore
	if a.cfg.Checkpoint.Path != "" {
		store, err := checkpoint.Open(a.cfg.Checkpoint.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				a.log.WarnContext(ctx, "Failed to close checkpoint database", "error", err)
			}
		}()
		driverOpts = append(driverOpts, services.WithProgress(store))
		if p.Resume {
			driverOpts = append(driverOpts, services.WithResume())
			checkpoints = store
		}
	}
	driverOpts = append(driverOpts, services.WithStartOffset(p.Offset))

	driver := services.NewDriver(src, checker, a.prompter, a.tdlibParameters(), p.Target, driverOpts...)
	outcome, err := driver.Run(ctx)
	if err != nil {
		return err
	}
	if checkpoints != nil {
		if err := a.mergePrevious(ctx, checkpoints, outcome); err != nil {
			return err
		}
	}

	sum := services.Summarize(outcome)
	switch {
	case outcome.Interrupted:
		a.log.WarnContext(ctx, "Run interrupted, results are partial", "offset", outcome.Offset)
	case outcome.Exhausted:
		a.log.InfoContext(ctx, "Member list exhausted", "supergroup_id", outcome.SupergroupID, "offset", outcome.Offset)
	}
	if p.Table {
		if err := exporter.NewConsoleExporter(a.out).Export(outcome); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.out, services.SummaryLine(sum))
	fmt.Fprintln(a.out, services.PositionLine(sum))
	if sum.LookupFailures > 0 {
		a.log.WarnContext(ctx, "Some lookups failed and were stored as not found", "failures", sum.LookupFailures)
	}

	if exp == nil {
		return nil
	}
	fmt.Fprintf(a.out, "Saving to %s... ", p.OutPath)
	if err := exp.Export(outcome); err != nil {
		fmt.Fprintln(a.out)
		return fmt.Errorf("failed to save results: %w", err)
	}
	fmt.Fprintln(a.out, "Done!")
	return nil
}

// newSource создает источник событий: снимок или настоящую сессию Telegram.
func (a *App) newSource(ctx context.Context, replayPath string) (ports.EventSource, func(), error) {
	if replayPath != "" {
		snap, err := source.LoadSnapshot(replayPath)
		if err != nil {
			return nil, nil, err
		}
		a.log.InfoContext(ctx, "Replaying snapshot", "path", replayPath, "supergroups", len(snap.Supergroups))
		return source.NewReplaySource(snap, source.WithLogger(a.log)), func() {}, nil
	}

	session := telegram.NewSession(
		telegram.WithLogger(a.log),
		telegram.WithRequestTimeout(a.cfg.Telegram.RequestTimeout),
	)
	session.Start(ctx)
	return session, func() {
		if err := session.Close(); err != nil {
			a.log.Warn("Failed to close telegram session", "error", err)
		}
	}, nil
}

func (a *App) newChecker(ctx context.Context) *services.LinkCheckService {
	lookups := make([]ports.LookupService, 0, len(a.cfg.Lookup.Services))
	for _, sc := range a.cfg.Lookup.Services {
		opts := []lookup.Option{
			lookup.WithLogger(a.log),
			lookup.WithSelector(sc.Selector),
			lookup.WithUserAgent(a.cfg.Lookup.UserAgent),
			lookup.WithTimeout(a.cfg.Lookup.Timeout),
		}
		if a.httpClient != nil {
			opts = append(opts, lookup.WithHTTPClient(a.httpClient))
		}
		svc, err := lookup.NewService(sc.Name, sc.URL, opts...)
		if err != nil {
			// Конфигурация уже проверена, сюда попадать не должны.
			a.log.ErrorContext(ctx, "Skipping invalid lookup service", "service", sc.Name, "error", err)
			continue
		}
		lookups = append(lookups, svc)
	}

	checkerOpts := []services.CheckerOption{
		services.WithCheckerLogger(a.log),
		services.WithFindingsOutput(a.out),
	}
	if ttl := a.cfg.Lookup.CacheTTL; ttl > 0 {
		store := cache.NewCacheStore()
		store.StartCleanupTicker(ctx, ttl)
		checkerOpts = append(checkerOpts, services.WithCache(store, ttl))
	}
	checker := services.NewLinkCheckService(lookups, checkerOpts...)
	a.log.DebugContext(ctx, "Lookup services configured", "services", checker.Services())
	return checker
}

func (a *App) tdlibParameters() tdjson.TdlibParameters {
	return tdjson.TdlibParameters{
		DatabaseDirectory:      a.cfg.Telegram.DatabaseDirectory,
		UseMessageDatabase:     true,
		UseSecretChats:         true,
		APIID:                  a.cfg.Telegram.APIID,
		APIHash:                a.cfg.Telegram.APIHash,
		SystemLanguageCode:     a.cfg.Telegram.SystemLanguageCode,
		DeviceModel:            a.cfg.Telegram.DeviceModel,
		ApplicationVersion:     a.cfg.Telegram.ApplicationVersion,
		EnableStorageOptimizer: true,
	}
}

// mergePrevious добавляет записи прошлых запусков по той же супергруппе,
// не затирая свежие.
func (a *App) mergePrevious(ctx context.Context, store *checkpoint.SQLiteStore, outcome *domain.Outcome) error {
	if outcome.SupergroupID == 0 {
		return nil
	}
	previous, err := store.LoadRecords(context.WithoutCancel(ctx), outcome.SupergroupID)
	if err != nil {
		return err
	}
	merged := 0
	for username, record := range previous.Users() {
		if _, ok := outcome.Store.Get(username); !ok {
			outcome.Store.Put(username, record)
			merged++
		}
	}
	a.log.InfoContext(ctx, "Merged results of previous runs", "supergroup_id", outcome.SupergroupID, "users", merged)
	return nil
}
