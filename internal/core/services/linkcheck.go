package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gookit/color"
	"golang.org/x/term"

	"github.com/comonadd/fetch-tg-links/internal/cache"
	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
)

// CheckerOption - функциональная опция для настройки LinkCheckService.
type CheckerOption func(*LinkCheckService)

// WithCheckerLogger устанавливает логгер для сервиса проверки.
func WithCheckerLogger(l *slog.Logger) CheckerOption {
	return func(s *LinkCheckService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCache включает кэширование результатов на время ttl.
func WithCache(c *cache.CacheStore, ttl time.Duration) CheckerOption {
	return func(s *LinkCheckService) {
		if c != nil && ttl > 0 {
			s.cache = c
			s.cacheTTL = ttl
		}
	}
}

// WithFindingsOutput задает поток, в который печатаются найденные профили.
func WithFindingsOutput(w io.Writer) CheckerOption {
	return func(s *LinkCheckService) {
		if w != nil {
			s.out = w
		}
	}
}

// LinkCheckService проверяет имя пользователя всеми сервисами по очереди.
type LinkCheckService struct {
	services []ports.LookupService
	cache    *cache.CacheStore
	cacheTTL time.Duration
	out      io.Writer
	colored  bool
	log      *slog.Logger
}

var _ ports.LinkChecker = (*LinkCheckService)(nil)

// NewLinkCheckService создает сервис проверки. Порядок services сохраняется.
func NewLinkCheckService(services []ports.LookupService, opts ...CheckerOption) *LinkCheckService {
	s := &LinkCheckService{
		services: services,
		out:      os.Stdout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.colored = isTerminal(s.out)
	return s
}

// isTerminal сообщает, выводит ли w в терминал. Цвет в файл или канал не пишется.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Services возвращает имена зарегистрированных сервисов.
func (s *LinkCheckService) Services() []string {
	names := make([]string, len(s.services))
	for i, svc := range s.services {
		names[i] = svc.Name()
	}
	return names
}

// Check проверяет пользователя всеми сервисами. Ошибка сети сохраняется как
// отсутствие профиля, а имя сервиса попадает в Failed.
func (s *LinkCheckService) Check(ctx context.Context, username string) domain.CheckReport {
	report := domain.CheckReport{Record: make(domain.UserRecord, len(s.services))}

	for _, svc := range s.services {
		name := svc.Name()
		report.Record[name] = nil

		url, found, err := s.lookup(ctx, svc, username)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WarnContext(ctx, "Lookup failed", "service", name, "username", username, "error", err)
			}
			report.Failed = append(report.Failed, name)
			continue
		}
		if !found {
			continue
		}

		report.Record[name] = &url
		s.printFound(name, username, url)
	}

	return report
}

func (s *LinkCheckService) lookup(ctx context.Context, svc ports.LookupService, username string) (string, bool, error) {
	key := cache.Key(svc.Name(), username)
	if s.cache != nil {
		if item, ok := s.cache.Get(key); ok {
			s.log.DebugContext(ctx, "Lookup cache hit", "service", svc.Name(), "username", username)
			return item.Data.URL, item.Data.Found, nil
		}
	}

	url, found, err := svc.Check(ctx, username)
	if err != nil {
		return "", false, err
	}

	if s.cache != nil {
		s.cache.Put(key, cache.LookupResult{URL: url, Found: found}, s.cacheTTL)
	}
	return url, found, nil
}

func (s *LinkCheckService) printFound(service, username, url string) {
	line := fmt.Sprintf("FOUND %s for %s: %s", strings.ToUpper(service), username, url)
	if s.colored {
		line = color.Green.Sprint(line)
	}
	fmt.Fprintln(s.out, line)
}
