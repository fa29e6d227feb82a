// Package lookup реализует проверку публичных профилей по HTTP.
package lookup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/comonadd/fetch-tg-links/internal/ports"
)

// Placeholder подставляется в шаблон адреса профиля.
const Placeholder = "{username}"

// Service проверяет существование профиля GET-запросом по шаблону адреса.
// Профиль найден, если сервер ответил 200 и, при заданном селекторе,
// на странице нашелся хотя бы один элемент.
type Service struct {
	name       string
	template   string
	selector   string
	userAgent  string
	httpClient *http.Client
	log        *slog.Logger
}

var _ ports.LookupService = (*Service)(nil)

// Option определяет функциональную опцию для сервиса.
type Option func(*Service)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSelector требует наличия CSS-селектора на странице профиля.
func WithSelector(selector string) Option {
	return func(s *Service) {
		s.selector = strings.TrimSpace(selector)
	}
}

// WithUserAgent задает заголовок User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *Service) {
		s.userAgent = ua
	}
}

// WithHTTPClient задает HTTP-клиент.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithTimeout задает общий таймаут запроса.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewService создает сервис проверки. template должен содержать {username}.
func NewService(name, template string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("lookup service name must not be empty")
	}
	if !strings.Contains(template, Placeholder) {
		return nil, fmt.Errorf("lookup service %s: url template %q must contain %s", name, template, Placeholder)
	}

	s := &Service{
		name:     name,
		template: template,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name возвращает имя сервиса.
func (s *Service) Name() string {
	return s.name
}

// Expand подставляет имя пользователя в шаблон адреса.
func Expand(template, username string) string {
	return strings.ReplaceAll(template, Placeholder, url.PathEscape(username))
}

// Check выполняет проверку профиля.
func (s *Service) Check(ctx context.Context, username string) (string, bool, error) {
	profileURL := Expand(s.template, username)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("failed to send request to %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	s.log.DebugContext(ctx, "Lookup response", "service", s.name, "username", username, "status", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		// Тело не нужно, но дочитываем его для переиспользования соединения.
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", false, nil
	}

	if s.selector == "" {
		return profileURL, true, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse %s profile page: %w", s.name, err)
	}
	if doc.Find(s.selector).Length() == 0 {
		return "", false, nil
	}
	return profileURL, true, nil
}
