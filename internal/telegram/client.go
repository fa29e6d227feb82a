// Package telegram реализует источник событий в стиле TDLib поверх MTProto-клиента gotd.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	tglog "github.com/comonadd/fetch-tg-links/internal/log"
	"github.com/comonadd/fetch-tg-links/internal/ports"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

var (
	// ErrFloodWaitActive возвращается, когда клиент не может выполнить запрос из-за активного ограничения FLOOD_WAIT.
	ErrFloodWaitActive = errors.New("client is in flood wait")
	// ErrUnsupportedRequest возвращается для запросов, которые источник не умеет выполнять.
	ErrUnsupportedRequest = errors.New("unsupported request")
	// floodWaitRegex используется для парсинга длительности ожидания из сообщения об ошибке.
	floodWaitRegex = regexp.MustCompile(`FLOOD_WAIT \((\d+)\)`)
)

const (
	// sessionFileName - имя файла сессии внутри каталога базы данных.
	sessionFileName  = "session.json"
	requestQueueSize = 256
	eventQueueSize   = 1024
)

// telegramAPI представляет необработанные методы API, которые мы используем.
type telegramAPI interface {
	UsersGetUsers(ctx context.Context, request []tg.InputUserClass) ([]tg.UserClass, error)
	ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsGetParticipants(ctx context.Context, req *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error)
	MessagesGetAllChats(ctx context.Context, exceptIDs []int64) (tg.MessagesChatsClass, error)
}

// telegramAuth представляет клиент аутентификации.
type telegramAuth interface {
	auth.FlowClient
	Status(ctx context.Context) (*auth.Status, error)
}

// telegramRunner определяет зависимости от клиента gotd.
// Это позволяет создавать моки в тестах.
type telegramRunner interface {
	Run(ctx context.Context, f func(ctx context.Context) error) error
	API() telegramAPI
	Auth() telegramAuth
}

// prodRunner является оберткой вокруг реального *telegram.Client для удовлетворения интерфейса telegramRunner.
type prodRunner struct {
	*telegram.Client
}

func (p *prodRunner) API() telegramAPI {
	return p.Client.API()
}

func (p *prodRunner) Auth() telegramAuth {
	return p.Client.Auth()
}

// runnerFactory создает клиент gotd по параметрам сессии.
type runnerFactory func(params tdjson.TdlibParameters) (telegramRunner, error)

// Session - потокобезопасный источник событий ports.EventSource.
// Запросы выполняются по одному фоновым обработчиком, события
// доставляются через буферизованный канал.
type Session struct {
	id             string
	newRunner      runnerFactory
	bridge         *tglog.ZapBridge
	clock          func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	requestTimeout time.Duration
	log            *slog.Logger

	requests chan tdjson.Request
	events   chan tdjson.Event
	done     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc

	mu             sync.RWMutex
	unhealthyUntil time.Time

	// Поля ниже принадлежат фоновому обработчику.
	state     domain.AuthorizationState
	runner    telegramRunner
	cancelRun context.CancelFunc
	runErr    chan error
	phone     string
	codeHash  string
	channels  map[int64]*tg.Channel
	users     map[int64]*tg.User
}

var _ ports.EventSource = (*Session)(nil)

// SessionOption определяет функциональную опцию для конфигурации сессии.
type SessionOption func(*Session)

// WithLogger устанавливает логгер для сессии.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRequestTimeout ограничивает время одного вызова API.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewSession создает новую сессию. Клиент gotd создается при получении setTdlibParameters.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		id:             uuid.NewString(),
		bridge:         tglog.NewZapBridge(),
		clock:          time.Now,
		sleep:          sleepContext,
		requestTimeout: 30 * time.Second,
		log:            slog.Default(),
		requests:       make(chan tdjson.Request, requestQueueSize),
		events:         make(chan tdjson.Event, eventQueueSize),
		done:           make(chan struct{}),
		state:          domain.AuthStateWaitParameters,
		channels:       make(map[int64]*tg.Channel),
		users:          make(map[int64]*tg.User),
	}
	s.newRunner = s.gotdRunner

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("client_id", s.id)

	return s
}

// gotdRunner создает настоящий клиент gotd с файловым хранилищем сессии.
func (s *Session) gotdRunner(params tdjson.TdlibParameters) (telegramRunner, error) {
	if err := os.MkdirAll(params.DatabaseDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	client := telegram.NewClient(params.APIID, params.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: filepath.Join(params.DatabaseDirectory, sessionFileName)},
		Logger:         s.bridge.Logger(),
		Device: telegram.DeviceConfig{
			DeviceModel:    params.DeviceModel,
			AppVersion:     params.ApplicationVersion,
			SystemLangCode: params.SystemLanguageCode,
			LangCode:       params.SystemLanguageCode,
		},
	})
	return &prodRunner{Client: client}, nil
}

// ID возвращает уникальный идентификатор клиента.
func (s *Session) ID() string {
	return s.id
}

// Start запускает фоновый обработчик запросов.
// Должен быть вызван один раз перед использованием сессии.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.loop(ctx)
	})
}

// Close останавливает обработчик и клиент gotd.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()
		<-s.done
	})
	return nil
}

// TrySend ставит запрос в очередь, не дожидаясь ответа.
func (s *Session) TrySend(req tdjson.Request) {
	select {
	case s.requests <- req:
	case <-s.done:
		s.log.Warn("Request dropped: session is closed", "type", req.TDType())
	}
}

// Poll ждет следующее событие не дольше timeout.
func (s *Session) Poll(ctx context.Context, timeout time.Duration) tdjson.Event {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.events:
		return ev
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// ExecuteSync выполняет команды, не требующие обращения к сети.
func (s *Session) ExecuteSync(req tdjson.Request) tdjson.Event {
	switch r := req.(type) {
	case *tdjson.SetLogVerbosityLevel:
		s.bridge.SetVerbosity(r.NewVerbosityLevel)
		return &tdjson.Ok{Extra: tdjson.Extra{Extra: r.GetExtra()}}
	default:
		return &tdjson.Error{
			Extra:   tdjson.Extra{Extra: req.GetExtra()},
			Code:    400,
			Message: fmt.Sprintf("%s: %s cannot be executed synchronously", ErrUnsupportedRequest, req.TDType()),
		}
	}
}

// SetLogCallback устанавливает обработчик журнала библиотеки.
func (s *Session) SetLogCallback(cb ports.LogCallback) {
	s.bridge.SetCallback(cb)
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	defer s.stopRunner()

	s.log.InfoContext(ctx, "Telegram session worker started")
	for {
		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "Telegram session worker stopped")
			return
		case req := <-s.requests:
			s.handle(ctx, req)
		}
	}
}

// emit доставляет событие потребителю.
func (s *Session) emit(ctx context.Context, ev tdjson.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// startRunner запускает клиент gotd в фоне и ждет установления соединения.
func (s *Session) startRunner(ctx context.Context, runner telegramRunner) error {
	runCtx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	runErr := make(chan error, 1)

	go func() {
		s.log.InfoContext(ctx, "Starting telegram client background runner")
		err := runner.Run(runCtx, func(runCtx context.Context) error {
			close(ready)
			// Держим соединение активным, пока не завершится контекст.
			<-runCtx.Done()
			return runCtx.Err()
		})

		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.ErrorContext(ctx, "Telegram client background runner exited with error", "error", err)
		} else {
			s.log.InfoContext(ctx, "Telegram client background runner stopped")
		}
		runErr <- err
		close(runErr)
	}()

	select {
	case <-ready:
		s.runner = runner
		s.cancelRun = cancel
		s.runErr = runErr
		return nil
	case err := <-runErr:
		cancel()
		return fmt.Errorf("telegram client stopped before connecting: %w", err)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// stopRunner останавливает клиент gotd и ждет его завершения.
func (s *Session) stopRunner() {
	if s.cancelRun == nil {
		return
	}
	s.cancelRun()
	<-s.runErr
	s.cancelRun = nil
	s.runner = nil
}

// do выполняет вызов API с ограничением по времени.
// При FLOOD_WAIT ждет указанное время и повторяет вызов один раз.
func (s *Session) do(ctx context.Context, name string, f func(ctx context.Context) error) error {
	if s.runner == nil {
		return fmt.Errorf("%s: telegram client is not initialized", name)
	}

	s.log.DebugContext(ctx, "Executing API call", "method", name)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = s.waitHealthy(ctx); err != nil {
			return err
		}

		err = s.attempt(ctx, f)
		if err == nil {
			return nil
		}
		if !s.handleError(err) {
			break
		}
	}

	if !errors.Is(err, ErrFloodWaitActive) {
		s.log.WarnContext(ctx, "API call failed", "method", name, "error", err)
	}
	return err
}

func (s *Session) attempt(ctx context.Context, f func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	opErr := f(callCtx)
	if opErr != nil {
		// Также проверяем, не отвалился ли сам клиент.
		select {
		case runErr, ok := <-s.runErr:
			if ok && runErr != nil {
				return fmt.Errorf("telegram client is not running: %w (operation error: %v)", runErr, opErr)
			}
		default:
		}
	}
	return opErr
}

// waitHealthy ждет окончания FLOOD_WAIT, если оно активно.
func (s *Session) waitHealthy(ctx context.Context) error {
	if err := s.checkHealthStatus(); err == nil {
		return nil
	}

	s.mu.RLock()
	wait := s.unhealthyUntil.Sub(s.clock())
	s.mu.RUnlock()

	s.log.InfoContext(ctx, "Waiting for flood wait to expire", "wait_duration", wait)
	if err := s.sleep(ctx, wait); err != nil {
		return fmt.Errorf("%w: %v", ErrFloodWaitActive, err)
	}
	return nil
}

// checkHealthStatus проверяет, не находится ли клиент в состоянии FLOOD_WAIT.
func (s *Session) checkHealthStatus() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.unhealthyUntil.IsZero() && s.clock().Before(s.unhealthyUntil) {
		return fmt.Errorf("%w: active until %v", ErrFloodWaitActive, s.unhealthyUntil)
	}
	return nil
}

// handleError ищет FLOOD_WAIT и обновляет состояние клиента.
// Возвращает true, если вызов стоит повторить.
func (s *Session) handleError(err error) bool {
	waitDuration, ok := parseFloodWait(err)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unhealthyUntil = s.clock().Add(waitDuration)
	s.log.Warn("Client got FLOOD_WAIT, set unhealthy", "wait_duration", waitDuration, "until", s.unhealthyUntil)
	return true
}

// parseFloodWait извлекает длительность ожидания из ошибки.
func parseFloodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	matches := floodWaitRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0, false
	}

	seconds, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0, false
	}

	return time.Duration(seconds) * time.Second, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
