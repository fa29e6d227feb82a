package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

var (
	// ErrSessionFailed оборачивает событие error, полученное от клиента. Результат запуска при этом не возвращается.
	ErrSessionFailed = errors.New("telegram session failed")
	// ErrInvalidTarget возвращается, если канал не задан или задан одновременно по имени и по id.
	ErrInvalidTarget = errors.New("exactly one of channel name or channel id must be set")
)

const (
	promptPhone     = "Please enter your phone number: "
	promptCode      = "Please enter the authentication code you received: "
	promptFirstName = "Please enter your first name: "
	promptLastName  = "Please enter your last name: "
	promptPassword  = "Please enter your password: "

	// libraryLogVerbosity - уровень журнала библиотеки: только ошибки.
	libraryLogVerbosity = 1
)

// Target описывает супергруппу: по публичному имени или по числовому id.
type Target struct {
	Name string
	ID   int64
}

// Validate проверяет, что задан ровно один способ адресации.
func (t Target) Validate() error {
	hasName := t.channelName() != ""
	if hasName == (t.ID != 0) {
		return ErrInvalidTarget
	}
	return nil
}

// String возвращает "@имя" или числовой id для журналов.
func (t Target) String() string {
	if t.ID != 0 {
		return strconv.FormatInt(t.ID, 10)
	}
	return "@" + strings.ToLower(t.channelName())
}

// channelName возвращает имя без пробелов и ведущего "@".
func (t Target) channelName() string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t.Name), "@"))
}

// matches сообщает, является ли публичное имя супергруппы искомым.
func (t Target) matches(username string) bool {
	want := t.channelName()
	return want != "" && strings.EqualFold(want, username)
}

// Option - функциональная опция для настройки Driver.
type Option func(*Driver)

// WithLogger устанавливает логгер для драйвера.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithProgress включает сохранение прогресса.
func WithProgress(p ports.ProgressStore) Option {
	return func(d *Driver) {
		d.progress = p
	}
}

// WithResume продолжает обход с сохраненного смещения, как только известен
// id супергруппы. Без сохраненного смещения используется WithStartOffset.
func WithResume() Option {
	return func(d *Driver) {
		d.resume = true
	}
}

// WithOutput задает потоки для прогресса и для диагностики.
func WithOutput(out, errOut io.Writer) Option {
	return func(d *Driver) {
		if out != nil {
			d.out = out
		}
		if errOut != nil {
			d.errOut = errOut
		}
	}
}

// WithPollTimeout задает максимальное время ожидания одного события.
func WithPollTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.pollTimeout = timeout
		}
	}
}

// WithPhoneNumber задает номер телефона для первого запроса номера.
func WithPhoneNumber(phone string) Option {
	return func(d *Driver) {
		d.phone = strings.TrimSpace(phone)
	}
}

// WithStartOffset задает смещение, с которого начинается обход участников.
func WithStartOffset(offset int) Option {
	return func(d *Driver) {
		if offset > 0 {
			d.startOffset = offset
		}
	}
}

// Driver ведет одну сессию клиента Telegram: проходит авторизацию,
// постранично запрашивает участников супергруппы и проверяет каждого
// пользователя с непустым именем.
//
// Драйвер однопоточный, его состояние принадлежит вызову Run.
type Driver struct {
	source   ports.EventSource
	checker  ports.LinkChecker
	prompter ports.Prompter
	params   tdjson.TdlibParameters
	target   Target

	progress    ports.ProgressStore
	out         io.Writer
	errOut      io.Writer
	errMu       sync.Mutex
	pollTimeout time.Duration
	phone       string
	startOffset int
	resume      bool
	log         *slog.Logger

	// Состояние запуска.
	loggedIn       bool
	channelID      int64
	needNewMembers bool
	pending        int
	requested      int
	lastPage       bool
	batch          domain.MemberBatch
	store          *domain.ResultStore
	failures       int
}

// NewDriver создает драйвер сессии.
func NewDriver(
	source ports.EventSource,
	checker ports.LinkChecker,
	prompter ports.Prompter,
	params tdjson.TdlibParameters,
	target Target,
	opts ...Option,
) *Driver {
	d := &Driver{
		source:      source,
		checker:     checker,
		prompter:    prompter,
		params:      params,
		target:      target,
		out:         os.Stdout,
		errOut:      os.Stderr,
		pollTimeout: time.Second,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run выполняет цикл событий до закрытия сессии, конца списка участников
// или отмены ctx. При событии error возвращает nil и ошибку ErrSessionFailed.
// При отмене ctx возвращает частичный результат.
func (d *Driver) Run(ctx context.Context) (*domain.Outcome, error) {
	if err := d.target.Validate(); err != nil {
		return nil, err
	}
	d.reset()

	d.source.SetLogCallback(d.onLibraryLog)
	d.source.ExecuteSync(&tdjson.SetLogVerbosityLevel{NewVerbosityLevel: libraryLogVerbosity})

	d.log.InfoContext(ctx, "Session started", "client_id", d.source.ID(), "channel", d.target.String(), "offset", d.batch.Offset)
	if d.channelID != 0 {
		if err := d.channelKnown(ctx); err != nil {
			return nil, err
		}
	}
	d.send(ctx, &tdjson.GetAuthorizationState{Extra: tdjson.Extra{Extra: uuid.NewString()}})

	for {
		if ctx.Err() != nil {
			return d.interrupted(ctx), nil
		}

		if ev := d.source.Poll(ctx, d.pollTimeout); ev != nil {
			stop, err := d.handle(ctx, ev)
			if err != nil {
				if ctx.Err() != nil {
					return d.interrupted(ctx), nil
				}
				return nil, err
			}
			if stop {
				return d.outcome(false), nil
			}
		}

		if ctx.Err() == nil && d.loggedIn && d.channelID != 0 && d.needNewMembers {
			d.requestPage(ctx)
		}
	}
}

func (d *Driver) reset() {
	d.loggedIn = false
	d.channelID = d.target.ID
	d.needNewMembers = true
	d.pending = 0
	d.requested = 0
	d.lastPage = false
	d.batch = domain.MemberBatch{Offset: d.startOffset, Limit: domain.DefaultPageSize}
	d.store = domain.NewResultStore()
	d.failures = 0
}

func (d *Driver) outcome(interrupted bool) *domain.Outcome {
	return &domain.Outcome{
		Store:          d.store,
		SupergroupID:   d.channelID,
		Offset:         d.batch.Offset,
		Interrupted:    interrupted,
		Exhausted:      d.lastPage && d.pending == 0,
		LookupFailures: d.failures,
	}
}

func (d *Driver) interrupted(ctx context.Context) *domain.Outcome {
	d.log.WarnContext(ctx, "Session interrupted", "offset", d.batch.Offset, "users", d.store.Len())
	return d.outcome(true)
}

func (d *Driver) send(ctx context.Context, req tdjson.Request) {
	d.log.DebugContext(ctx, "Sending request", "type", req.TDType(), "extra", req.GetExtra())
	d.source.TrySend(req)
}

// handle обрабатывает одно событие. stop=true означает штатное завершение.
func (d *Driver) handle(ctx context.Context, ev tdjson.Event) (bool, error) {
	switch e := ev.(type) {
	case *tdjson.UpdateAuthorizationState:
		return d.onAuthorizationState(ctx, e.State())
	case *tdjson.Ok:
		d.log.DebugContext(ctx, "Request acknowledged", "extra", e.GetExtra())
	case *tdjson.Error:
		d.diag("ERROR: %d %s", e.Code, e.Message)
		return false, fmt.Errorf("%w: %d %s", ErrSessionFailed, e.Code, e.Message)
	case *tdjson.UpdateSupergroup:
		return false, d.onSupergroup(ctx, e.Supergroup)
	case *tdjson.ChatMembers:
		return d.onMembers(ctx, e), nil
	case *tdjson.User:
		return d.onUser(ctx, e), nil
	case *tdjson.LogMessage:
		d.onLibraryLog(e.Verbosity, e.Text)
	default:
		d.log.DebugContext(ctx, "Ignoring event", "type", ev.TDType())
	}
	return false, nil
}

// onAuthorizationState отправляет ровно один ответ на каждое состояние ожидания.
func (d *Driver) onAuthorizationState(ctx context.Context, state domain.AuthorizationState) (bool, error) {
	d.log.DebugContext(ctx, "Authorization state", "state", state)

	if !state.Waiting() {
		return d.onSessionState(ctx, state)
	}

	switch state {
	case domain.AuthStateWaitParameters:
		d.send(ctx, &tdjson.SetTdlibParameters{Parameters: d.params})

	case domain.AuthStateWaitEncryptionKey:
		d.send(ctx, &tdjson.CheckDatabaseEncryptionKey{EncryptionKey: ""})

	case domain.AuthStateWaitPhoneNumber:
		phone := d.phone
		// Заранее заданный номер используется один раз: повтор состояния означает, что он отклонен.
		d.phone = ""
		if phone == "" {
			var err error
			if phone, err = d.prompter.Prompt(ctx, promptPhone); err != nil {
				return false, fmt.Errorf("failed to read phone number: %w", err)
			}
		}
		d.send(ctx, &tdjson.SetAuthenticationPhoneNumber{PhoneNumber: phone})

	case domain.AuthStateWaitCode:
		code, err := d.prompter.Prompt(ctx, promptCode)
		if err != nil {
			return false, fmt.Errorf("failed to read authentication code: %w", err)
		}
		d.send(ctx, &tdjson.CheckAuthenticationCode{Code: code})

	case domain.AuthStateWaitRegistration:
		first, err := d.prompter.Prompt(ctx, promptFirstName)
		if err != nil {
			return false, fmt.Errorf("failed to read first name: %w", err)
		}
		last, err := d.prompter.Prompt(ctx, promptLastName)
		if err != nil {
			return false, fmt.Errorf("failed to read last name: %w", err)
		}
		d.send(ctx, &tdjson.RegisterUser{FirstName: first, LastName: last})

	case domain.AuthStateWaitPassword:
		password, err := d.prompter.Secret(ctx, promptPassword)
		if err != nil {
			return false, fmt.Errorf("failed to read password: %w", err)
		}
		d.send(ctx, &tdjson.CheckAuthenticationPassword{Password: password})
	}
	return false, nil
}

// onSessionState обрабатывает состояния, не требующие ответа.
func (d *Driver) onSessionState(ctx context.Context, state domain.AuthorizationState) (bool, error) {
	switch state {
	case domain.AuthStateReady:
		if !d.loggedIn {
			d.loggedIn = true
			d.log.InfoContext(ctx, "Logged in")
		}
		if d.channelID == 0 {
			d.send(ctx, &tdjson.SearchPublicChat{Username: d.target.channelName()})
		}

	case domain.AuthStateClosed:
		d.log.InfoContext(ctx, "Session closed")
		return true, nil

	default:
		// LoggingOut и Closing не требуют ответа.
	}
	return false, nil
}

func (d *Driver) onSupergroup(ctx context.Context, sg tdjson.Supergroup) error {
	if d.channelID != 0 || !d.target.matches(sg.Username) {
		return nil
	}
	d.channelID = sg.ID
	fmt.Fprintf(d.out, "Resolved channel @%s to id %d\n", sg.Username, sg.ID)
	d.log.InfoContext(ctx, "Channel resolved", "username", sg.Username, "supergroup_id", sg.ID)
	return d.channelKnown(ctx)
}

// channelKnown вызывается один раз, когда id супергруппы известен и
// страницы еще не запрашивались.
func (d *Driver) channelKnown(ctx context.Context) error {
	if !d.resume || d.progress == nil {
		return nil
	}
	offset, found, err := d.progress.LoadOffset(ctx, d.channelID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !found {
		d.log.InfoContext(ctx, "No checkpoint for channel, starting from the given offset", "supergroup_id", d.channelID, "offset", d.batch.Offset)
		return nil
	}
	d.batch.Offset = offset
	d.log.InfoContext(ctx, "Resuming from checkpoint", "supergroup_id", d.channelID, "offset", offset)
	return nil
}

// requestPage запрашивает следующую страницу участников. Смещение растет сразу.
func (d *Driver) requestPage(ctx context.Context) {
	page := d.batch
	fmt.Fprintf(d.out, "Fetching a batch of %d users with an offset of %d\n", page.Limit, page.Offset)
	d.send(ctx, &tdjson.GetSupergroupMembers{
		Extra:        tdjson.Extra{Extra: uuid.NewString()},
		SupergroupID: d.channelID,
		Offset:       page.Offset,
		Limit:        page.Limit,
	})

	d.needNewMembers = false
	d.requested = page.Limit
	d.batch = page.Next()
}

// onMembers запрашивает каждого участника-пользователя. Страница короче
// запрошенной считается последней.
func (d *Driver) onMembers(ctx context.Context, e *tdjson.ChatMembers) bool {
	d.pending = 0
	for _, m := range e.Members {
		if m.MemberID.UserID == 0 {
			d.log.DebugContext(ctx, "Skipping non-user member", "chat_id", m.MemberID.ChatID)
			continue
		}
		d.send(ctx, &tdjson.GetUser{UserID: m.MemberID.UserID})
		d.pending++
	}
	d.lastPage = len(e.Members) < d.requested
	d.log.DebugContext(ctx, "Members page received", "members", len(e.Members), "users", d.pending, "last_page", d.lastPage)

	if d.pending == 0 {
		return d.pageDone(ctx)
	}
	return false
}

func (d *Driver) onUser(ctx context.Context, e *tdjson.User) bool {
	if !domain.IsBlank(e.Username) {
		fmt.Fprintln(d.out, "Processing user", e.Username)
		report := d.checker.Check(ctx, e.Username)
		if ctx.Err() != nil {
			// Проверка прервана: запись неполная и не сохраняется.
			return false
		}
		d.store.Put(e.Username, report.Record)
		d.failures += len(report.Failed)
		d.log.DebugContext(ctx, "User checked", "username", e.Username, "links", report.Record.Links(), "failed", len(report.Failed))
		d.saveRecord(ctx, e.Username, report.Record)
	}

	if d.pending == 0 {
		return false
	}
	d.pending--
	if d.pending == 0 {
		return d.pageDone(ctx)
	}
	return false
}

// pageDone вызывается, когда все пользователи страницы обработаны.
func (d *Driver) pageDone(ctx context.Context) bool {
	d.saveOffset(ctx)
	if d.lastPage {
		fmt.Fprintln(d.out, "Reached the end of the member list")
		return true
	}
	d.needNewMembers = true
	return false
}

func (d *Driver) saveOffset(ctx context.Context) {
	if d.progress == nil {
		return
	}
	if err := d.progress.SaveOffset(context.WithoutCancel(ctx), d.channelID, d.batch.Offset); err != nil {
		d.log.WarnContext(ctx, "Failed to save progress", "offset", d.batch.Offset, "error", err)
	}
}

func (d *Driver) saveRecord(ctx context.Context, username string, record domain.UserRecord) {
	if d.progress == nil {
		return
	}
	if err := d.progress.SaveRecord(context.WithoutCancel(ctx), d.channelID, username, record); err != nil {
		d.log.WarnContext(ctx, "Failed to save lookup result", "username", username, "error", err)
	}
}

// onLibraryLog выводит фатальные сообщения библиотеки в поток диагностики.
// Может вызываться из других горутин.
func (d *Driver) onLibraryLog(verbosity int, message string) {
	if verbosity == 0 {
		d.diag("TDLib fatal error: %s", message)
		return
	}
	d.log.Debug("Library log", "verbosity", verbosity, "message", message)
}

func (d *Driver) diag(format string, args ...any) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	fmt.Fprintf(d.errOut, format+"\n", args...)
}
