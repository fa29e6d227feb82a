package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comonadd/fetch-tg-links/internal/adapters/parser"
	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

// Option - функциональная опция для настройки ReplaySource.
type Option func(*ReplaySource)

// WithLogger устанавливает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(s *ReplaySource) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTranscript включает запись отправленных запросов в w, по одному JSON-объекту на строку.
func WithTranscript(w io.Writer) Option {
	return func(s *ReplaySource) {
		s.transcript = w
	}
}

// ReplaySource реализует ports.EventSource поверх снимка. Сессия считается
// уже авторизованной: после параметров и ключа шифрования сразу наступает Ready.
type ReplaySource struct {
	id     string
	snap   *Snapshot
	parser *parser.JsonParser
	log    *slog.Logger

	mu         sync.Mutex
	queue      []tdjson.Event
	ready      chan struct{}
	transcript io.Writer
	state      domain.AuthorizationState
	verbosity  int
	logCb      ports.LogCallback
	logsSent   bool
}

var _ ports.EventSource = (*ReplaySource)(nil)

// NewReplaySource создает источник, отвечающий на запросы данными снимка.
func NewReplaySource(snap *Snapshot, opts ...Option) *ReplaySource {
	s := &ReplaySource{
		id:        uuid.NewString(),
		snap:      snap,
		parser:    parser.NewJsonParser(),
		log:       slog.Default(),
		ready:     make(chan struct{}, 1),
		state:     domain.AuthStateWaitParameters,
		verbosity: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ReplaySource) ID() string { return s.id }

// SetLogCallback устанавливает обработчик записей журнала снимка.
func (s *ReplaySource) SetLogCallback(cb ports.LogCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logCb = cb
}

// ExecuteSync поддерживает только setLogVerbosityLevel.
func (s *ReplaySource) ExecuteSync(req tdjson.Request) tdjson.Event {
	s.record(req)

	v, ok := req.(*tdjson.SetLogVerbosityLevel)
	if !ok {
		return &tdjson.Error{Extra: tdjson.Extra{Extra: req.GetExtra()}, Code: 400, Message: "unsupported synchronous request " + req.TDType()}
	}
	s.mu.Lock()
	s.verbosity = v.NewVerbosityLevel
	s.mu.Unlock()
	return &tdjson.Ok{Extra: tdjson.Extra{Extra: req.GetExtra()}}
}

// TrySend ставит в очередь ответ на запрос. Никогда не блокируется.
func (s *ReplaySource) TrySend(req tdjson.Request) {
	s.record(req)
	s.replayLogs()

	events := s.respond(req)

	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Poll возвращает следующее событие или nil, если за timeout ничего не пришло.
func (s *ReplaySource) Poll(ctx context.Context, timeout time.Duration) tdjson.Event {
	if ev := s.pop(); ev != nil {
		return ev
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return s.pop()
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *ReplaySource) pop() tdjson.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
	return ev
}

func (s *ReplaySource) record(req tdjson.Request) {
	if s.transcript == nil {
		return
	}
	data, err := s.parser.Encode(req)
	if err != nil {
		s.log.Warn("Failed to encode request", "type", req.TDType(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.transcript, "%s\n", data); err != nil {
		s.log.Warn("Failed to write transcript", "error", err)
	}
}

// replayLogs передает записи журнала снимка обработчику один раз,
// с учетом установленного уровня подробности.
func (s *ReplaySource) replayLogs() {
	s.mu.Lock()
	if s.logsSent || s.logCb == nil {
		s.mu.Unlock()
		return
	}
	s.logsSent = true
	cb, verbosity := s.logCb, s.verbosity
	s.mu.Unlock()

	for _, m := range s.snap.Logs {
		if m.Verbosity <= verbosity {
			cb(m.Verbosity, m.Text)
		}
	}
}

func (s *ReplaySource) setState(state domain.AuthorizationState) tdjson.Event {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return tdjson.NewAuthorizationState(state)
}

func (s *ReplaySource) currentState() domain.AuthorizationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ReplaySource) respond(req tdjson.Request) []tdjson.Event {
	extra := tdjson.Extra{Extra: req.GetExtra()}
	ok := &tdjson.Ok{Extra: extra}
	fail := func(code int, msg string) []tdjson.Event {
		return []tdjson.Event{&tdjson.Error{Extra: extra, Code: code, Message: msg}}
	}

	switch r := req.(type) {
	case *tdjson.GetAuthorizationState:
		return []tdjson.Event{tdjson.NewAuthorizationState(s.currentState())}

	case *tdjson.SetTdlibParameters:
		if s.currentState() != domain.AuthStateWaitParameters {
			return fail(400, "Unexpected setTdlibParameters")
		}
		return []tdjson.Event{ok, s.setState(domain.AuthStateWaitEncryptionKey)}

	case *tdjson.CheckDatabaseEncryptionKey:
		if s.currentState() != domain.AuthStateWaitEncryptionKey {
			return fail(400, "Unexpected checkDatabaseEncryptionKey")
		}
		return []tdjson.Event{ok, s.setState(domain.AuthStateReady)}

	case *tdjson.SearchPublicChat:
		name := strings.TrimPrefix(strings.TrimSpace(r.Username), "@")
		for _, sg := range s.snap.Supergroups {
			if strings.EqualFold(sg.Username, name) {
				return []tdjson.Event{&tdjson.UpdateSupergroup{Supergroup: sg}}
			}
		}
		return fail(400, "USERNAME_NOT_OCCUPIED")

	case *tdjson.GetSupergroupMembers:
		members, known := s.snap.Members[r.SupergroupID]
		if !known && !s.hasSupergroup(r.SupergroupID) {
			return fail(400, "CHANNEL_INVALID")
		}
		page := &tdjson.ChatMembers{Extra: extra, TotalCount: len(members)}
		for i := max(r.Offset, 0); i < r.Offset+r.Limit && i < len(members); i++ {
			page.Members = append(page.Members, tdjson.ChatMember{MemberID: tdjson.MessageSender{UserID: members[i]}})
		}
		return []tdjson.Event{page}

	case *tdjson.GetUser:
		u, found := s.snap.Users[r.UserID]
		if !found {
			return fail(404, "User not found")
		}
		u.Extra = extra
		return []tdjson.Event{&u}

	case *tdjson.Close:
		return []tdjson.Event{s.setState(domain.AuthStateClosing), ok, s.setState(domain.AuthStateClosed)}

	default:
		return fail(400, "Unsupported request "+req.TDType())
	}
}

func (s *ReplaySource) hasSupergroup(id int64) bool {
	for _, sg := range s.snap.Supergroups {
		if sg.ID == id {
			return true
		}
	}
	return false
}
