package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

// --- Fakes ---

// fakeWorld имитирует клиента Telegram: отвечает на запросы событиями.
type fakeWorld struct {
	t *testing.T

	// usernames[i] - имя участника с user_id = i+1.
	usernames  []string
	supergroup tdjson.Supergroup
	// needPassword включает шаг с паролем, needRegistration - регистрацию.
	needPassword     bool
	needRegistration bool
	authorized       bool
	// failOn - тип запроса, на который отвечать событием error.
	failOn string
	// chatMembers добавляет в каждую страницу участника-канал.
	chatMembers bool

	sent      []tdjson.Request
	queue     []tdjson.Event
	synced    []tdjson.Request
	logCb     ports.LogCallback
	idlePolls int
}

func newFakeWorld(t *testing.T, members int) *fakeWorld {
	w := &fakeWorld{
		t:          t,
		supergroup: tdjson.Supergroup{ID: 777, Username: "GoLang_Ru"},
		authorized: true,
	}
	for i := 1; i <= members; i++ {
		w.usernames = append(w.usernames, fmt.Sprintf("user%02d", i))
	}
	return w
}

func (w *fakeWorld) ID() string { return "fake-client" }

func (w *fakeWorld) SetLogCallback(cb ports.LogCallback) { w.logCb = cb }

func (w *fakeWorld) ExecuteSync(req tdjson.Request) tdjson.Event {
	w.synced = append(w.synced, req)
	return &tdjson.Ok{}
}

func (w *fakeWorld) Poll(ctx context.Context, _ time.Duration) tdjson.Event {
	if len(w.queue) == 0 {
		w.idlePolls++
		if w.idlePolls > 100 {
			w.t.Errorf("driver is stuck: no events after %d requests", len(w.sent))
			return tdjson.NewAuthorizationState(domain.AuthStateClosed)
		}
		return nil
	}
	w.idlePolls = 0
	ev := w.queue[0]
	w.queue = w.queue[1:]
	return ev
}

func (w *fakeWorld) state(s domain.AuthorizationState) tdjson.Event {
	return tdjson.NewAuthorizationState(s)
}

func (w *fakeWorld) push(evs ...tdjson.Event) {
	w.queue = append(w.queue, evs...)
}

func (w *fakeWorld) TrySend(req tdjson.Request) {
	w.sent = append(w.sent, req)
	if req.TDType() == w.failOn {
		w.push(&tdjson.Error{Code: 400, Message: "CHANNEL_PRIVATE"})
		return
	}

	switch r := req.(type) {
	case *tdjson.GetAuthorizationState:
		w.push(w.state(domain.AuthStateWaitParameters))
	case *tdjson.SetTdlibParameters:
		w.push(&tdjson.Ok{}, w.state(domain.AuthStateWaitEncryptionKey))
	case *tdjson.CheckDatabaseEncryptionKey:
		if w.authorized {
			w.push(&tdjson.Ok{}, w.state(domain.AuthStateReady))
			w.push(&tdjson.UpdateSupergroup{Supergroup: tdjson.Supergroup{ID: 1, Username: "other"}})
			return
		}
		w.push(&tdjson.Ok{}, w.state(domain.AuthStateWaitPhoneNumber))
	case *tdjson.SetAuthenticationPhoneNumber:
		w.push(&tdjson.Ok{}, w.state(domain.AuthStateWaitCode))
	case *tdjson.CheckAuthenticationCode:
		switch {
		case r.Code == "bad":
			w.push(w.state(domain.AuthStateWaitCode))
		case w.needRegistration:
			w.push(&tdjson.Ok{}, w.state(domain.AuthStateWaitRegistration))
		case w.needPassword:
			w.push(&tdjson.Ok{}, w.state(domain.AuthStateWaitPassword))
		default:
			w.push(&tdjson.Ok{}, w.state(domain.AuthStateReady))
		}
	case *tdjson.RegisterUser, *tdjson.CheckAuthenticationPassword:
		w.push(&tdjson.Ok{}, w.state(domain.AuthStateReady))
	case *tdjson.SearchPublicChat:
		w.push(&tdjson.UpdateSupergroup{Supergroup: w.supergroup})
	case *tdjson.GetSupergroupMembers:
		page := &tdjson.ChatMembers{Extra: r.Extra, TotalCount: len(w.usernames)}
		for i := r.Offset; i < r.Offset+r.Limit && i < len(w.usernames); i++ {
			page.Members = append(page.Members, tdjson.ChatMember{MemberID: tdjson.MessageSender{UserID: int64(i + 1)}})
		}
		if w.chatMembers && len(page.Members) > 0 {
			page.Members[0] = tdjson.ChatMember{MemberID: tdjson.MessageSender{ChatID: -100}}
		}
		w.push(page)
	case *tdjson.GetUser:
		w.push(&tdjson.User{ID: r.UserID, Username: w.usernames[r.UserID-1]})
	}
}

// sentOfType возвращает отправленные запросы заданного типа.
func sentOfType[T tdjson.Request](w *fakeWorld) []T {
	var out []T
	for _, r := range w.sent {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// fakePrompter отвечает заранее заданными значениями.
type fakePrompter struct {
	answers map[string][]string
	asked   []string
}

func (p *fakePrompter) next(label string) (string, error) {
	p.asked = append(p.asked, label)
	vals := p.answers[label]
	if len(vals) == 0 {
		return "", io.EOF
	}
	p.answers[label] = vals[1:]
	return vals[0], nil
}

func (p *fakePrompter) Prompt(_ context.Context, label string) (string, error) {
	return p.next(label)
}

func (p *fakePrompter) Secret(_ context.Context, label string) (string, error) {
	return p.next("secret:" + label)
}

// fakeChecker находит github-профиль у имен из found.
type fakeChecker struct {
	found   map[string]bool
	checked []string
	hook    func(n int)
}

func (c *fakeChecker) Check(_ context.Context, username string) domain.CheckReport {
	c.checked = append(c.checked, username)
	if c.hook != nil {
		c.hook(len(c.checked))
	}
	rec := domain.UserRecord{"github": nil}
	if c.found[username] {
		url := "https://www.github.com/" + username
		rec["github"] = &url
	}
	return domain.CheckReport{Record: rec}
}

type mockProgressStore struct {
	mock.Mock
}

func (m *mockProgressStore) SaveOffset(ctx context.Context, supergroupID int64, offset int) error {
	return m.Called(ctx, supergroupID, offset).Error(0)
}

func (m *mockProgressStore) LoadOffset(ctx context.Context, supergroupID int64) (int, bool, error) {
	args := m.Called(ctx, supergroupID)
	return args.Int(0), args.Bool(1), args.Error(2)
}

func (m *mockProgressStore) SaveRecord(ctx context.Context, supergroupID int64, username string, record domain.UserRecord) error {
	return m.Called(ctx, supergroupID, username, record).Error(0)
}

type driverHarness struct {
	world    *fakeWorld
	prompter *fakePrompter
	checker  *fakeChecker
	out      *bytes.Buffer
	errOut   *bytes.Buffer
}

func newHarness(t *testing.T, members int) *driverHarness {
	return &driverHarness{
		world:    newFakeWorld(t, members),
		prompter: &fakePrompter{answers: map[string][]string{}},
		checker:  &fakeChecker{found: map[string]bool{}},
		out:      &bytes.Buffer{},
		errOut:   &bytes.Buffer{},
	}
}

func (h *driverHarness) driver(target Target, opts ...Option) *Driver {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOutput(h.out, h.errOut),
		WithPollTimeout(time.Millisecond),
	}, opts...)
	params := tdjson.TdlibParameters{DatabaseDirectory: "tdlib", APIID: 1, APIHash: "hash"}
	return NewDriver(h.world, h.checker, h.prompter, params, target, opts...)
}

func offsetsOf(reqs []*tdjson.GetSupergroupMembers) []int {
	out := make([]int, len(reqs))
	for i, r := range reqs {
		out[i] = r.Offset
	}
	return out
}

// --- Tests ---

func TestDriver_AuthorizationFlow(t *testing.T) {
	h := newHarness(t, 3)
	h.world.authorized = false
	h.world.needPassword = true
	h.prompter.answers = map[string][]string{
		promptPhone:                {"+10000000000"},
		promptCode:                 {"bad", "12345"},
		"secret:" + promptPassword: {"hunter2"},
	}

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)

	types := make([]string, 0, 8)
	for _, r := range h.world.sent[:7] {
		types = append(types, r.TDType())
	}
	assert.Equal(t, []string{
		"getAuthorizationState",
		"setTdlibParameters",
		"checkDatabaseEncryptionKey",
		"setAuthenticationPhoneNumber",
		"checkAuthenticationCode",
		"checkAuthenticationCode",
		"checkAuthenticationPassword",
	}, types)

	params := sentOfType[*tdjson.SetTdlibParameters](h.world)
	require.Len(t, params, 1)
	assert.Equal(t, "tdlib", params[0].Parameters.DatabaseDirectory)

	keys := sentOfType[*tdjson.CheckDatabaseEncryptionKey](h.world)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].EncryptionKey)

	codes := sentOfType[*tdjson.CheckAuthenticationCode](h.world)
	assert.Equal(t, "bad", codes[0].Code)
	assert.Equal(t, "12345", codes[1].Code)

	passwords := sentOfType[*tdjson.CheckAuthenticationPassword](h.world)
	assert.Equal(t, "hunter2", passwords[0].Password)

	assert.Equal(t, []string{promptPhone, promptCode, promptCode, "secret:" + promptPassword}, h.prompter.asked)
	assert.Equal(t, 3, outcome.Store.Len())
}

func TestDriver_Registration(t *testing.T) {
	h := newHarness(t, 1)
	h.world.authorized = false
	h.world.needRegistration = true
	h.prompter.answers = map[string][]string{
		promptCode:      {"1"},
		promptFirstName: {"Ada"},
		promptLastName:  {"Lovelace"},
	}

	_, err := h.driver(Target{Name: "golang_ru"}, WithPhoneNumber("+15550001122")).Run(context.Background())
	require.NoError(t, err)

	phones := sentOfType[*tdjson.SetAuthenticationPhoneNumber](h.world)
	require.Len(t, phones, 1)
	assert.Equal(t, "+15550001122", phones[0].PhoneNumber)
	assert.NotContains(t, h.prompter.asked, promptPhone)

	reg := sentOfType[*tdjson.RegisterUser](h.world)
	require.Len(t, reg, 1)
	assert.Equal(t, "Ada", reg[0].FirstName)
	assert.Equal(t, "Lovelace", reg[0].LastName)
}

func TestDriver_PromptFailureAborts(t *testing.T) {
	h := newHarness(t, 1)
	h.world.authorized = false

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDriver_Startup(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.world.synced, 1)
	verbosity, ok := h.world.synced[0].(*tdjson.SetLogVerbosityLevel)
	require.True(t, ok)
	assert.Equal(t, 1, verbosity.NewVerbosityLevel)

	first, ok := h.world.sent[0].(*tdjson.GetAuthorizationState)
	require.True(t, ok)
	assert.NotEmpty(t, first.GetExtra())
	assert.NotNil(t, h.world.logCb)
}

func TestDriver_Pagination(t *testing.T) {
	h := newHarness(t, 23)
	h.checker.found = map[string]bool{"user03": true, "user17": true}

	outcome, err := h.driver(Target{Name: "@golang_ru"}).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)

	pages := sentOfType[*tdjson.GetSupergroupMembers](h.world)
	assert.Equal(t, []int{0, 10, 20}, offsetsOf(pages))
	for _, p := range pages {
		assert.Equal(t, int64(777), p.SupergroupID)
		assert.Equal(t, 10, p.Limit)
	}

	assert.Equal(t, 30, outcome.Offset)
	assert.True(t, outcome.Exhausted)
	assert.False(t, outcome.Interrupted)
	assert.Equal(t, 23, outcome.Store.Len())
	assert.Len(t, sentOfType[*tdjson.GetUser](h.world), 23)

	rec, ok := outcome.Store.Get("user17")
	require.True(t, ok)
	require.NotNil(t, rec["github"])
	assert.Equal(t, "https://www.github.com/user17", *rec["github"])

	assert.Contains(t, h.out.String(), "Fetching a batch of 10 users with an offset of 20")
	assert.Contains(t, h.out.String(), "Processing user user23")
	assert.Contains(t, h.out.String(), "Resolved channel @GoLang_Ru to id 777")
}

func TestDriver_NextPageOnlyAfterPageResolved(t *testing.T) {
	h := newHarness(t, 15)
	pagesAtCheck := make([]int, 0)
	h.checker.hook = func(int) {
		pagesAtCheck = append(pagesAtCheck, len(sentOfType[*tdjson.GetSupergroupMembers](h.world)))
	}

	_, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, pagesAtCheck, 15)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, pagesAtCheck[i], "user %d checked before the next page was requested", i+1)
	}
	for i := 10; i < 15; i++ {
		assert.Equal(t, 2, pagesAtCheck[i])
	}
}

func TestDriver_ExactMultipleOfPageSize(t *testing.T) {
	h := newHarness(t, 20)

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 10, 20}, offsetsOf(sentOfType[*tdjson.GetSupergroupMembers](h.world)))
	assert.Equal(t, 30, outcome.Offset)
	assert.Equal(t, 20, outcome.Store.Len())
	assert.True(t, outcome.Exhausted)
}

func TestDriver_BlankAndDuplicateUsernames(t *testing.T) {
	h := newHarness(t, 0)
	h.world.usernames = []string{"alice", "", "   ", "bob", "alice"}
	h.checker.found = map[string]bool{"alice": true}

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob", "alice"}, h.checker.checked)
	assert.Equal(t, 2, outcome.Store.Len())
	_, blank := outcome.Store.Get("")
	assert.False(t, blank)
}

func TestDriver_NonUserMembersAreSkipped(t *testing.T) {
	h := newHarness(t, 12)
	h.world.chatMembers = true

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, sentOfType[*tdjson.GetUser](h.world), 10)
	assert.Equal(t, 10, outcome.Store.Len())
	assert.Equal(t, []int{0, 10}, offsetsOf(sentOfType[*tdjson.GetSupergroupMembers](h.world)))
}

func TestDriver_ChannelByID(t *testing.T) {
	h := newHarness(t, 25)

	outcome, err := h.driver(Target{ID: 777}, WithStartOffset(20)).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sentOfType[*tdjson.SearchPublicChat](h.world))
	assert.Equal(t, []int{20}, offsetsOf(sentOfType[*tdjson.GetSupergroupMembers](h.world)))
	assert.Equal(t, 30, outcome.Offset)
	assert.Equal(t, 5, outcome.Store.Len())
}

func TestDriver_ErrorEventAborts(t *testing.T) {
	h := newHarness(t, 23)
	h.world.failOn = "getSupergroupMembers"

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	assert.Nil(t, outcome)
	require.ErrorIs(t, err, ErrSessionFailed)
	assert.Contains(t, err.Error(), "CHANNEL_PRIVATE")
	assert.Contains(t, h.errOut.String(), "ERROR: 400 CHANNEL_PRIVATE")
}

func TestDriver_InterruptKeepsPartialResults(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Отмена приходит во время проверки шестого пользователя.
	h.checker.hook = func(n int) {
		if n == 6 {
			cancel()
		}
	}

	progress := new(mockProgressStore)
	progress.On("SaveRecord", mock.Anything, int64(777), mock.Anything, mock.Anything).Return(nil)

	outcome, err := h.driver(Target{Name: "golang_ru"}, WithProgress(progress)).Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.True(t, outcome.Interrupted)
	assert.False(t, outcome.Exhausted)
	assert.Equal(t, 5, outcome.Store.Len())
	assert.Equal(t, 10, outcome.Offset)
	for i := 1; i <= 5; i++ {
		_, ok := outcome.Store.Get(fmt.Sprintf("user%02d", i))
		assert.True(t, ok)
	}
	_, ok := outcome.Store.Get("user06")
	assert.False(t, ok)

	progress.AssertNumberOfCalls(t, "SaveRecord", 5)
	progress.AssertNotCalled(t, "SaveOffset", mock.Anything, mock.Anything, mock.Anything)
}

func TestDriver_Progress(t *testing.T) {
	h := newHarness(t, 12)
	h.checker.found = map[string]bool{"user01": true}

	progress := new(mockProgressStore)
	progress.On("SaveOffset", mock.Anything, int64(777), 10).Return(nil).Once()
	progress.On("SaveOffset", mock.Anything, int64(777), 20).Return(nil).Once()
	progress.On("SaveRecord", mock.Anything, int64(777), mock.Anything, mock.Anything).Return(nil).Times(12)

	_, err := h.driver(Target{ID: 777}, WithProgress(progress)).Run(context.Background())
	require.NoError(t, err)

	progress.AssertExpectations(t)
	progress.AssertCalled(t, "SaveRecord", mock.Anything, int64(777), "user01", mock.MatchedBy(func(r domain.UserRecord) bool {
		return r["github"] != nil
	}))
}

func TestDriver_ResumeKeyedBySupergroupID(t *testing.T) {
	for _, target := range []Target{{Name: "golang_ru"}, {ID: 777}} {
		t.Run(target.String(), func(t *testing.T) {
			h := newHarness(t, 25)

			progress := new(mockProgressStore)
			progress.On("LoadOffset", mock.Anything, int64(777)).Return(20, true, nil).Once()
			progress.On("SaveRecord", mock.Anything, int64(777), mock.Anything, mock.Anything).Return(nil)
			progress.On("SaveOffset", mock.Anything, int64(777), 30).Return(nil).Once()

			outcome, err := h.driver(target, WithProgress(progress), WithResume(), WithStartOffset(5)).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, []int{20}, offsetsOf(sentOfType[*tdjson.GetSupergroupMembers](h.world)))
			assert.Equal(t, int64(777), outcome.SupergroupID)
			assert.Equal(t, 30, outcome.Offset)
			assert.Equal(t, 5, outcome.Store.Len())
			progress.AssertExpectations(t)
		})
	}
}

func TestDriver_ResumeWithoutCheckpoint(t *testing.T) {
	h := newHarness(t, 25)

	progress := new(mockProgressStore)
	progress.On("LoadOffset", mock.Anything, int64(777)).Return(0, false, nil).Once()
	progress.On("SaveRecord", mock.Anything, int64(777), mock.Anything, mock.Anything).Return(nil)
	progress.On("SaveOffset", mock.Anything, int64(777), mock.Anything).Return(nil)

	_, err := h.driver(Target{Name: "golang_ru"}, WithProgress(progress), WithResume(), WithStartOffset(10)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20}, offsetsOf(sentOfType[*tdjson.GetSupergroupMembers](h.world)))
	progress.AssertExpectations(t)
}

func TestDriver_ResumeLoadFailureAborts(t *testing.T) {
	h := newHarness(t, 5)

	progress := new(mockProgressStore)
	progress.On("LoadOffset", mock.Anything, int64(777)).Return(0, false, errors.New("database is locked"))

	outcome, err := h.driver(Target{Name: "golang_ru"}, WithProgress(progress), WithResume()).Run(context.Background())
	assert.Nil(t, outcome)
	assert.ErrorContains(t, err, "database is locked")
	assert.Empty(t, sentOfType[*tdjson.GetSupergroupMembers](h.world))
}

func TestDriver_ClosedStateStops(t *testing.T) {
	h := newHarness(t, 5)
	h.world.authorized = false

	d := h.driver(Target{Name: "golang_ru"})
	h.world.push(tdjson.NewAuthorizationState(domain.AuthStateClosing), tdjson.NewAuthorizationState(domain.AuthStateClosed))

	outcome, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Interrupted)
	assert.Equal(t, 0, outcome.Store.Len())
}

func TestDriver_LibraryLog(t *testing.T) {
	h := newHarness(t, 1)
	h.world.push(&tdjson.LogMessage{Verbosity: 0, Text: "database is locked"})
	h.world.push(&tdjson.LogMessage{Verbosity: 1, Text: "minor"})

	outcome, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome, "fatal library log does not stop the run")

	h.world.logCb(0, "callback fatal")
	assert.Contains(t, h.errOut.String(), "TDLib fatal error: database is locked")
	assert.Contains(t, h.errOut.String(), "TDLib fatal error: callback fatal")
	assert.NotContains(t, h.errOut.String(), "minor")
}

func TestTarget(t *testing.T) {
	assert.ErrorIs(t, Target{}.Validate(), ErrInvalidTarget)
	assert.ErrorIs(t, Target{Name: " @ "}.Validate(), ErrInvalidTarget)
	assert.ErrorIs(t, Target{Name: "a", ID: 1}.Validate(), ErrInvalidTarget)
	assert.NoError(t, Target{Name: "a"}.Validate())
	assert.NoError(t, Target{ID: 1}.Validate())

	assert.Equal(t, "@golang_ru", Target{Name: "@GoLang_Ru"}.String())
	assert.Equal(t, "42", Target{ID: 42}.String())
	assert.True(t, Target{Name: "@golang_ru"}.matches("GoLang_Ru"))
	assert.False(t, Target{Name: "golang"}.matches("golang_ru"))

	h := newHarness(t, 0)
	_, err := h.driver(Target{}).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Empty(t, h.world.sent)
}

func TestDriver_OutputHasNoBlankProcessing(t *testing.T) {
	h := newHarness(t, 0)
	h.world.usernames = []string{" "}

	_, err := h.driver(Target{Name: "golang_ru"}).Run(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, h.out.String(), "Processing user")
}
