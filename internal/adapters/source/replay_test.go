package source

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comonadd/fetch-tg-links/internal/adapters/parser"
	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

func newTestSource(t *testing.T, opts ...Option) *ReplaySource {
	t.Helper()
	snap, err := LoadSnapshot(filepath.Join("testdata", "golang_ru.jsonl"))
	require.NoError(t, err)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewReplaySource(snap, opts...)
}

func poll(t *testing.T, s *ReplaySource) tdjson.Event {
	t.Helper()
	ev := s.Poll(context.Background(), 100*time.Millisecond)
	require.NotNil(t, ev, "ожидалось событие")
	return ev
}

func requireState(t *testing.T, s *ReplaySource, want domain.AuthorizationState) {
	t.Helper()
	ev := poll(t, s)
	upd, ok := ev.(*tdjson.UpdateAuthorizationState)
	require.True(t, ok, "ожидалось updateAuthorizationState, получено %s", ev.TDType())
	assert.Equal(t, want, upd.State())
}

func login(t *testing.T, s *ReplaySource) {
	t.Helper()
	s.TrySend(&tdjson.GetAuthorizationState{})
	requireState(t, s, domain.AuthStateWaitParameters)
	s.TrySend(&tdjson.SetTdlibParameters{})
	assert.IsType(t, &tdjson.Ok{}, poll(t, s))
	requireState(t, s, domain.AuthStateWaitEncryptionKey)
	s.TrySend(&tdjson.CheckDatabaseEncryptionKey{})
	assert.IsType(t, &tdjson.Ok{}, poll(t, s))
	requireState(t, s, domain.AuthStateReady)
}

func TestReplaySource_Session(t *testing.T) {
	s := newTestSource(t)
	assert.NotEmpty(t, s.ID())
	login(t, s)

	s.TrySend(&tdjson.SearchPublicChat{Username: "@GoLang_Ru"})
	upd, ok := poll(t, s).(*tdjson.UpdateSupergroup)
	require.True(t, ok)
	assert.Equal(t, int64(777), upd.Supergroup.ID)

	s.TrySend(&tdjson.GetSupergroupMembers{Extra: tdjson.Extra{Extra: "page-2"}, SupergroupID: 777, Offset: 10, Limit: 10})
	members, ok := poll(t, s).(*tdjson.ChatMembers)
	require.True(t, ok)
	assert.Equal(t, "page-2", members.GetExtra())
	assert.Equal(t, 12, members.TotalCount)
	require.Len(t, members.Members, 2)
	assert.Equal(t, int64(11), members.Members[0].MemberID.UserID)

	s.TrySend(&tdjson.GetSupergroupMembers{SupergroupID: 777, Offset: 20, Limit: 10})
	members, ok = poll(t, s).(*tdjson.ChatMembers)
	require.True(t, ok)
	assert.Empty(t, members.Members)

	s.TrySend(&tdjson.GetUser{Extra: tdjson.Extra{Extra: "u"}, UserID: 12})
	user, ok := poll(t, s).(*tdjson.User)
	require.True(t, ok)
	assert.Equal(t, "mallory", user.Username)
	assert.Equal(t, "u", user.GetExtra())

	s.TrySend(&tdjson.Close{})
	requireState(t, s, domain.AuthStateClosing)
	assert.IsType(t, &tdjson.Ok{}, poll(t, s))
	requireState(t, s, domain.AuthStateClosed)
}

func TestReplaySource_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  tdjson.Request
		code int
		msg  string
	}{
		{name: "неизвестный канал", req: &tdjson.SearchPublicChat{Username: "nope"}, code: 400, msg: "USERNAME_NOT_OCCUPIED"},
		{name: "неизвестная супергруппа", req: &tdjson.GetSupergroupMembers{SupergroupID: 1, Limit: 10}, code: 400, msg: "CHANNEL_INVALID"},
		{name: "неизвестный пользователь", req: &tdjson.GetUser{UserID: 999}, code: 404, msg: "User not found"},
		{name: "повторные параметры", req: &tdjson.SetTdlibParameters{}, code: 400},
		{name: "вход по коду", req: &tdjson.CheckAuthenticationCode{Code: "1"}, code: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSource(t)
			login(t, s)

			s.TrySend(tt.req)
			e, ok := poll(t, s).(*tdjson.Error)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, e.Message)
			}
		})
	}
}

func TestReplaySource_PollTimeout(t *testing.T) {
	s := newTestSource(t)
	assert.Nil(t, s.Poll(context.Background(), 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, s.Poll(ctx, time.Minute))
}

func TestReplaySource_ExecuteSync(t *testing.T) {
	s := newTestSource(t)

	assert.IsType(t, &tdjson.Ok{}, s.ExecuteSync(&tdjson.SetLogVerbosityLevel{NewVerbosityLevel: 0}))
	e, ok := s.ExecuteSync(&tdjson.GetUser{UserID: 1}).(*tdjson.Error)
	require.True(t, ok)
	assert.Equal(t, 400, e.Code)
}

func TestReplaySource_Logs(t *testing.T) {
	t.Run("фатальные записи передаются обработчику один раз", func(t *testing.T) {
		s := newTestSource(t)
		var got []string
		s.SetLogCallback(func(v int, msg string) { got = append(got, msg) })
		s.ExecuteSync(&tdjson.SetLogVerbosityLevel{NewVerbosityLevel: 1})

		s.TrySend(&tdjson.GetAuthorizationState{})
		s.TrySend(&tdjson.GetAuthorizationState{})
		assert.Equal(t, []string{"replayed fatal message"}, got)
	})

	t.Run("без обработчика записи не теряются", func(t *testing.T) {
		s := newTestSource(t)
		s.TrySend(&tdjson.GetAuthorizationState{})

		var got []string
		s.SetLogCallback(func(v int, msg string) { got = append(got, msg) })
		s.TrySend(&tdjson.GetAuthorizationState{})
		assert.Len(t, got, 1)
	})
}

func TestReplaySource_Transcript(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSource(t, WithTranscript(&buf))

	s.ExecuteSync(&tdjson.SetLogVerbosityLevel{NewVerbosityLevel: 1})
	s.TrySend(&tdjson.GetAuthorizationState{Extra: tdjson.Extra{Extra: "first"}})
	s.TrySend(&tdjson.GetSupergroupMembers{SupergroupID: 777, Offset: 0, Limit: 10})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], `{"@type":"getAuthorizationState"`), lines[1])

	p := parser.NewJsonParser()
	obj, err := p.Parse([]byte(lines[2]))
	require.NoError(t, err)
	req, ok := obj.(*tdjson.GetSupergroupMembers)
	require.True(t, ok)
	assert.Equal(t, int64(777), req.SupergroupID)
	assert.Equal(t, 10, req.Limit)

	obj, err = p.Parse([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, "first", obj.(*tdjson.GetAuthorizationState).GetExtra())
}
