package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

// retryableAuthErrors - ошибки ввода, после которых шаг авторизации повторяется.
var retryableAuthErrors = []string{
	"PHONE_NUMBER_INVALID",
	"PHONE_CODE_INVALID",
	"PHONE_CODE_EMPTY",
	"PASSWORD_HASH_INVALID",
	"FIRSTNAME_INVALID",
	"LASTNAME_INVALID",
}

// handle выполняет один запрос и публикует ответные события.
func (s *Session) handle(ctx context.Context, req tdjson.Request) {
	s.log.DebugContext(ctx, "Handling request", "type", req.TDType())

	switch r := req.(type) {
	case *tdjson.GetAuthorizationState:
		s.emitState(ctx)
	case *tdjson.SetTdlibParameters:
		s.setParameters(ctx, r)
	case *tdjson.CheckDatabaseEncryptionKey:
		s.checkEncryptionKey(ctx, r)
	case *tdjson.SetAuthenticationPhoneNumber:
		s.setPhoneNumber(ctx, r)
	case *tdjson.CheckAuthenticationCode:
		s.checkCode(ctx, r)
	case *tdjson.RegisterUser:
		s.registerUser(ctx, r)
	case *tdjson.CheckAuthenticationPassword:
		s.checkPassword(ctx, r)
	case *tdjson.SearchPublicChat:
		s.searchPublicChat(ctx, r)
	case *tdjson.GetSupergroupMembers:
		s.getSupergroupMembers(ctx, r)
	case *tdjson.GetUser:
		s.getUser(ctx, r)
	case *tdjson.Close:
		s.close(ctx, r)
	default:
		s.emitError(ctx, req, fmt.Errorf("%w: %s", ErrUnsupportedRequest, req.TDType()))
	}
}

func (s *Session) setState(ctx context.Context, state domain.AuthorizationState) {
	s.state = state
	s.log.InfoContext(ctx, "Authorization state changed", "state", state)
	s.emitState(ctx)
}

func (s *Session) emitState(ctx context.Context) {
	s.emit(ctx, tdjson.NewAuthorizationState(s.state))
}

func (s *Session) emitOk(ctx context.Context, req tdjson.Request) {
	s.emit(ctx, &tdjson.Ok{Extra: tdjson.Extra{Extra: req.GetExtra()}})
}

// emitError публикует событие error. Код и сообщение берутся из ошибки RPC, если это она.
func (s *Session) emitError(ctx context.Context, req tdjson.Request, err error) {
	code, message := 500, err.Error()
	if rpcErr, ok := tgerr.As(err); ok {
		code, message = rpcErr.Code, rpcErr.Message
	} else if errors.Is(err, ErrUnsupportedRequest) {
		code = 400
	}

	s.log.ErrorContext(ctx, "Request failed", "type", req.TDType(), "code", code, "error", err)
	s.emit(ctx, &tdjson.Error{
		Extra:   tdjson.Extra{Extra: req.GetExtra()},
		Code:    code,
		Message: message,
	})
}

// expectState проверяет, что запрос пришел в подходящем состоянии.
func (s *Session) expectState(ctx context.Context, req tdjson.Request, want domain.AuthorizationState) bool {
	if s.state == want {
		return true
	}
	s.emitError(ctx, req, fmt.Errorf("%s is unexpected in state %s", req.TDType(), s.state))
	return false
}

// retryAuthStep обрабатывает ошибку шага авторизации: при ошибке ввода повторно
// публикует текущее состояние, иначе публикует error.
func (s *Session) retryAuthStep(ctx context.Context, req tdjson.Request, err error) {
	if tgerr.Is(err, retryableAuthErrors...) || errors.Is(err, auth.ErrPasswordInvalid) {
		s.log.WarnContext(ctx, "Authorization step rejected, asking again", "state", s.state, "error", err)
		s.emitState(ctx)
		return
	}
	s.emitError(ctx, req, err)
}

func (s *Session) setParameters(ctx context.Context, r *tdjson.SetTdlibParameters) {
	if !s.expectState(ctx, r, domain.AuthStateWaitParameters) {
		return
	}

	runner, err := s.newRunner(r.Parameters)
	if err != nil {
		s.emitError(ctx, r, err)
		return
	}
	if err := s.startRunner(ctx, runner); err != nil {
		s.emitError(ctx, r, err)
		return
	}

	s.emitOk(ctx, r)
	s.setState(ctx, domain.AuthStateWaitEncryptionKey)
}

func (s *Session) checkEncryptionKey(ctx context.Context, r *tdjson.CheckDatabaseEncryptionKey) {
	if !s.expectState(ctx, r, domain.AuthStateWaitEncryptionKey) {
		return
	}

	var status *auth.Status
	err := s.do(ctx, "auth.Status", func(ctx context.Context) error {
		var err error
		status, err = s.runner.Auth().Status(ctx)
		return err
	})
	if err != nil {
		s.emitError(ctx, r, err)
		return
	}

	s.emitOk(ctx, r)
	if status.Authorized {
		s.becomeReady(ctx)
		return
	}
	s.setState(ctx, domain.AuthStateWaitPhoneNumber)
}

func (s *Session) setPhoneNumber(ctx context.Context, r *tdjson.SetAuthenticationPhoneNumber) {
	if !s.expectState(ctx, r, domain.AuthStateWaitPhoneNumber) {
		return
	}

	var sent tg.AuthSentCodeClass
	err := s.do(ctx, "auth.SendCode", func(ctx context.Context) error {
		var err error
		sent, err = s.runner.Auth().SendCode(ctx, r.PhoneNumber, auth.SendCodeOptions{})
		return err
	})
	if err != nil {
		s.retryAuthStep(ctx, r, err)
		return
	}

	s.phone = r.PhoneNumber
	switch v := sent.(type) {
	case *tg.AuthSentCode:
		s.codeHash = v.PhoneCodeHash
		s.emitOk(ctx, r)
		s.setState(ctx, domain.AuthStateWaitCode)
	case *tg.AuthSentCodeSuccess:
		s.emitOk(ctx, r)
		s.becomeReady(ctx)
	default:
		s.emitError(ctx, r, fmt.Errorf("unexpected sent code type %T", sent))
	}
}

func (s *Session) checkCode(ctx context.Context, r *tdjson.CheckAuthenticationCode) {
	if !s.expectState(ctx, r, domain.AuthStateWaitCode) {
		return
	}

	err := s.do(ctx, "auth.SignIn", func(ctx context.Context) error {
		_, err := s.runner.Auth().SignIn(ctx, s.phone, r.Code, s.codeHash)
		return err
	})

	var signUp *auth.SignUpRequired
	switch {
	case err == nil:
		s.emitOk(ctx, r)
		s.becomeReady(ctx)
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		s.emitOk(ctx, r)
		s.setState(ctx, domain.AuthStateWaitPassword)
	case errors.As(err, &signUp):
		s.emitOk(ctx, r)
		s.setState(ctx, domain.AuthStateWaitRegistration)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		s.log.WarnContext(ctx, "Authentication code expired, requesting a new one")
		s.setState(ctx, domain.AuthStateWaitPhoneNumber)
	default:
		s.retryAuthStep(ctx, r, err)
	}
}

func (s *Session) registerUser(ctx context.Context, r *tdjson.RegisterUser) {
	if !s.expectState(ctx, r, domain.AuthStateWaitRegistration) {
		return
	}

	err := s.do(ctx, "auth.SignUp", func(ctx context.Context) error {
		_, err := s.runner.Auth().SignUp(ctx, auth.SignUp{
			PhoneNumber:   s.phone,
			PhoneCodeHash: s.codeHash,
			FirstName:     r.FirstName,
			LastName:      r.LastName,
		})
		return err
	})
	if err != nil {
		s.retryAuthStep(ctx, r, err)
		return
	}

	s.emitOk(ctx, r)
	s.becomeReady(ctx)
}

func (s *Session) checkPassword(ctx context.Context, r *tdjson.CheckAuthenticationPassword) {
	if !s.expectState(ctx, r, domain.AuthStateWaitPassword) {
		return
	}

	err := s.do(ctx, "auth.Password", func(ctx context.Context) error {
		_, err := s.runner.Auth().Password(ctx, r.Password)
		return err
	})
	if err != nil {
		s.retryAuthStep(ctx, r, err)
		return
	}

	s.emitOk(ctx, r)
	s.becomeReady(ctx)
}

// becomeReady завершает авторизацию и сообщает о супергруппах, в которых состоит аккаунт.
func (s *Session) becomeReady(ctx context.Context) {
	s.setState(ctx, domain.AuthStateReady)

	var chats tg.MessagesChatsClass
	err := s.do(ctx, "messages.getAllChats", func(ctx context.Context) error {
		var err error
		chats, err = s.runner.API().MessagesGetAllChats(ctx, nil)
		return err
	})
	if err != nil {
		s.log.WarnContext(ctx, "Failed to load joined chats", "error", err)
		return
	}

	for _, ch := range s.rememberChats(chatsOf(chats)) {
		if ch.Megagroup {
			s.emitSupergroup(ctx, ch)
		}
	}
}

func (s *Session) searchPublicChat(ctx context.Context, r *tdjson.SearchPublicChat) {
	if !s.expectState(ctx, r, domain.AuthStateReady) {
		return
	}

	username := strings.TrimPrefix(strings.TrimSpace(r.Username), "@")
	var resolved *tg.ContactsResolvedPeer
	err := s.do(ctx, "contacts.resolveUsername", func(ctx context.Context) error {
		var err error
		resolved, err = s.runner.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		return err
	})
	if err != nil {
		s.emitError(ctx, r, err)
		return
	}

	s.rememberUsers(resolved.Users)
	channels := s.rememberChats(resolved.Chats)
	if len(channels) == 0 {
		s.emitError(ctx, r, fmt.Errorf("chat %q is not a supergroup", username))
		return
	}
	for _, ch := range channels {
		s.emitSupergroup(ctx, ch)
	}
}

func (s *Session) getSupergroupMembers(ctx context.Context, r *tdjson.GetSupergroupMembers) {
	if !s.expectState(ctx, r, domain.AuthStateReady) {
		return
	}

	ch, ok := s.channels[r.SupergroupID]
	if !ok {
		s.emitError(ctx, r, fmt.Errorf("supergroup %d is unknown, resolve it by username first", r.SupergroupID))
		return
	}

	var res tg.ChannelsChannelParticipantsClass
	err := s.do(ctx, "channels.getParticipants", func(ctx context.Context) error {
		var err error
		res, err = s.runner.API().ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
			Filter:  &tg.ChannelParticipantsRecent{},
			Offset:  r.Offset,
			Limit:   r.Limit,
		})
		return err
	})
	if err != nil {
		s.emitError(ctx, r, err)
		return
	}

	out := &tdjson.ChatMembers{Extra: tdjson.Extra{Extra: r.GetExtra()}, Members: []tdjson.ChatMember{}}
	if page, ok := res.(*tg.ChannelsChannelParticipants); ok {
		s.rememberUsers(page.Users)
		s.rememberChats(page.Chats)
		out.TotalCount = page.Count
		for _, p := range page.Participants {
			out.Members = append(out.Members, tdjson.ChatMember{MemberID: senderOfParticipant(p)})
		}
	}

	s.log.DebugContext(ctx, "Supergroup members fetched", "supergroup_id", r.SupergroupID, "offset", r.Offset, "count", len(out.Members))
	s.emit(ctx, out)
}

func (s *Session) getUser(ctx context.Context, r *tdjson.GetUser) {
	if !s.expectState(ctx, r, domain.AuthStateReady) {
		return
	}

	if u, ok := s.users[r.UserID]; ok {
		s.emit(ctx, userEvent(r, u))
		return
	}

	var users []tg.UserClass
	err := s.do(ctx, "users.getUsers", func(ctx context.Context) error {
		var err error
		users, err = s.runner.API().UsersGetUsers(ctx, []tg.InputUserClass{&tg.InputUser{UserID: r.UserID}})
		return err
	})
	if err != nil {
		s.emitError(ctx, r, err)
		return
	}

	s.rememberUsers(users)
	u, ok := s.users[r.UserID]
	if !ok {
		s.emitError(ctx, r, fmt.Errorf("user %d not found", r.UserID))
		return
	}
	s.emit(ctx, userEvent(r, u))
}

func (s *Session) close(ctx context.Context, r *tdjson.Close) {
	s.setState(ctx, domain.AuthStateClosing)
	s.stopRunner()
	s.emitOk(ctx, r)
	s.setState(ctx, domain.AuthStateClosed)
}

func (s *Session) emitSupergroup(ctx context.Context, ch *tg.Channel) {
	s.emit(ctx, &tdjson.UpdateSupergroup{Supergroup: tdjson.Supergroup{
		ID:       ch.ID,
		Username: channelUsername(ch),
		Title:    ch.Title,
	}})
}

// rememberChats запоминает каналы вместе с access hash и возвращает их.
func (s *Session) rememberChats(chats []tg.ChatClass) []*tg.Channel {
	var out []*tg.Channel
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			s.channels[ch.ID] = ch
			out = append(out, ch)
		}
	}
	return out
}

func (s *Session) rememberUsers(users []tg.UserClass) {
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			s.users[user.ID] = user
		}
	}
}

func chatsOf(chats tg.MessagesChatsClass) []tg.ChatClass {
	switch v := chats.(type) {
	case *tg.MessagesChats:
		return v.Chats
	case *tg.MessagesChatsSlice:
		return v.Chats
	default:
		return nil
	}
}

func senderOfParticipant(p tg.ChannelParticipantClass) tdjson.MessageSender {
	switch v := p.(type) {
	case *tg.ChannelParticipant:
		return tdjson.MessageSender{UserID: v.UserID}
	case *tg.ChannelParticipantSelf:
		return tdjson.MessageSender{UserID: v.UserID}
	case *tg.ChannelParticipantCreator:
		return tdjson.MessageSender{UserID: v.UserID}
	case *tg.ChannelParticipantAdmin:
		return tdjson.MessageSender{UserID: v.UserID}
	case *tg.ChannelParticipantBanned:
		return senderOfPeer(v.Peer)
	case *tg.ChannelParticipantLeft:
		return senderOfPeer(v.Peer)
	default:
		return tdjson.MessageSender{}
	}
}

func senderOfPeer(p tg.PeerClass) tdjson.MessageSender {
	switch v := p.(type) {
	case *tg.PeerUser:
		return tdjson.MessageSender{UserID: v.UserID}
	case *tg.PeerChannel:
		return tdjson.MessageSender{ChatID: v.ChannelID}
	case *tg.PeerChat:
		return tdjson.MessageSender{ChatID: v.ChatID}
	default:
		return tdjson.MessageSender{}
	}
}

func userEvent(r *tdjson.GetUser, u *tg.User) *tdjson.User {
	return &tdjson.User{
		Extra:     tdjson.Extra{Extra: r.GetExtra()},
		ID:        u.ID,
		Username:  userUsername(u),
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// userUsername возвращает основное имя пользователя или первое активное из коллекционных.
func userUsername(u *tg.User) string {
	if u.Username != "" {
		return u.Username
	}
	for _, un := range u.Usernames {
		if un.Active {
			return un.Username
		}
	}
	return ""
}

func channelUsername(ch *tg.Channel) string {
	if ch.Username != "" {
		return ch.Username
	}
	for _, un := range ch.Usernames {
		if un.Active {
			return un.Username
		}
	}
	return ""
}
