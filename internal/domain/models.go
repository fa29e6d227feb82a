package domain

import (
	"encoding/json"
	"strings"
)

// AuthorizationState описывает, какой шаг авторизации ожидает клиент.
type AuthorizationState string

const (
	AuthStateWaitParameters    AuthorizationState = "authorizationStateWaitTdlibParameters"
	AuthStateWaitEncryptionKey AuthorizationState = "authorizationStateWaitEncryptionKey"
	AuthStateWaitPhoneNumber   AuthorizationState = "authorizationStateWaitPhoneNumber"
	AuthStateWaitCode          AuthorizationState = "authorizationStateWaitCode"
	AuthStateWaitRegistration  AuthorizationState = "authorizationStateWaitRegistration"
	AuthStateWaitPassword      AuthorizationState = "authorizationStateWaitPassword"
	AuthStateReady             AuthorizationState = "authorizationStateReady"
	AuthStateLoggingOut        AuthorizationState = "authorizationStateLoggingOut"
	AuthStateClosing           AuthorizationState = "authorizationStateClosing"
	AuthStateClosed            AuthorizationState = "authorizationStateClosed"
)

// String реализует fmt.Stringer.
func (s AuthorizationState) String() string {
	return string(s)
}

// Waiting сообщает, требует ли состояние ответа от клиента.
func (s AuthorizationState) Waiting() bool {
	switch s {
	case AuthStateWaitParameters, AuthStateWaitEncryptionKey, AuthStateWaitPhoneNumber,
		AuthStateWaitCode, AuthStateWaitRegistration, AuthStateWaitPassword:
		return true
	default:
		return false
	}
}

// DefaultPageSize - размер страницы при запросе участников супергруппы.
const DefaultPageSize = 10

// MemberBatch описывает одну страницу списка участников.
type MemberBatch struct {
	Offset int
	Limit  int
}

// Next возвращает следующую страницу. Смещение растет на размер страницы,
// даже если предыдущая страница оказалась неполной.
func (b MemberBatch) Next() MemberBatch {
	return MemberBatch{Offset: b.Offset + b.Limit, Limit: b.Limit}
}

// UserRecord отображает имя сервиса поиска в найденный URL профиля.
// nil означает, что профиль не найден.
type UserRecord map[string]*string

// Links возвращает количество подтвержденных ссылок.
func (r UserRecord) Links() int {
	n := 0
	for _, url := range r {
		if url != nil {
			n++
		}
	}
	return n
}

// ResultStore накапливает результаты проверки за один запуск.
// Записи только добавляются или перезаписываются.
type ResultStore struct {
	users map[string]UserRecord
}

// NewResultStore создает пустое хранилище результатов.
func NewResultStore() *ResultStore {
	return &ResultStore{users: make(map[string]UserRecord)}
}

// Put сохраняет запись пользователя. Пустые имена игнорируются.
func (s *ResultStore) Put(username string, record UserRecord) bool {
	if IsBlank(username) {
		return false
	}
	if record == nil {
		record = UserRecord{}
	}
	s.users[username] = record
	return true
}

// Get возвращает запись пользователя.
func (s *ResultStore) Get(username string) (UserRecord, bool) {
	r, ok := s.users[username]
	return r, ok
}

// Len возвращает количество обработанных пользователей.
func (s *ResultStore) Len() int {
	return len(s.users)
}

// Users возвращает внутреннее отображение пользователей.
func (s *ResultStore) Users() map[string]UserRecord {
	return s.users
}

type resultStoreJSON struct {
	Users map[string]UserRecord `json:"users"`
}

// MarshalJSON сериализует хранилище в виде {"users": {...}}.
func (s *ResultStore) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultStoreJSON{Users: s.users})
}

// UnmarshalJSON восстанавливает хранилище из {"users": {...}}.
func (s *ResultStore) UnmarshalJSON(data []byte) error {
	var raw resultStoreJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.users = make(map[string]UserRecord, len(raw.Users))
	for name, rec := range raw.Users {
		s.Put(name, rec)
	}
	return nil
}

// IsBlank сообщает, состоит ли имя пользователя только из пробелов.
func IsBlank(username string) bool {
	return strings.TrimSpace(username) == ""
}

// CheckReport - результат проверки одного пользователя всеми сервисами.
type CheckReport struct {
	Record UserRecord
	// Failed содержит имена сервисов, проверка которыми завершилась сетевой ошибкой.
	Failed []string
}

// Outcome - итог работы драйвера сессии.
type Outcome struct {
	Store *ResultStore
	// SupergroupID - id обходимой супергруппы, 0 если она не была найдена.
	SupergroupID int64
	Offset       int
	Interrupted  bool
	// Exhausted - обработана последняя страница списка участников.
	Exhausted      bool
	LookupFailures int
}

// Summary - сводка по результатам запуска.
type Summary struct {
	UsersProcessed int
	LinksFound     int
	PerService     map[string]int
	Services       []string // отсортированные имена сервисов из PerService
	LastPosition   int
	LookupFailures int
}
