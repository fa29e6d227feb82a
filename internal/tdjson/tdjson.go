// Package tdjson описывает словарь запросов и событий клиента Telegram
// в стиле TDLib JSON: каждый объект помечен полем "@type",
// запросы могут нести поле "@extra" для корреляции.
package tdjson

import "github.com/comonadd/fetch-tg-links/internal/domain"

// Object - любой объект словаря, имеющий тип.
type Object interface {
	TDType() string
}

// Request - запрос, отправляемый клиенту.
type Request interface {
	Object
	// GetExtra возвращает значение поля "@extra".
	GetExtra() string
}

// Event - событие или ответ, полученные от клиента.
type Event interface {
	Object
}

// Extra хранит поле "@extra". Встраивается во все запросы и ответы.
type Extra struct {
	Extra string `json:"@extra,omitempty"`
}

// GetExtra возвращает значение корреляционного поля.
func (e Extra) GetExtra() string { return e.Extra }

// --- Запросы ---

// TdlibParameters - параметры сессии, передаваемые в setTdlibParameters.
type TdlibParameters struct {
	DatabaseDirectory      string `json:"database_directory"`
	UseMessageDatabase     bool   `json:"use_message_database"`
	UseSecretChats         bool   `json:"use_secret_chats"`
	APIID                  int    `json:"api_id"`
	APIHash                string `json:"api_hash"`
	SystemLanguageCode     string `json:"system_language_code"`
	DeviceModel            string `json:"device_model"`
	ApplicationVersion     string `json:"application_version"`
	EnableStorageOptimizer bool   `json:"enable_storage_optimizer"`
}

// GetAuthorizationState запрашивает текущее состояние авторизации.
type GetAuthorizationState struct{ Extra }

func (GetAuthorizationState) TDType() string { return "getAuthorizationState" }

// SetTdlibParameters передает параметры сессии в ответ на authorizationStateWaitTdlibParameters.
type SetTdlibParameters struct {
	Extra
	Parameters TdlibParameters `json:"parameters"`
}

func (SetTdlibParameters) TDType() string { return "setTdlibParameters" }

// CheckDatabaseEncryptionKey передает ключ шифрования локальной базы. Пустой ключ - база без шифрования.
type CheckDatabaseEncryptionKey struct {
	Extra
	EncryptionKey string `json:"encryption_key"`
}

func (CheckDatabaseEncryptionKey) TDType() string { return "checkDatabaseEncryptionKey" }

// SetAuthenticationPhoneNumber передает номер телефона для входа.
type SetAuthenticationPhoneNumber struct {
	Extra
	PhoneNumber string `json:"phone_number"`
}

func (SetAuthenticationPhoneNumber) TDType() string { return "setAuthenticationPhoneNumber" }

// CheckAuthenticationCode передает код подтверждения из SMS или Telegram.
type CheckAuthenticationCode struct {
	Extra
	Code string `json:"code"`
}

func (CheckAuthenticationCode) TDType() string { return "checkAuthenticationCode" }

// RegisterUser регистрирует новый аккаунт по имени и фамилии.
type RegisterUser struct {
	Extra
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (RegisterUser) TDType() string { return "registerUser" }

// CheckAuthenticationPassword передает пароль двухэтапной проверки.
type CheckAuthenticationPassword struct {
	Extra
	Password string `json:"password"`
}

func (CheckAuthenticationPassword) TDType() string { return "checkAuthenticationPassword" }

// SearchPublicChat ищет публичный чат по имени. Ответ приходит событием updateSupergroup.
type SearchPublicChat struct {
	Extra
	Username string `json:"username"`
}

func (SearchPublicChat) TDType() string { return "searchPublicChat" }

// GetSupergroupMembers запрашивает страницу участников супергруппы.
type GetSupergroupMembers struct {
	Extra
	SupergroupID int64 `json:"supergroup_id"`
	Offset       int   `json:"offset"`
	Limit        int   `json:"limit"`
}

func (GetSupergroupMembers) TDType() string { return "getSupergroupMembers" }

// GetUser запрашивает пользователя по id.
type GetUser struct {
	Extra
	UserID int64 `json:"user_id"`
}

func (GetUser) TDType() string { return "getUser" }

// SetLogVerbosityLevel задает уровень журнала библиотеки. Выполняется синхронно.
type SetLogVerbosityLevel struct {
	Extra
	NewVerbosityLevel int `json:"new_verbosity_level"`
}

func (SetLogVerbosityLevel) TDType() string { return "setLogVerbosityLevel" }

// Close закрывает сессию.
type Close struct{ Extra }

func (Close) TDType() string { return "close" }

// --- События ---

// AuthorizationStateObject - вложенный объект состояния авторизации.
type AuthorizationStateObject struct {
	Type domain.AuthorizationState `json:"@type"`
}

// UpdateAuthorizationState - смена состояния авторизации.
type UpdateAuthorizationState struct {
	AuthorizationState AuthorizationStateObject `json:"authorization_state"`
}

func (UpdateAuthorizationState) TDType() string { return "updateAuthorizationState" }

// NewAuthorizationState создает событие смены состояния авторизации.
func NewAuthorizationState(state domain.AuthorizationState) *UpdateAuthorizationState {
	return &UpdateAuthorizationState{AuthorizationState: AuthorizationStateObject{Type: state}}
}

// State возвращает состояние авторизации из события.
func (u UpdateAuthorizationState) State() domain.AuthorizationState {
	return u.AuthorizationState.Type
}

// Ok - успешный ответ на запрос без результата.
type Ok struct{ Extra }

func (Ok) TDType() string { return "ok" }

// Error - ошибка выполнения запроса с кодом и текстом.
type Error struct {
	Extra
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (Error) TDType() string { return "error" }

// Error реализует интерфейс error.
func (e Error) Error() string {
	return e.Message
}

// Supergroup - супергруппа или канал с публичным именем.
type Supergroup struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}

// UpdateSupergroup - сведения о супергруппе, полученные клиентом.
type UpdateSupergroup struct {
	Supergroup Supergroup `json:"supergroup"`
}

func (UpdateSupergroup) TDType() string { return "updateSupergroup" }

// MessageSender идентифицирует отправителя (участника).
// UserID равен нулю, если участник не является пользователем.
type MessageSender struct {
	UserID int64 `json:"user_id,omitempty"`
	ChatID int64 `json:"chat_id,omitempty"`
}

// ChatMember - один участник супергруппы.
type ChatMember struct {
	MemberID MessageSender `json:"member_id"`
}

// ChatMembers - страница участников в ответ на getSupergroupMembers.
type ChatMembers struct {
	Extra
	TotalCount int          `json:"total_count"`
	Members    []ChatMember `json:"members"`
}

func (ChatMembers) TDType() string { return "chatMembers" }

// User - пользователь в ответ на getUser. Username может быть пустым.
type User struct {
	Extra
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (User) TDType() string { return "user" }

// LogMessage - запись журнала клиента; Verbosity 0 означает фатальную ошибку.
type LogMessage struct {
	Verbosity int    `json:"verbosity_level"`
	Text      string `json:"text"`
}

func (LogMessage) TDType() string { return "logMessage" }
