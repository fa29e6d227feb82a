package ports

import (
	"context"
	"time"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

// LogCallback получает записи журнала клиента. verbosity 0 - фатальная ошибка.
type LogCallback func(verbosity int, message string)

// EventSource - опрашиваемый источник событий клиента Telegram.
type EventSource interface {
	// ID возвращает идентификатор клиента.
	ID() string
	// TrySend отправляет запрос без ожидания ответа.
	TrySend(req tdjson.Request)
	// Poll ждет следующее событие не дольше timeout. Возвращает nil по таймауту
	// или при отмене контекста.
	Poll(ctx context.Context, timeout time.Duration) tdjson.Event
	// ExecuteSync выполняет синхронную команду уровня библиотеки.
	ExecuteSync(req tdjson.Request) tdjson.Event
	// SetLogCallback устанавливает обработчик журнала библиотеки.
	SetLogCallback(cb LogCallback)
}

// Prompter запрашивает данные у оператора во время авторизации.
type Prompter interface {
	Prompt(ctx context.Context, label string) (string, error)
	// Secret запрашивает значение без эха, если это возможно.
	Secret(ctx context.Context, label string) (string, error)
}

// LookupService проверяет наличие публичного профиля с заданным именем.
type LookupService interface {
	// Name возвращает стабильное имя сервиса, используемое как ключ в UserRecord.
	Name() string
	// Check возвращает URL профиля и found=true, если профиль существует.
	// err != nil означает, что ответ получить не удалось.
	Check(ctx context.Context, username string) (url string, found bool, err error)
}

// LinkChecker проверяет пользователя всеми зарегистрированными сервисами.
type LinkChecker interface {
	Check(ctx context.Context, username string) domain.CheckReport
}

// ProgressStore сохраняет прогресс обхода участников между запусками.
// Ключ - id супергруппы, поэтому запуски по имени и по id делят прогресс.
type ProgressStore interface {
	SaveOffset(ctx context.Context, supergroupID int64, offset int) error
	LoadOffset(ctx context.Context, supergroupID int64) (int, bool, error)
	SaveRecord(ctx context.Context, supergroupID int64, username string, record domain.UserRecord) error
}

// Exporter сохраняет или выводит итог запуска.
type Exporter interface {
	Export(outcome *domain.Outcome) error
}
