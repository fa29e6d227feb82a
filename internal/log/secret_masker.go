package log

import (
	"context"
	"log/slog"
	"regexp"
)

// SecretMaskerHandler - обертка для slog.Handler, которая маскирует api_hash и номера телефонов в логах
type SecretMaskerHandler struct {
	handler slog.Handler
}

// NewSecretMaskerHandler создает новый обработчик с маскировкой секретов
func NewSecretMaskerHandler(handler slog.Handler) *SecretMaskerHandler {
	return &SecretMaskerHandler{
		handler: handler,
	}
}

var (
	// api_hash приложения Telegram - 32 шестнадцатеричных символа
	apiHashRegex = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	// номер телефона в международном формате
	phoneRegex = regexp.MustCompile(`\+\d{7,15}\b`)
)

// maskSecrets заменяет найденные секреты на маску
func maskSecrets(text string) string {
	text = apiHashRegex.ReplaceAllString(text, "***masked-hash***")
	return phoneRegex.ReplaceAllStringFunc(text, maskPhone)
}

// maskPhone оставляет видимыми только последние две цифры номера
func maskPhone(phone string) string {
	if len(phone) <= 3 {
		return "+***"
	}
	return "+***" + phone[len(phone)-2:]
}

// Enabled реализует интерфейс slog.Handler
func (h *SecretMaskerHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle реализует интерфейс slog.Handler
func (h *SecretMaskerHandler) Handle(ctx context.Context, record slog.Record) error {
	// Собираем новую запись: исходную slog может переиспользовать.
	r := slog.NewRecord(record.Time, record.Level, maskSecrets(record.Message), record.PC)

	record.Attrs(func(a slog.Attr) bool {
		r.AddAttrs(slog.Attr{
			Key:   a.Key,
			Value: maskAttributeValue(a.Value),
		})
		return true
	})

	return h.handler.Handle(ctx, r)
}

// WithAttrs реализует интерфейс slog.Handler
func (h *SecretMaskerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		maskedAttrs[i] = slog.Attr{
			Key:   attr.Key,
			Value: maskAttributeValue(attr.Value),
		}
	}
	return &SecretMaskerHandler{
		handler: h.handler.WithAttrs(maskedAttrs),
	}
}

// WithGroup реализует интерфейс slog.Handler
func (h *SecretMaskerHandler) WithGroup(name string) slog.Handler {
	return &SecretMaskerHandler{
		handler: h.handler.WithGroup(name),
	}
}

// maskAttributeValue рекурсивно маскирует значения атрибутов
func maskAttributeValue(value slog.Value) slog.Value {
	switch value.Kind() {
	case slog.KindString:
		return slog.StringValue(maskSecrets(value.String()))
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.StringValue(maskSecrets(err.Error()))
		}
		return value
	case slog.KindGroup:
		group := value.Group()
		maskedGroup := make([]slog.Attr, len(group))
		for i, attr := range group {
			maskedGroup[i] = slog.Attr{
				Key:   attr.Key,
				Value: maskAttributeValue(attr.Value),
			}
		}
		return slog.GroupValue(maskedGroup...)
	default:
		return value
	}
}

// NewMaskedLogger создает новый экземпляр slog.Logger с маскировкой секретов
func NewMaskedLogger(handler slog.Handler) *slog.Logger {
	return slog.New(NewSecretMaskerHandler(handler))
}
