// Package exporter сохраняет итог запуска: в JSON, в XLSX или в виде таблицы в консоли.
package exporter

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
)

var (
	// ErrNoResult возвращается при попытке сохранить пустой итог.
	ErrNoResult = errors.New("nothing to export")
	// ErrUnsupportedFormat возвращается для неизвестного расширения файла.
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// ForPath выбирает экспортер по расширению файла: .xlsx или .json.
// Файл без расширения сохраняется в JSON.
func ForPath(path string) (ports.Exporter, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		return NewXLSXExporter(path), nil
	case ".json", "":
		return NewJSONExporter(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func storeOf(outcome *domain.Outcome) (*domain.ResultStore, error) {
	if outcome == nil || outcome.Store == nil {
		return nil, ErrNoResult
	}
	return outcome.Store, nil
}

// sortedUsernames возвращает имена пользователей в алфавитном порядке.
func sortedUsernames(store *domain.ResultStore) []string {
	names := lo.Keys(store.Users())
	slices.Sort(names)
	return names
}

// serviceNames возвращает все сервисы, встречающиеся в записях.
func serviceNames(store *domain.ResultStore) []string {
	names := lo.Uniq(lo.FlatMap(lo.Values(store.Users()), func(r domain.UserRecord, _ int) []string {
		return lo.Keys(r)
	}))
	slices.Sort(names)
	return names
}
