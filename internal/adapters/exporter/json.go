package exporter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
)

// JSONExporter записывает хранилище результатов в файл как {"users": {...}}.
type JSONExporter struct {
	path string
}

var _ ports.Exporter = (*JSONExporter)(nil)

// NewJSONExporter создает экспортер в JSON-файл.
func NewJSONExporter(path string) *JSONExporter {
	return &JSONExporter{path: path}
}

// Export перезаписывает файл целиком.
func (e *JSONExporter) Export(outcome *domain.Outcome) error {
	store, err := storeOf(outcome)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := os.WriteFile(e.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.path, err)
	}
	return nil
}
