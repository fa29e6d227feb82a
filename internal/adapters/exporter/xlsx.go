package exporter

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
)

// SheetName - имя листа с результатами.
const SheetName = "Links"

// XLSXExporter записывает результаты в таблицу: строка на пользователя,
// столбец на сервис поиска.
type XLSXExporter struct {
	path string
}

var _ ports.Exporter = (*XLSXExporter)(nil)

// NewXLSXExporter создает экспортер в файл Excel.
func NewXLSXExporter(path string) *XLSXExporter {
	return &XLSXExporter{path: path}
}

func (e *XLSXExporter) Export(outcome *domain.Outcome) (err error) {
	store, err := storeOf(outcome)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close workbook: %w", cerr)
		}
	}()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	services := serviceNames(store)
	headers := append([]string{"Username"}, services...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	for i, username := range sortedUsernames(store) {
		row := i + 2
		if err := f.SetCellValue(SheetName, fmt.Sprintf("A%d", row), username); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}

		record, _ := store.Get(username)
		for j, service := range services {
			url := record[service]
			if url == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(j+2, row)
			if err := f.SetCellValue(SheetName, cell, *url); err != nil {
				return fmt.Errorf("failed to write row %d: %w", row, err)
			}
			if err := f.SetCellHyperLink(SheetName, cell, *url, "External"); err != nil {
				return fmt.Errorf("failed to link row %d: %w", row, err)
			}
		}
	}

	if err := f.SaveAs(e.path); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.path, err)
	}
	return nil
}
