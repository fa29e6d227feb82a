package exporter

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"

	"github.com/comonadd/fetch-tg-links/internal/domain"
	"github.com/comonadd/fetch-tg-links/internal/ports"
)

// maxCellWidth ограничивает ширину ячейки таблицы в колонках терминала.
const maxCellWidth = 72

// ConsoleExporter выводит найденные ссылки таблицей.
type ConsoleExporter struct {
	out io.Writer
}

var _ ports.Exporter = (*ConsoleExporter)(nil)

// NewConsoleExporter создает экспортер в поток out. nil означает stdout.
func NewConsoleExporter(out io.Writer) *ConsoleExporter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleExporter{out: out}
}

// Export печатает строку на каждую найденную ссылку.
func (e *ConsoleExporter) Export(outcome *domain.Outcome) error {
	store, err := storeOf(outcome)
	if err != nil {
		return err
	}

	services := serviceNames(store)
	var rows [][]string
	for _, username := range sortedUsernames(store) {
		record, _ := store.Get(username)
		for _, service := range services {
			if url := record[service]; url != nil {
				rows = append(rows, []string{
					runewidth.Truncate(username, maxCellWidth, "..."),
					service,
					runewidth.Truncate(*url, maxCellWidth, "..."),
				})
			}
		}
	}

	fmt.Fprintln(e.out, "--- Found Links ---")
	if len(rows) == 0 {
		fmt.Fprintln(e.out, "No links found.")
		return nil
	}

	table := tablewriter.NewWriter(e.out)
	table.SetHeader([]string{"Username", "Service", "URL"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
	return nil
}
