package services

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/comonadd/fetch-tg-links/internal/domain"
)

// Summarize подсчитывает итоги запуска. Функция не изменяет хранилище.
func Summarize(outcome *domain.Outcome) domain.Summary {
	sum := domain.Summary{PerService: make(map[string]int)}
	if outcome == nil {
		return sum
	}

	sum.LastPosition = outcome.Offset
	sum.LookupFailures = outcome.LookupFailures
	if outcome.Store == nil {
		return sum
	}

	for _, record := range outcome.Store.Users() {
		for service, url := range record {
			// Сервис попадает в разбивку даже без найденных ссылок.
			if _, ok := sum.PerService[service]; !ok {
				sum.PerService[service] = 0
			}
			if url != nil {
				sum.LinksFound++
				sum.PerService[service]++
			}
		}
	}
	sum.UsersProcessed = outcome.Store.Len()
	sum.Services = lo.Keys(sum.PerService)
	slices.Sort(sum.Services)

	return sum
}

// SummaryLine возвращает строку вида
// "DONE. Processed N users. Found M links (github=K)".
func SummaryLine(sum domain.Summary) string {
	parts := lo.Map(sum.Services, func(name string, _ int) string {
		return fmt.Sprintf("%s=%d", name, sum.PerService[name])
	})
	return fmt.Sprintf("DONE. Processed %d users. Found %d links (%s)",
		sum.UsersProcessed, sum.LinksFound, strings.Join(parts, ", "))
}

// PositionLine возвращает строку с последним смещением.
func PositionLine(sum domain.Summary) string {
	return fmt.Sprintf("Last position: %d", sum.LastPosition)
}
