// Package source содержит источник событий, воспроизводящий сохраненный
// снимок Telegram без сети и без авторизации.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/comonadd/fetch-tg-links/internal/adapters/parser"
	"github.com/comonadd/fetch-tg-links/internal/tdjson"
)

// ErrUnsupportedObject возвращается для строк снимка, которые нельзя воспроизвести.
var ErrUnsupportedObject = errors.New("unsupported snapshot object")

// Snapshot - состояние Telegram, прочитанное из файла JSON Lines.
//
// Каждая строка - объект с полем "@type": updateSupergroup объявляет
// супергруппу, user - пользователя, logMessage - запись журнала клиента.
// Пользователи, идущие после супергруппы, считаются ее участниками.
type Snapshot struct {
	Supergroups []tdjson.Supergroup
	Members     map[int64][]int64
	Users       map[int64]tdjson.User
	Logs        []tdjson.LogMessage
}

// LoadSnapshot читает снимок из файла.
func LoadSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}
	defer f.Close()

	snap, err := ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return snap, nil
}

// ReadSnapshot разбирает снимок из r.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	p := parser.NewJsonParser()
	snap := &Snapshot{
		Members: make(map[int64][]int64),
		Users:   make(map[int64]tdjson.User),
	}

	type membership struct{ group, user int64 }
	seen := make(map[membership]bool)

	var current int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		ev, err := p.ParseEvent(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		switch e := ev.(type) {
		case *tdjson.UpdateSupergroup:
			snap.Supergroups = append(snap.Supergroups, e.Supergroup)
			current = e.Supergroup.ID
		case *tdjson.User:
			if m := (membership{current, e.ID}); current != 0 && !seen[m] {
				seen[m] = true
				snap.Members[current] = append(snap.Members[current], e.ID)
			}
			u := *e
			u.Extra = tdjson.Extra{}
			snap.Users[e.ID] = u
		case *tdjson.LogMessage:
			snap.Logs = append(snap.Logs, *e)
		default:
			return nil, fmt.Errorf("line %d: %w: %s", line, ErrUnsupportedObject, ev.TDType())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}
