package term

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
	"golang.org/x/xerrors"
)

// Terminal запрашивает данные авторизации у оператора через терминал.
// Реализует интерфейс ports.Prompter.
//
// Чтение идет в отдельной горутине, чтобы отмена ctx (Ctrl-C) прерывала
// ожидание ввода. Незавершенное чтение переходит к следующему вызову.
type Terminal struct {
	in           *bufio.Reader
	out          io.Writer
	stdinfd      int
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
	saveState    func(fd int) func()

	pending chan readResult
}

type readResult struct {
	value string
	err   error
}

// NewTerminal создает Terminal поверх стандартных потоков.
func NewTerminal() *Terminal {
	return NewTerminalWith(os.Stdin, os.Stdout, int(os.Stdin.Fd()))
}

// NewTerminalWith создает Terminal поверх произвольных потоков.
func NewTerminalWith(in io.Reader, out io.Writer, fd int) *Terminal {
	return &Terminal{
		in:           bufio.NewReader(in),
		out:          out,
		stdinfd:      fd,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
		saveState:    saveState,
	}
}

// saveState запоминает режим терминала и возвращает функцию его восстановления.
func saveState(fd int) func() {
	state, err := term.GetState(fd)
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}

// await ждет результат чтения или отмену ctx. Если предыдущее чтение
// еще не завершилось, ждет его результат вместо нового чтения.
func (t *Terminal) await(ctx context.Context, read func() (string, error)) (string, error) {
	if t.pending == nil {
		ch := make(chan readResult, 1)
		go func() {
			v, err := read()
			ch <- readResult{value: v, err: err}
		}()
		t.pending = ch
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-t.pending:
		t.pending = nil
		return r.value, r.err
	}
}

// Prompt выводит приглашение и читает строку.
func (t *Terminal) Prompt(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(t.out, label)
	line, err := t.await(ctx, func() (string, error) {
		return t.in.ReadString('\n')
	})
	if ctx.Err() != nil {
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	}
	if err != nil && !(err == io.EOF && line != "") {
		return "", xerrors.Errorf("failed to read %q: %w", strings.TrimSpace(label), err)
	}
	return strings.TrimSpace(line), nil
}

// Secret читает значение без эха, если stdin - терминал.
// Иначе (например, при перенаправлении ввода) читает обычную строку.
func (t *Terminal) Secret(ctx context.Context, label string) (string, error) {
	if !t.isTerminal(t.stdinfd) {
		return t.Prompt(ctx, label)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(t.out, label)
	restore := t.saveState(t.stdinfd)
	secret, err := t.await(ctx, func() (string, error) {
		b, err := t.readPassword(t.stdinfd)
		return string(b), err
	})
	if ctx.Err() != nil {
		// Чтение пароля выключило эхо и еще не вернулось.
		restore()
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	}
	if err != nil {
		return "", xerrors.Errorf("failed to read secret: %w", err)
	}
	fmt.Fprintln(t.out) // Новая строка после ввода
	return secret, nil
}
