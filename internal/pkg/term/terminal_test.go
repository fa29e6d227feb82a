package term

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminal_Prompt(t *testing.T) {
	ctx := context.Background()

	t.Run("reads trimmed line", func(t *testing.T) {
		var out bytes.Buffer
		tm := NewTerminalWith(strings.NewReader("  +15550001111 \n"), &out, -1)

		got, err := tm.Prompt(ctx, "Please enter your phone number: ")
		require.NoError(t, err)
		assert.Equal(t, "+15550001111", got)
		assert.Equal(t, "Please enter your phone number: ", out.String())
	})

	t.Run("last line without newline", func(t *testing.T) {
		tm := NewTerminalWith(strings.NewReader("12345"), &bytes.Buffer{}, -1)

		got, err := tm.Prompt(ctx, "code: ")
		require.NoError(t, err)
		assert.Equal(t, "12345", got)
	})

	t.Run("empty input is an error", func(t *testing.T) {
		tm := NewTerminalWith(strings.NewReader(""), &bytes.Buffer{}, -1)

		_, err := tm.Prompt(ctx, "code: ")
		assert.Error(t, err)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		tm := NewTerminalWith(strings.NewReader("x\n"), &bytes.Buffer{}, -1)

		_, err := tm.Prompt(cctx, "code: ")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTerminal_PromptInterrupted(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	tm := NewTerminalWith(pr, &out, -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tm.Prompt(ctx, "Please enter your phone number: ")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt не вернулся после отмены контекста")
	}

	t.Run("незавершенное чтение переходит к следующему вызову", func(t *testing.T) {
		go func() { _, _ = io.WriteString(pw, "+15550001111\n") }()

		got, err := tm.Prompt(context.Background(), "Please enter your phone number: ")
		require.NoError(t, err)
		assert.Equal(t, "+15550001111", got)
	})
}

func TestTerminal_SecretInterrupted(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	tm := NewTerminalWith(strings.NewReader(""), &bytes.Buffer{}, 0)
	tm.isTerminal = func(int) bool { return true }
	tm.readPassword = func(int) ([]byte, error) {
		<-release
		return nil, errors.New("closed")
	}
	restored := false
	tm.saveState = func(int) func() {
		return func() { restored = true }
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tm.Secret(ctx, "password: ")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, restored, "режим терминала восстанавливается после отмены")
}

func TestTerminal_Secret(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to plain read when not a terminal", func(t *testing.T) {
		tm := NewTerminalWith(strings.NewReader("hunter2\n"), &bytes.Buffer{}, -1)
		tm.isTerminal = func(int) bool { return false }

		got, err := tm.Secret(ctx, "Please enter your password: ")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", got)
	})

	t.Run("uses password reader on a terminal", func(t *testing.T) {
		var out bytes.Buffer
		tm := NewTerminalWith(strings.NewReader(""), &out, 0)
		tm.isTerminal = func(int) bool { return true }
		tm.readPassword = func(int) ([]byte, error) { return []byte("s3cret"), nil }

		got, err := tm.Secret(ctx, "password: ")
		require.NoError(t, err)
		assert.Equal(t, "s3cret", got)
		assert.Equal(t, "password: \n", out.String())
	})

	t.Run("password reader error", func(t *testing.T) {
		tm := NewTerminalWith(strings.NewReader(""), &bytes.Buffer{}, 0)
		tm.isTerminal = func(int) bool { return true }
		tm.readPassword = func(int) ([]byte, error) { return nil, errors.New("tty gone") }

		_, err := tm.Secret(ctx, "password: ")
		assert.ErrorContains(t, err, "tty gone")
	})
}
