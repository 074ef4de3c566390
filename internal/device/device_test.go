package device

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	logx "courier/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  string
}

func (f *fakeRunner) run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail != "" && args[0] == f.fail {
		return []byte("Can't open display\n"), errors.New("exit status 1")
	}
	return nil, nil
}

func TestXDoToolCommands(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	x := NewXDoTool(Options{TypeDelay: 20 * time.Millisecond, Display: ":1"}, logx.Nop())
	x.run = fr.run
	require.Equal(t, []string{"DISPLAY=:1"}, x.env)

	ctx := context.Background()
	require.NoError(t, x.MoveTo(ctx, 12, 34))
	require.NoError(t, x.Click(ctx))
	require.NoError(t, x.TypeOrPaste(ctx, "-dash first"))
	require.NoError(t, x.PressHotkey(ctx, "shift", "Return"))
	require.NoError(t, x.TypeOrPaste(ctx, ""))

	require.Equal(t, [][]string{
		{"xdotool", "mousemove", "--sync", "12", "34"},
		{"xdotool", "click", "1"},
		{"xdotool", "type", "--clearmodifiers", "--delay", "20", "--", "-dash first"},
		{"xdotool", "key", "--clearmodifiers", "shift+Return"},
	}, fr.calls)
}

func TestXDoToolErrorIncludesOutput(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{fail: "click"}
	x := NewXDoTool(Options{Binary: "/usr/bin/xdotool"}, logx.Nop())
	x.run = fr.run

	err := x.Click(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "Can't open display"), err.Error())
	require.Equal(t, "/usr/bin/xdotool", fr.calls[0][0])
}

func TestRecorderRecordsAndFails(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	boom := errors.New("boom")
	r.Fail = func(a Action) error {
		if a.Kind == ActClear {
			return boom
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, r.MoveTo(ctx, 1, 2))
	require.NoError(t, r.PressKey(ctx, "Return"))
	require.ErrorIs(t, r.Clear(ctx), boom)

	acts := r.Actions()
	require.Len(t, acts, 2)
	require.Equal(t, "move(1,2)", acts[0].String())
	require.Equal(t, "key(Return)", acts[1].String())
	require.Equal(t, 1, r.MaxInFlight())
}

func TestRecorderHonorsContext(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.Latency = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Click(ctx), context.Canceled)
	require.Empty(t, r.Actions())
}

func TestOpenSelectsDriver(t *testing.T) {
	t.Parallel()

	d, err := Open(Options{Driver: "dry_run"}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, "dry_run", d.Name())

	d, err = Open(Options{}, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, "xdotool", d.Name())

	_, err = Open(Options{Driver: "robot"}, logx.Nop())
	require.Error(t, err)
}

func TestXDoToolMissingBinaryIsUnavailable(t *testing.T) {
	t.Parallel()

	x := NewXDoTool(Options{}, logx.Nop())
	x.run = func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
		return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	require.ErrorIs(t, x.Click(context.Background()), ErrUnavailable)
}
