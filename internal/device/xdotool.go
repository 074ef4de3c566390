package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// runFunc executes one command and returns its combined output.
type runFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd.CombinedOutput()
}

// XDoTool drives the X11 pointer and keyboard through the xdotool binary.
// Every primitive is one xdotool invocation so a failure maps to exactly one step.
type XDoTool struct {
	binary    string
	env       []string
	typeDelay time.Duration
	timeout   time.Duration
	run       runFunc
	log       logx.Logger
}

func NewXDoTool(opts Options, log logx.Logger) *XDoTool {
	x := &XDoTool{
		binary:    strings.TrimSpace(opts.Binary),
		typeDelay: opts.TypeDelay,
		timeout:   opts.CommandTimeout,
		run:       execRun,
		log:       log.With(logx.String("comp", "device.xdotool")),
	}
	if x.binary == "" {
		x.binary = "xdotool"
	}
	if x.typeDelay <= 0 {
		x.typeDelay = 12 * time.Millisecond
	}
	if x.timeout <= 0 {
		x.timeout = 10 * time.Second
	}
	if d := strings.TrimSpace(opts.Display); d != "" {
		x.env = []string{"DISPLAY=" + d}
	}
	return x
}

func (x *XDoTool) Name() string { return "xdotool" }

func (x *XDoTool) exec(ctx context.Context, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	out, err := x.run(cctx, x.env, x.binary, args...)
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("xdotool %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	x.log.Trace("xdotool ok", logx.Strings("args", args))
	return nil
}

func (x *XDoTool) MoveTo(ctx context.Context, px, py int) error {
	return x.exec(ctx, "mousemove", "--sync", strconv.Itoa(px), strconv.Itoa(py))
}

func (x *XDoTool) Click(ctx context.Context) error {
	return x.exec(ctx, "click", "1")
}

func (x *XDoTool) SelectAll(ctx context.Context) error {
	return x.exec(ctx, "key", "--clearmodifiers", "ctrl+a")
}

func (x *XDoTool) Clear(ctx context.Context) error {
	return x.exec(ctx, "key", "--clearmodifiers", "BackSpace")
}

func (x *XDoTool) TypeOrPaste(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	delay := strconv.FormatInt(x.typeDelay.Milliseconds(), 10)
	return x.exec(ctx, "type", "--clearmodifiers", "--delay", delay, "--", text)
}

func (x *XDoTool) PressKey(ctx context.Context, key string) error {
	return x.exec(ctx, "key", "--clearmodifiers", key)
}

func (x *XDoTool) PressHotkey(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return fmt.Errorf("xdotool key: empty hotkey")
	}
	return x.exec(ctx, "key", "--clearmodifiers", strings.Join(keys, "+"))
}
