// Package device provides the pointer-and-keyboard automation primitives.
//
// A Device is one physical resource. Callers outside the dispatch arbiter
// must not use it directly.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// ErrUnavailable means the automation backend cannot run at all (e.g. the
// binary is missing). Retrying does not help.
var ErrUnavailable = errors.New("automation device unavailable")

type Device interface {
	Name() string
	MoveTo(ctx context.Context, x, y int) error
	Click(ctx context.Context) error
	SelectAll(ctx context.Context) error
	Clear(ctx context.Context) error
	TypeOrPaste(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	PressHotkey(ctx context.Context, keys ...string) error
}

// Options configure the built-in drivers.
type Options struct {
	Driver         string
	Binary         string
	Display        string
	TypeDelay      time.Duration
	CommandTimeout time.Duration
	Latency        time.Duration
}

// Open builds the configured driver. "dry_run" returns a Recorder.
func Open(opts Options, log logx.Logger) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "xdotool":
		return NewXDoTool(opts, log), nil
	case "dry_run", "dry-run":
		r := NewRecorder()
		r.Latency = opts.Latency
		r.log = log
		return r, nil
	default:
		return nil, fmt.Errorf("unknown device driver %q", opts.Driver)
	}
}
