// Package input issues the shell-mediated motion-event and display-setting
// commands of spec §4 "Input/settings": `input motionevent` and
// `settings put/get system show_touches`.
package input

import (
	"context"
	"fmt"

	"github.com/snapo-dev/snapo-core/internal/adberr"
)

// ShellRunner is the subset of hostcmd.Client input depends on.
type ShellRunner interface {
	ShellCollect(ctx context.Context, serial, cmd string) ([]byte, error)
}

// Source is the input device class a motion event targets.
type Source string

const (
	SourceTouchscreen Source = "touchscreen"
	SourceMouse       Source = "mouse"
)

// Action is the motion-event action token.
type Action string

const (
	ActionDown   Action = "DOWN"
	ActionUp     Action = "UP"
	ActionMove   Action = "MOVE"
	ActionCancel Action = "CANCEL"
)

// Injector issues input events against one device's shell surface. Every
// parameter is validated against a fixed enum before being templated into
// a command, so no untrusted data ever reaches the shell string (spec §5
// "Shell commands MUST never interpolate untrusted data without explicit
// quoting").
type Injector struct {
	shell  ShellRunner
	serial string
}

// New constructs an Injector for one device.
func New(shell ShellRunner, serial string) *Injector {
	return &Injector{shell: shell, serial: serial}
}

// MotionEvent issues `input <source> -d <deviceID> motionevent <action> <x> <y>`.
func (in *Injector) MotionEvent(ctx context.Context, source Source, deviceID int, action Action, x, y int) error {
	if err := validateSource(source); err != nil {
		return err
	}
	if err := validateAction(action); err != nil {
		return err
	}
	cmd := fmt.Sprintf("input %s -d %d motionevent %s %d %d", source, deviceID, action, x, y)
	_, err := in.shell.ShellCollect(ctx, in.serial, cmd)
	return err
}

func validateSource(s Source) error {
	switch s {
	case SourceTouchscreen, SourceMouse:
		return nil
	default:
		return adberr.InvalidRecord("motionevent", fmt.Sprintf("unsupported input source %q", s))
	}
}

func validateAction(a Action) error {
	switch a {
	case ActionDown, ActionUp, ActionMove, ActionCancel:
		return nil
	default:
		return adberr.InvalidRecord("motionevent", fmt.Sprintf("unsupported motion action %q", a))
	}
}

// GetShowTouches reads the current system show_touches setting ("0" or "1").
func GetShowTouches(ctx context.Context, shell ShellRunner, serial string) (string, error) {
	out, err := shell.ShellCollect(ctx, serial, "settings get system show_touches")
	if err != nil {
		return "", err
	}
	return trimmed(out), nil
}

// SetShowTouches writes the system show_touches setting ("0" or "1").
func SetShowTouches(ctx context.Context, shell ShellRunner, serial, value string) error {
	if value != "0" && value != "1" {
		return adberr.InvalidRecord("show_touches", fmt.Sprintf("invalid value %q", value))
	}
	_, err := shell.ShellCollect(ctx, serial, "settings put system show_touches "+value)
	return err
}

func trimmed(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
