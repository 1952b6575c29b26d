package input

import (
	"context"
	"testing"
)

type fakeShell struct {
	lastCmd string
	out     string
	err     error
}

func (f *fakeShell) ShellCollect(ctx context.Context, serial, cmd string) ([]byte, error) {
	f.lastCmd = cmd
	return []byte(f.out), f.err
}

func TestMotionEventBuildsFixedTemplate(t *testing.T) {
	sh := &fakeShell{}
	in := New(sh, "emulator-5554")
	if err := in.MotionEvent(context.Background(), SourceTouchscreen, 0, ActionDown, 100, 200); err != nil {
		t.Fatalf("MotionEvent: %v", err)
	}
	want := "input touchscreen -d 0 motionevent DOWN 100 200"
	if sh.lastCmd != want {
		t.Fatalf("want %q, got %q", want, sh.lastCmd)
	}
}

func TestMotionEventRejectsUnknownSource(t *testing.T) {
	sh := &fakeShell{}
	in := New(sh, "s")
	if err := in.MotionEvent(context.Background(), Source("keyboard"), 0, ActionDown, 0, 0); err == nil {
		t.Fatal("want error for unsupported source")
	}
}

func TestMotionEventRejectsUnknownAction(t *testing.T) {
	sh := &fakeShell{}
	in := New(sh, "s")
	if err := in.MotionEvent(context.Background(), SourceMouse, 0, Action("FLING"), 0, 0); err == nil {
		t.Fatal("want error for unsupported action")
	}
}

func TestGetSetShowTouches(t *testing.T) {
	sh := &fakeShell{out: "1\n"}
	v, err := GetShowTouches(context.Background(), sh, "s")
	if err != nil {
		t.Fatalf("GetShowTouches: %v", err)
	}
	if v != "1" {
		t.Fatalf("want trimmed \"1\", got %q", v)
	}

	if err := SetShowTouches(context.Background(), sh, "s", "0"); err != nil {
		t.Fatalf("SetShowTouches: %v", err)
	}
	if sh.lastCmd != "settings put system show_touches 0" {
		t.Fatalf("unexpected cmd %q", sh.lastCmd)
	}

	if err := SetShowTouches(context.Background(), sh, "s", "2"); err == nil {
		t.Fatal("want error for invalid value")
	}
}
