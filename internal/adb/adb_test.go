package adb

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestParseWMSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		out     string
		wantW   int
		wantH   int
		wantErr bool
	}{
		{name: "physical", out: "Physical size: 1080x2400\n", wantW: 1080, wantH: 2400},
		{name: "override wins", out: "Physical size: 1440x3200\nOverride size: 1080x2400\n", wantW: 1080, wantH: 2400},
		{name: "crlf", out: "Physical size: 720x1600\r\n", wantW: 720, wantH: 1600},
		{name: "empty", out: "", wantErr: true},
		{name: "garbage", out: "error: device offline", wantErr: true},
		{name: "zero", out: "Physical size: 0x2400", wantErr: true},
		{name: "not numeric", out: "Physical size: axb", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w, h, err := ParseWMSize(tc.out)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseWMSize(%q) = %dx%d, want error", tc.out, w, h)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if w != tc.wantW || h != tc.wantH {
				t.Errorf("ParseWMSize(%q) = %dx%d, want %dx%d", tc.out, w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestParseDevices(t *testing.T) {
	t.Parallel()

	out := []byte(`List of devices attached
abc123         device usb:1-1 product:venus model:M2011K2C device:venus transport_id:1
def456         unauthorized usb:1-2 transport_id:2
emulator-5554  device product:sdk model:sdk_gphone64 transport_id:3

`)
	got := ParseDevices(out)
	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(got), got)
	}
	if got[0].Serial != "abc123" || got[0].Model != "M2011K2C" {
		t.Errorf("device 0 = %+v", got[0])
	}
	if got[1].Serial != "emulator-5554" || got[1].Model != "sdk_gphone64" {
		t.Errorf("device 1 = %+v", got[1])
	}
	if len(ParseDevices([]byte("List of devices attached\n\n"))) != 0 {
		t.Error("header-only output produced devices")
	}
}

// fakeADB installs a script that logs its arguments and answers the
// commands the client issues.
func fakeADB(t *testing.T, wmSize string) (path, logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$*" >> "` + logPath + `"
case "$*" in
  *"devices -l"*) printf 'List of devices attached\nabc123 device model:Pixel_7\n' ;;
  *"wm size"*) printf '` + wmSize + `' ;;
  *"settings put global bad"*) echo "denied" >&2; exit 1 ;;
esac
exit 0
`
	path = filepath.Join(dir, "adb")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path, logPath
}

func readCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestClientResetAndSettings(t *testing.T) {
	t.Parallel()

	path, logPath := fakeADB(t, "Physical size: 1080x2400\n")
	c := New(path, "", time.Second, nil)
	ctx := context.Background()

	if err := c.ResetServer(ctx); err != nil {
		t.Fatalf("ResetServer: %v", err)
	}
	err := c.ApplySettings(ctx, []string{"hwui.disable_vsync=1", "bad=1", "window_animation_scale=0"})
	if err == nil {
		t.Fatal("expected the failing setting to be reported")
	}

	want := []string{
		"kill-server",
		"start-server",
		"devices -l",
		"shell settings put global hwui.disable_vsync 1",
		"shell settings put global bad 1",
		"shell settings put global window_animation_scale 0",
	}
	got := readCalls(t, logPath)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls:\n got %q\nwant %q", got, want)
	}
}

func TestClientSerial(t *testing.T) {
	t.Parallel()

	path, logPath := fakeADB(t, "Physical size: 720x1600\n")
	c := New(path, "abc123", time.Second, nil)
	ctx := context.Background()

	if err := c.ResetServer(ctx); err != nil {
		t.Fatalf("ResetServer: %v", err)
	}
	w, h, err := c.ScreenSize(ctx)
	if err != nil || w != 720 || h != 1600 {
		t.Fatalf("ScreenSize = %dx%d, %v", w, h, err)
	}
	calls := readCalls(t, logPath)
	if last := calls[len(calls)-1]; last != "-s abc123 shell wm size" {
		t.Errorf("last call %q", last)
	}

	other := New(path, "zzz999", time.Second, nil)
	if err := other.ResetServer(ctx); !errors.Is(err, ErrNoDevice) {
		t.Errorf("ResetServer for absent serial: %v", err)
	}
}

func TestScreenSizeOrDefault(t *testing.T) {
	t.Parallel()

	path, _ := fakeADB(t, "error: closed")
	c := New(path, "", time.Second, nil)
	w, h := c.ScreenSizeOrDefault(context.Background())
	if w != DefaultWidth || h != DefaultHeight {
		t.Errorf("got %dx%d, want default", w, h)
	}

	missing := New(filepath.Join(t.TempDir(), "no-adb"), "", time.Second, nil)
	w, h = missing.ScreenSizeOrDefault(context.Background())
	if w != DefaultWidth || h != DefaultHeight {
		t.Errorf("missing binary: got %dx%d", w, h)
	}
}

func TestApplySettingsRejectsMalformed(t *testing.T) {
	t.Parallel()

	c := New(filepath.Join(t.TempDir(), "never-run"), "", time.Second, nil)
	if err := c.ApplySettings(context.Background(), []string{"novalue"}); err == nil {
		t.Fatal("expected error")
	}
}
