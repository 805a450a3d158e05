// Package adb prepares an Android device for screen capture: it resets the
// adb server, applies global settings that reduce frame pacing jitter, and
// probes the display resolution.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each adb invocation.
const DefaultTimeout = 10 * time.Second

// DefaultWidth and DefaultHeight are used when the resolution probe fails.
const (
	DefaultWidth  = 1080
	DefaultHeight = 2400
)

// ErrNoDevice is returned when adb lists no attached device.
var ErrNoDevice = errors.New("adb: no device attached")

// Client runs adb commands against one device.
type Client struct {
	Path    string
	Serial  string // empty selects the only attached device
	Timeout time.Duration

	log *slog.Logger
}

// New creates a Client. If log is nil, slog.Default() is used.
func New(path, serial string, timeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		path = "adb"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Path:    path,
		Serial:  serial,
		Timeout: timeout,
		log:     log.With("component", "adb"),
	}
}

// run executes a device command with args and returns its stdout.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.Serial == "" {
		return c.runServer(ctx, args...)
	}
	return c.runServer(ctx, append([]string{"-s", c.Serial}, args...)...)
}

// runServer executes adb without selecting a device.
func (c *Client) runServer(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		c.log.Warn("command failed", "args", args, "error", err, "stderr", msg)
		return stdout.Bytes(), fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	c.log.Debug("command ok", "args", args)
	return stdout.Bytes(), nil
}

// ResetServer restarts the adb server and checks that a device is attached.
// Only the final device listing is fatal.
func (c *Client) ResetServer(ctx context.Context) error {
	c.log.Info("resetting adb server")
	c.runServer(ctx, "kill-server")
	c.runServer(ctx, "start-server")
	out, err := c.runServer(ctx, "devices", "-l")
	if err != nil {
		return err
	}
	devices := ParseDevices(out)
	if c.Serial != "" {
		devices = slices.DeleteFunc(devices, func(d Device) bool { return d.Serial != c.Serial })
	}
	if len(devices) == 0 {
		return ErrNoDevice
	}
	for _, d := range devices {
		c.log.Info("device attached", "serial", d.Serial, "model", d.Model)
	}
	return nil
}

// ApplySettings runs "settings put global" for each "key=value" entry.
// Failures are logged and the remaining entries are still applied; the
// first error is returned.
func (c *Client) ApplySettings(ctx context.Context, settings []string) error {
	var first error
	for _, kv := range settings {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			err := fmt.Errorf("adb: setting %q: want key=value", kv)
			c.log.Warn("skipping setting", "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		if _, err := c.run(ctx, "shell", "settings", "put", "global", key, value); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		c.log.Info("setting applied", "key", key, "value", value)
	}
	return first
}

// ScreenSize returns the display resolution reported by "wm size".
func (c *Client) ScreenSize(ctx context.Context) (width, height int, err error) {
	out, err := c.run(ctx, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	return ParseWMSize(string(out))
}

// ScreenSizeOrDefault is ScreenSize falling back to DefaultWidth x
// DefaultHeight when the probe fails.
func (c *Client) ScreenSizeOrDefault(ctx context.Context) (width, height int) {
	w, h, err := c.ScreenSize(ctx)
	if err != nil {
		c.log.Warn("resolution probe failed, using default",
			"error", err, "width", DefaultWidth, "height", DefaultHeight)
		return DefaultWidth, DefaultHeight
	}
	c.log.Info("device resolution", "width", w, "height", h)
	return w, h
}

// ParseWMSize extracts the resolution from "wm size" output. An override
// size, when present, wins over the physical size since it is what the
// display actually renders.
func ParseWMSize(out string) (width, height int, err error) {
	var size string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		size = fields[len(fields)-1]
	}
	if size == "" {
		return 0, 0, fmt.Errorf("adb: empty wm size output")
	}
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, fmt.Errorf("adb: unexpected wm size %q", size)
	}
	width, werr := strconv.Atoi(ws)
	height, herr := strconv.Atoi(hs)
	if werr != nil || herr != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("adb: unexpected wm size %q", size)
	}
	return width, height, nil
}

// Device is one entry of "adb devices -l".
type Device struct {
	Serial string
	State  string
	Model  string
}

// ParseDevices parses "adb devices -l" output, keeping devices in the
// "device" state.
func ParseDevices(out []byte) []Device {
	var devices []Device
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		d := Device{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if model, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = model
			}
		}
		devices = append(devices, d)
	}
	return devices
}
