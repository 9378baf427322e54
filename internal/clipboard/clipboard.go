// Package clipboard captures and restores system clipboard text for state
// snapshots. Restore is gated to macOS (pbcopy); other platforms skip
// silently so rollback never fails on a headless host.
package clipboard

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultTimeout bounds each clipboard tool attempt.
const DefaultTimeout = 3 * time.Second

// ErrUnavailable is returned when no clipboard tool applies to this platform.
var ErrUnavailable = errors.New("clipboard unavailable on this platform")

// Capture reads the current clipboard text. Returns ErrUnavailable when the
// platform has no reader; callers treat that as "nothing to capture".
func Capture() (string, error) {
	return capture(runtime.GOOS, DefaultTimeout)
}

// Restore writes text back to the clipboard. Only macOS is supported; other
// platforms return (false, nil) so rollback status can note the skip.
func Restore(text string) (bool, error) {
	return restore(runtime.GOOS, text, DefaultTimeout)
}

func capture(goos string, timeout time.Duration) (string, error) {
	var name string
	var args []string
	switch goos {
	case "darwin":
		name = "pbpaste"
	case "linux":
		name, args = "xclip", []string{"-selection", "clipboard", "-o"}
	default:
		return "", ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSuffix(stdout.String(), "\n"), nil
}

func restore(goos, text string, timeout time.Duration) (bool, error) {
	if goos != "darwin" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "pbcopy")
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return false, err
	}
	return true, nil
}
