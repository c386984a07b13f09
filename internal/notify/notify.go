// Package notify raises desktop notifications when a watched task settles.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/model"
)

type Notifier interface {
	Notify(title, message string) error
}

// Func adapts a function to Notifier.
type Func func(title, message string) error

func (f Func) Notify(title, message string) error {
	return f(title, message)
}

// Desktop returns the notifier for the current platform: osascript on
// macOS, notify-send elsewhere.
func Desktop() Notifier {
	return Func(func(title, message string) error {
		name, args := command(runtime.GOOS, title, message)
		cmd := exec.Command(name, args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
}

func command(goos, title, message string) (string, []string) {
	if goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--app-name=taskconsole", title, message}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// StatusMessage builds the notification for t having reached its status.
// Enabled actions are listed so the user knows what can be done next.
func StatusMessage(t model.Task, list []actions.Action) (title, message string) {
	title = fmt.Sprintf("Task %s %s", t.ID, strings.ReplaceAll(string(t.Status), "_", " "))

	var next []string
	for _, a := range list {
		if !a.Disabled && a.Key != actions.KeyView {
			next = append(next, a.Label)
		}
	}
	message = string(t.Kind)
	if len(next) > 0 {
		message += ": " + strings.Join(next, ", ")
	}
	return title, message
}
