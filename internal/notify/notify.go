package notify

import (
	"context"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Forwarder delivers a newly seen notification to an outside channel such
// as a chat workspace.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// HookConfig controls how newly seen notifications are announced.
type HookConfig struct {
	// Command is a shell command run per new notification, e.g.
	// `notify-send DataMind "$DM_MESSAGE"`. Event values reach it only
	// through the DM_ALERT, DM_MESSAGE, DM_VALUE and DM_ID environment
	// variables; the {{.Alert}} style placeholders are rewritten to
	// references to them.
	Command string
}

// Hook environment variables.
const (
	EnvAlert   = "DM_ALERT"
	EnvMessage = "DM_MESSAGE"
	EnvValue   = "DM_VALUE"
	EnvID      = "DM_ID"
)

// Announce runs the hook command for one event. Best-effort: errors are
// logged, not returned.
func Announce(ev Event, cfg HookConfig) {
	if cfg.Command == "" {
		return
	}
	cmd := exec.Command("sh", "-c", templateEvent(cfg.Command))
	cmd.Env = append(os.Environ(), eventEnv(ev)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("notify: command failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
}

// templateEvent rewrites placeholders in the command template into
// variable references. Server-supplied text never becomes part of the
// script itself.
func templateEvent(command string) string {
	var pairs []string
	for _, v := range []struct{ placeholder, env string }{
		{"{{.Alert}}", EnvAlert},
		{"{{.Message}}", EnvMessage},
		{"{{.Value}}", EnvValue},
		{"{{.ID}}", EnvID},
	} {
		// A single-quoted placeholder would never expand, so it becomes a
		// double-quoted reference.
		pairs = append(pairs,
			"'"+v.placeholder+"'", `"${`+v.env+`}"`,
			v.placeholder, "${"+v.env+"}",
		)
	}
	return strings.NewReplacer(pairs...).Replace(command)
}

// eventEnv returns the hook environment for ev.
func eventEnv(ev Event) []string {
	return []string{
		EnvAlert + "=" + ev.AlertName,
		EnvMessage + "=" + ev.Message,
		EnvValue + "=" + ev.Value(),
		EnvID + "=" + ev.ID,
	}
}

// Value renders the triggering value, or "" when the alert carried none.
func (ev Event) Value() string {
	if ev.TriggeredValue == nil {
		return ""
	}
	return strconv.FormatFloat(*ev.TriggeredValue, 'g', -1, 64)
}
