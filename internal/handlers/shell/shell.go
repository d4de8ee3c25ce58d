// Package shell runs a command for every scheduler event.
package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"delayflow/internal/domain"
)

// Shell runs Command with Args. The event is passed in DELAYFLOW_* environment variables on top
// of the process environment.
type Shell struct {
	Command string
	Args    []string
	Dir     string
}

func (h Shell) HandleEvent(ctx context.Context, ev domain.Event) error {
	if h.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(), Env(ev)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	log.Debug().Str("subject", ev.SubjectID).Str("task_id", ev.TaskID).Str("event", string(ev.Kind)).Msg("hook command finished")
	return nil
}

// Env renders ev as KEY=value pairs.
func Env(ev domain.Event) []string {
	metadata := string(ev.Metadata)
	if metadata == "" {
		metadata = "null"
	}
	return []string{
		"DELAYFLOW_EVENT=" + string(ev.Kind),
		"DELAYFLOW_SUBJECT=" + ev.SubjectID,
		"DELAYFLOW_TASK_ID=" + ev.TaskID,
		"DELAYFLOW_FIRE_AT=" + ev.FireAt.UTC().Format(time.RFC3339),
		"DELAYFLOW_METADATA=" + metadata,
	}
}
