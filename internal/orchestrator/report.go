package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"nvman/internal/strategy"
	"nvman/internal/system"
	"nvman/internal/utils"
)

// errorReport is the structured failure record written for every
// terminal failure. It carries everything a bug report needs.
type errorReport struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Strategy  string          `json:"strategy"`
	Version   string          `json:"version,omitempty"`
	Snapshot  system.Snapshot `json:"snapshot"`

	FailedStep string `json:"failed_step,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`

	Error string `json:"error,omitempty"`
}

// writeReport persists a failure report under logs/errors and returns
// its path. Report writing never masks the original failure; on error
// it logs and returns an empty path.
func (o *Orchestrator) writeReport(snap *system.Snapshot, strat *strategy.Strategy, stepErr *StepExecutionError, cause error) string {
	rep := errorReport{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Strategy:  strat.Kind.String(),
		Version:   strat.TargetVersion,
		Snapshot:  *snap,
	}
	if stepErr != nil {
		rep.FailedStep = stepErr.Step.String()
		rep.ExitCode = stepErr.Result.ExitCode
		rep.TimedOut = stepErr.Result.TimedOut
		rep.Stdout = stepErr.Result.Stdout
		rep.Stderr = stepErr.Result.Stderr
		rep.Error = stepErr.Error()
	} else if cause != nil {
		rep.Error = cause.Error()
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		utils.LogWarn("Failed to encode error report: %v", err)
		return ""
	}
	path := filepath.Join(o.paths.ErrorLogs, rep.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		utils.LogWarn("Failed to write error report: %v", err)
		return ""
	}
	utils.LogInfo("Error report written to %s", path)
	return path
}
