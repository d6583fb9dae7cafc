package sysexec

import (
	"context"
	"strings"
	"sync"
)

// ScriptedRunner is a Runner for tests. It records every command it is
// asked to run and answers from a script of canned results; unmatched
// commands succeed with empty output.
type ScriptedRunner struct {
	mu      sync.Mutex
	calls   []Command
	replies []scriptedReply
}

type scriptedReply struct {
	prefix string
	result Result
	err    error
}

// On registers a canned result for any command whose rendered form
// (without sudo) starts with prefix. Later registrations win.
func (s *ScriptedRunner) On(prefix string, result Result) *ScriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, scriptedReply{prefix: prefix, result: result})
	return s
}

// OnError registers an execution error for a command prefix.
func (s *ScriptedRunner) OnError(prefix string, err error) *ScriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, scriptedReply{prefix: prefix, err: err})
	return s
}

// Run records the command and returns the scripted result.
func (s *ScriptedRunner) Run(_ context.Context, cmd Command) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, cmd)

	rendered := cmd.Name
	if len(cmd.Args) > 0 {
		rendered += " " + strings.Join(cmd.Args, " ")
	}
	for i := len(s.replies) - 1; i >= 0; i-- {
		if strings.HasPrefix(rendered, s.replies[i].prefix) {
			if s.replies[i].err != nil {
				return nil, s.replies[i].err
			}
			res := s.replies[i].result
			applyTolerances(cmd, &res)
			return &res, nil
		}
	}
	return &Result{}, nil
}

// Calls returns a copy of the recorded command sequence.
func (s *ScriptedRunner) Calls() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallStrings renders recorded calls for assertions on step ordering.
func (s *ScriptedRunner) CallStrings() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}
