package tes

import "fmt"

// View selects how much of a task is returned to a client.
type View string

const (
	ViewMinimal View = "MINIMAL"
	ViewBasic   View = "BASIC"
	ViewFull    View = "FULL"
)

// AsView parses the view query parameter; the empty string means MINIMAL.
func AsView(s string) (View, error) {
	switch v := View(s); v {
	case "":
		return ViewMinimal, nil
	case ViewMinimal, ViewBasic, ViewFull:
		return v, nil
	default:
		return ViewMinimal, fmt.Errorf("unknown view: %s", s)
	}
}

// Project returns a copy of t reduced to the requested view.
//
// MINIMAL keeps id and state only. BASIC keeps everything except executor
// stdout/stderr, input content and system logs. FULL is the identity.
func Project(t Task, v View) Task {
	switch v {
	case ViewMinimal:
		return Task{ID: t.ID, State: t.State}
	case ViewBasic:
		out := t
		out.Inputs = make([]Input, len(t.Inputs))
		for i, in := range t.Inputs {
			in.Content = ""
			out.Inputs[i] = in
		}
		out.Logs = make([]TaskLog, len(t.Logs))
		for i, tl := range t.Logs {
			logs := make([]ExecutorLog, len(tl.Logs))
			for j, el := range tl.Logs {
				el.Stdout = ""
				el.Stderr = ""
				logs[j] = el
			}
			tl.Logs = logs
			tl.SystemLogs = nil
			out.Logs[i] = tl
		}
		return out
	default:
		return t
	}
}
