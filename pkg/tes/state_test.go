package tes_test

import (
	"testing"

	"github.com/jaeaeich/poiesis/pkg/tes"
)

func TestCanTransit(t *testing.T) {
	type when struct {
		from tes.State
		to   tes.State
	}

	for name, testcase := range map[string]struct {
		when when
		then bool
	}{
		"queued to initializing is legal":       {when{tes.Queued, tes.Initializing}, true},
		"initializing to running is legal":      {when{tes.Initializing, tes.Running}, true},
		"running to complete is legal":          {when{tes.Running, tes.Complete}, true},
		"running to executor error is legal":    {when{tes.Running, tes.ExecutorError}, true},
		"queued to running skips a phase":       {when{tes.Queued, tes.Running}, false},
		"complete is terminal":                  {when{tes.Complete, tes.Running}, false},
		"canceled is terminal":                  {when{tes.Canceled, tes.Canceling}, false},
		"any non-terminal may start canceling":  {when{tes.Queued, tes.Canceling}, true},
		"running may start canceling":           {when{tes.Running, tes.Canceling}, true},
		"canceling settles to canceled":         {when{tes.Canceling, tes.Canceled}, true},
		"canceling does not resume":             {when{tes.Canceling, tes.Running}, false},
		"self transition is rejected":           {when{tes.Running, tes.Running}, false},
		"system error does not leave terminal":  {when{tes.SystemError, tes.Queued}, false},
		"preempted does not leave terminal":     {when{tes.Preempted, tes.Canceling}, false},
		"initializing may be preempted":         {when{tes.Initializing, tes.Preempted}, true},
	} {
		t.Run(name, func(t *testing.T) {
			if got := tes.CanTransit(testcase.when.from, testcase.when.to); got != testcase.then {
				t.Errorf(
					"CanTransit(%s, %s) = %v, want %v",
					testcase.when.from, testcase.when.to, got, testcase.then,
				)
			}
		})
	}
}

func TestAsState(t *testing.T) {
	t.Run("it parses known states", func(t *testing.T) {
		got, err := tes.AsState("EXECUTOR_ERROR")
		if err != nil {
			t.Fatal(err)
		}
		if got != tes.ExecutorError {
			t.Errorf("got %s", got)
		}
	})

	t.Run("it rejects unknown states", func(t *testing.T) {
		if _, err := tes.AsState("EXPLODED"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestTerminal(t *testing.T) {
	terminals := []tes.State{tes.Complete, tes.ExecutorError, tes.SystemError, tes.Canceled, tes.Preempted}
	for _, s := range terminals {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []tes.State{tes.Queued, tes.Initializing, tes.Running, tes.Paused, tes.Canceling, tes.Unknown} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
