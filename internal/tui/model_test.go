package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

type capture struct{ msgs []tea.Msg }

func (c *capture) Send(msg tea.Msg) { c.msgs = append(c.msgs, msg) }

func step(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestModelTracksRun(t *testing.T) {
	counts := newCounters()
	m := newModel("acme", []mapping.EntityType{mapping.Company, mapping.User}, counts, nil)
	m = step(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	m = step(t, m, phaseMsg{runID: "r1", phase: orchestrator.PhaseRunning, entity: mapping.Company})
	counts.add(mapping.Company, false)
	counts.add(mapping.Company, true)
	m = step(t, m, tickMsg(time.Now()))

	if got := m.byEntity[mapping.Company]; got.state != rowRunning || got.processed != 2 || got.errors != 1 {
		t.Fatalf("company row = %+v", got)
	}

	m = step(t, m, entityDoneMsg{entity: mapping.Company, migrated: 1, errors: []string{"company/c9: bad email"}})
	m = step(t, m, entityDoneMsg{entity: mapping.User, err: errors.New("giving up after 5 attempts")})
	m = step(t, m, runDoneMsg{report: &orchestrator.Report{RunID: "r1", Status: "completed", Counts: map[string]int{"company": 1}, ErrorCount: 2}})

	if !m.done || m.phase != orchestrator.PhaseCompleted {
		t.Fatalf("done=%v phase=%s", m.done, m.phase)
	}
	if m.byEntity[mapping.User].state != rowFailed {
		t.Errorf("user row should be failed")
	}

	view := m.View()
	for _, want := range []string{"acme", "company", "run r1", "completed, 2 errors"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if !strings.Contains(strings.Join(m.logLines, "\n"), "company/c9: bad email") {
		t.Errorf("record error not logged: %v", m.logLines)
	}
}

func TestQuitCancelsRunningRun(t *testing.T) {
	cancelled := false
	m := newModel("acme", []mapping.EntityType{mapping.Task}, newCounters(), func() { cancelled = true })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(Model)
	if !cancelled || !m.cancelling {
		t.Fatal("q should cancel an in-flight run")
	}
	if cmd != nil {
		t.Error("monitor should wait for the run to stop before quitting")
	}

	_, cmd = m.Update(runDoneMsg{err: errors.New("context canceled")})
	if cmd == nil {
		t.Error("expected quit once the cancelled run finished")
	}
}

func TestObserverForwardsEvents(t *testing.T) {
	c := &capture{}
	counts := newCounters()
	o := &observer{program: c, counts: counts}

	o.PhaseChanged("r1", orchestrator.PhaseRunning, mapping.Task)
	o.RecordProcessed(mapping.Task, nil)
	o.RecordProcessed(mapping.Task, errors.New("x"))
	o.EntityFinished("r1", mapping.Task, &migrate.Result{
		Migrated: 1,
		Errors:   []*migrate.RecordError{{EntityType: mapping.Task, LegacyID: "t1", Err: errors.New("missing project")}},
	}, nil)

	if len(c.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(c.msgs))
	}
	done, ok := c.msgs[1].(entityDoneMsg)
	if !ok || done.migrated != 1 || len(done.errors) != 1 || done.errors[0] != "task/t1: missing project" {
		t.Errorf("unexpected entity message: %+v", c.msgs[1])
	}
	if p, e := counts.get(mapping.Task); p != 2 || e != 1 {
		t.Errorf("counts = %d/%d", p, e)
	}
}
