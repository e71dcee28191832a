package tui

import (
	"context"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

// counters holds per-entity record counts. Workers update it on every
// record; the model reads it on each tick.
type counters struct {
	mu     sync.Mutex
	counts map[mapping.EntityType][2]int64
}

func newCounters() *counters {
	return &counters{counts: make(map[mapping.EntityType][2]int64)}
}

func (c *counters) add(t mapping.EntityType, failed bool) {
	c.mu.Lock()
	v := c.counts[t]
	v[0]++
	if failed {
		v[1]++
	}
	c.counts[t] = v
	c.mu.Unlock()
}

func (c *counters) get(t mapping.EntityType) (processed, errors int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.counts[t]
	return v[0], v[1]
}

// sender is the part of tea.Program the observer uses.
type sender interface {
	Send(msg tea.Msg)
}

// observer forwards orchestrator events into the bubbletea program.
type observer struct {
	program sender
	counts  *counters
}

func (o *observer) PhaseChanged(runID string, phase orchestrator.Phase, entity mapping.EntityType) {
	o.program.Send(phaseMsg{runID: runID, phase: phase, entity: entity})
}

func (o *observer) RecordProcessed(entity mapping.EntityType, err error) {
	o.counts.add(entity, err != nil)
}

func (o *observer) EntityFinished(runID string, entity mapping.EntityType, res *migrate.Result, err error) {
	msg := entityDoneMsg{entity: entity, err: err}
	if res != nil {
		msg.migrated = res.Migrated
		msg.deleted = res.Deleted
		msg.duration = res.Duration
		for _, re := range res.Errors {
			msg.errors = append(msg.errors, re.Error())
		}
	}
	o.program.Send(msg)
}

func (o *observer) RunFinished(*orchestrator.Report) {}

var _ orchestrator.Observer = (*observer)(nil)

// RunFunc starts a run and blocks until it ends.
type RunFunc func(ctx context.Context) (*orchestrator.Report, error)

// Watch runs fn under a live monitor. register is called with the
// observer to attach before the run starts. Quitting the monitor while
// the run is in flight cancels it.
func Watch(ctx context.Context, tenant string, types []mapping.EntityType, register func(orchestrator.Observer), fn RunFunc) (*orchestrator.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	counts := newCounters()
	p := tea.NewProgram(newModel(tenant, types, counts, cancel), tea.WithAltScreen())
	register(&observer{program: p, counts: counts})

	type result struct {
		report *orchestrator.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := fn(ctx)
		done <- result{report, err}
		p.Send(runDoneMsg{report: report, err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("monitor: %w", err)
	}
	cancel()
	r := <-done
	return r.report, r.err
}
