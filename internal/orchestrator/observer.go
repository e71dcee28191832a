package orchestrator

import (
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
)

// Phase is a step of the run state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePlanning    Phase = "planning"
	PhaseRunning     Phase = "running"
	PhaseReconciling Phase = "reconciling"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Observer receives run events. RecordProcessed is called from worker
// goroutines and must be safe for concurrent use.
type Observer interface {
	PhaseChanged(runID string, phase Phase, entity mapping.EntityType)
	RecordProcessed(entity mapping.EntityType, err error)
	EntityFinished(runID string, entity mapping.EntityType, res *migrate.Result, err error)
	RunFinished(report *Report)
}

// BaseObserver implements Observer with no-ops, for embedding.
type BaseObserver struct{}

func (BaseObserver) PhaseChanged(string, Phase, mapping.EntityType) {}
func (BaseObserver) RecordProcessed(mapping.EntityType, error) {}
func (BaseObserver) EntityFinished(string, mapping.EntityType, *migrate.Result, error) {}
func (BaseObserver) RunFinished(*Report) {}

type observers []Observer

func (obs observers) PhaseChanged(runID string, phase Phase, entity mapping.EntityType) {
	for _, o := range obs {
		o.PhaseChanged(runID, phase, entity)
	}
}

func (obs observers) RecordProcessed(entity mapping.EntityType, err error) {
	for _, o := range obs {
		o.RecordProcessed(entity, err)
	}
}

func (obs observers) EntityFinished(runID string, entity mapping.EntityType, res *migrate.Result, err error) {
	for _, o := range obs {
		o.EntityFinished(runID, entity, res, err)
	}
}

func (obs observers) RunFinished(report *Report) {
	for _, o := range obs {
		o.RunFinished(report)
	}
}
