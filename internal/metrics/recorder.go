// Package metrics records build pipeline observations. The pipeline depends
// only on Recorder; NoopRecorder is used when metrics are not served.
package metrics

import "time"

// CycleOutcome is the terminal state of a build cycle.
type CycleOutcome string

// Cycle outcomes.
const (
	CycleSuccess CycleOutcome = "success"
	CycleAborted CycleOutcome = "aborted"
)

// Recorder defines observability hooks for build cycles.
type Recorder interface {
	ObserveCycleDuration(d time.Duration)
	IncCycleOutcome(outcome CycleOutcome)
	AddItemOutcomes(generated, skipped, failed int)
	ObserveStageDuration(stage string, d time.Duration)
	IncCoalescedRebuild()
	IncLiveReloadBroadcast(clients int)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCycleDuration(time.Duration)         {}
func (NoopRecorder) IncCycleOutcome(CycleOutcome)               {}
func (NoopRecorder) AddItemOutcomes(int, int, int)              {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) IncCoalescedRebuild()                       {}
func (NoopRecorder) IncLiveReloadBroadcast(int)                 {}

var _ Recorder = NoopRecorder{}
