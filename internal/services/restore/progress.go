package restore

import (
	"fmt"
	"sync"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
)

// Sink receives the progress events of a restore run. Emit is called from
// worker goroutines and must not touch UI state directly.
type Sink interface {
	Emit(ev models.ProgressEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev models.ProgressEvent)

// Emit implements Sink.
func (f SinkFunc) Emit(ev models.ProgressEvent) { f(ev) }

type band struct {
	lo, hi float64
}

// bands maps every working phase to its share of the progress bar.
var bands = map[models.Phase]band{
	models.PhaseExtracting:        {0, 20},
	models.PhaseProvisioningDB:    {20, 25},
	models.PhaseProvisioningApp:   {25, 30},
	models.PhaseCopyingFiles:      {30, 60},
	models.PhaseRestoringDB:       {60, 75},
	models.PhasePatchingConfig:    {75, 85},
	models.PhaseFixingPermissions: {85, 90},
	models.PhaseValidating:        {90, 100},
}

// phaseOrder is the only valid sequence of working phases.
var phaseOrder = []models.Phase{
	models.PhaseIdle,
	models.PhaseExtracting,
	models.PhaseProvisioningDB,
	models.PhaseProvisioningApp,
	models.PhaseCopyingFiles,
	models.PhaseRestoringDB,
	models.PhasePatchingConfig,
	models.PhaseFixingPermissions,
	models.PhaseValidating,
	models.PhaseDone,
}

// nextPhase is the transition function of the restore state machine. Any
// non-terminal phase may also move to failed.
func nextPhase(p models.Phase) (models.Phase, bool) {
	for i, q := range phaseOrder {
		if q == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// tracker owns the phase and percentage of one run and guarantees that the
// emitted percentages never decrease.
type tracker struct {
	mu      sync.Mutex
	runID   string
	sink    Sink
	phase   models.Phase
	percent float64
	now     func() time.Time
}

func newTracker(runID string, sink Sink, now func() time.Time) *tracker {
	return &tracker{runID: runID, sink: sink, phase: models.PhaseIdle, now: now}
}

// enter moves to the next phase, which must be p.
func (t *tracker) enter(p models.Phase, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	want, ok := nextPhase(t.phase)
	if !ok || want != p {
		return fmt.Errorf("invalid restore transition %s -> %s", t.phase, p)
	}
	t.phase = p
	t.emitLocked(bands[p].lo, msg, nil)
	return nil
}

// update reports progress within the current phase; frac is clamped to [0,1].
func (t *tracker) update(frac float64, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := bands[t.phase]
	if !ok {
		return
	}
	t.emitLocked(b.lo+(b.hi-b.lo)*clamp(frac), msg, nil)
}

// at reports an absolute percentage within the current phase's band.
func (t *tracker) at(pct float64, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := bands[t.phase]
	if !ok {
		return
	}
	if pct < b.lo {
		pct = b.lo
	}
	if pct > b.hi {
		pct = b.hi
	}
	t.emitLocked(pct, msg, nil)
}

func (t *tracker) done(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != models.PhaseValidating {
		return
	}
	t.phase = models.PhaseDone
	t.emitLocked(100, msg, nil)
}

func (t *tracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.Terminal() {
		return
	}
	t.phase = models.PhaseFailed
	t.emitLocked(t.percent, err.Error(), err)
}

func (t *tracker) current() (models.Phase, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase, t.percent
}

func (t *tracker) emitLocked(pct float64, msg string, err error) {
	if pct < t.percent {
		pct = t.percent
	}
	t.percent = pct
	if t.sink == nil {
		return
	}
	t.sink.Emit(models.ProgressEvent{
		RunID:   t.runID,
		Phase:   t.phase,
		Percent: pct,
		Message: msg,
		Time:    t.now(),
		Err:     err,
	})
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
