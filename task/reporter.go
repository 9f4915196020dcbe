package task

import "time"

// Reporter pushes progress for one task into the registry. A Reporter owns a
// slice [low, high] of the task's global 0-100 scale; stage-local percentages
// given to Report are projected onto that slice.
type Reporter struct {
	reg       *Registry
	id        string
	low, high int
}

// TaskID returns the id of the task this reporter writes to.
func (p Reporter) TaskID() string { return p.id }

// Bounds returns the global progress slice owned by p.
func (p Reporter) Bounds() (low, high int) { return p.low, p.high }

// Span returns a reporter owning the global slice [low, high], clipped to
// the slice owned by p.
func (p Reporter) Span(low, high int) Reporter {
	low = clamp(low, p.low, p.high)
	high = clamp(high, low, p.high)
	return Reporter{reg: p.reg, id: p.id, low: low, high: high}
}

// Report records a stage-local percentage in [0,100].
func (p Reporter) Report(percent int, stage string) {
	if p.reg == nil {
		return
	}
	percent = clamp(percent, 0, 100)
	p.reg.SetProgress(p.id, p.low+percent*(p.high-p.low)/100, stage)
}

// Mark records the lower bound of p's slice.
func (p Reporter) Mark(stage string) { p.Report(0, stage) }

// Elapsed records progress derived from wall-clock time for stages that
// report no percentage of their own (see Project).
func (p Reporter) Elapsed(elapsed, per time.Duration, stage string) {
	if p.reg == nil {
		return
	}
	p.reg.SetProgress(p.id, Project(p.low, p.high, elapsed, per), stage)
}

// Canceled reports whether cancellation was requested.
func (p Reporter) Canceled() bool {
	return p.reg != nil && p.reg.CancelRequested(p.id)
}

// Check returns ErrCanceled once cancellation was requested. Pipelines call
// it before every blocking step.
func (p Reporter) Check() error {
	if p.Canceled() {
		return ErrCanceled
	}
	return nil
}

// Project maps elapsed time onto [low, ceiling]: one point per `per` of
// elapsed time, saturating at ceiling.
func Project(low, ceiling int, elapsed, per time.Duration) int {
	if per <= 0 || elapsed <= 0 {
		return low
	}
	steps := elapsed / per
	if steps >= time.Duration(ceiling-low) {
		return ceiling
	}
	return low + int(steps)
}
