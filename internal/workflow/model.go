// Package workflow holds the display state of a processing session: four
// pipeline steps, an overall progress value and the raw update log.
//
// Model does no locking. All mutation is expected to happen on a single
// goroutine (see package dispatch).
package workflow

import "github.com/kmcai/portfolio-status/internal/domain"

// Step is the rendered state of one pipeline stage.
type Step struct {
	Kind              domain.StepKind
	Description       string
	Status            domain.StepStatus
	ValidationMessage string
	// Inferred is set when the step was marked Success because a later
	// phase started or the session completed, not by its own update.
	Inferred bool
}

// Snapshot is a copy of the model safe to hand to a renderer.
type Snapshot struct {
	Steps    []Step
	Progress int
	Complete bool
	Headline string
	Log      []string
}

// Model is the view model for one session.
type Model struct {
	steps    [4]Step
	progress int
	complete bool
	headline string
	log      []string
}

// New returns a model in its reset state.
func New() *Model {
	m := &Model{}
	m.Reset()
	return m
}

// Reset puts every step back to Alert and clears progress and the log.
func (m *Model) Reset() {
	for i, kind := range domain.PipelineOrder {
		m.steps[i] = Step{
			Kind:        kind,
			Description: kind.Description(),
			Status:      domain.StatusAlert,
		}
	}
	m.progress = 0
	m.complete = false
	m.headline = ""
	m.log = nil
}

// Step returns the current state of kind.
func (m *Model) Step(kind domain.StepKind) (Step, bool) {
	i, ok := kind.Index()
	if !ok {
		return Step{}, false
	}
	return m.steps[i], true
}

// Steps returns the steps in pipeline order.
func (m *Model) Steps() []Step {
	out := make([]Step, len(m.steps))
	copy(out, m.steps[:])
	return out
}

// ApplyStepStatus sets the status of kind. It returns false for unknown kinds.
func (m *Model) ApplyStepStatus(kind domain.StepKind, status domain.StepStatus) bool {
	return m.setStatus(kind, status, false)
}

// InferStepStatus is ApplyStepStatus for transitions derived from other
// steps' updates.
func (m *Model) InferStepStatus(kind domain.StepKind, status domain.StepStatus) bool {
	return m.setStatus(kind, status, true)
}

func (m *Model) setStatus(kind domain.StepKind, status domain.StepStatus, inferred bool) bool {
	i, ok := kind.Index()
	if !ok {
		return false
	}
	m.steps[i].Status = status
	m.steps[i].Inferred = inferred && status == domain.StatusSuccess
	return true
}

// ApplyMessage records the display message of kind.
func (m *Model) ApplyMessage(kind domain.StepKind, text string) bool {
	i, ok := kind.Index()
	if !ok {
		return false
	}
	m.steps[i].ValidationMessage = text
	return true
}

// SetProgress stores pct clamped to [0, 100].
func (m *Model) SetProgress(pct int) {
	m.progress = clamp(pct)
}

// Progress returns the overall completion percentage.
func (m *Model) Progress() int { return m.progress }

// SetComplete marks whether the session has finished.
func (m *Model) SetComplete(done bool) { m.complete = done }

// Complete reports whether the session has finished.
func (m *Model) Complete() bool { return m.complete }

// SetHeadline sets the one-line status summary.
func (m *Model) SetHeadline(s string) { m.headline = s }

// Headline returns the one-line status summary.
func (m *Model) Headline() string { return m.headline }

// AppendLog adds a diagnostic line.
func (m *Model) AppendLog(line string) {
	m.log = append(m.log, line)
}

// Log returns the diagnostic lines in arrival order.
func (m *Model) Log() []string {
	out := make([]string, len(m.log))
	copy(out, m.log)
	return out
}

// Count returns how many steps currently have status.
func (m *Model) Count(status domain.StepStatus) int {
	n := 0
	for _, s := range m.steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Snapshot copies the model for rendering.
func (m *Model) Snapshot() Snapshot {
	return Snapshot{
		Steps:    m.Steps(),
		Progress: m.progress,
		Complete: m.complete,
		Headline: m.headline,
		Log:      m.Log(),
	}
}

func clamp(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
