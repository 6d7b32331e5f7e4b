// Package reconcile folds processing updates into the workflow model.
//
// Updates can arrive out of order, duplicated, or for stages the model has
// already inferred. The reconciler keeps the rendered state moving forward:
// a step never goes backwards through its lifecycle, and the displayed
// progress never drops until the session is reset.
package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/workflow"
)

// progressPerActiveStep is the credit an in-progress step adds to the bar.
const progressPerActiveStep = 25

// Reconciler applies updates to a workflow.Model. It is not safe for
// concurrent use; callers serialize access through a dispatch.Queue.
type Reconciler struct {
	model  *workflow.Model
	logger *slog.Logger

	sessionID    string
	highWater    int
	terminalSeen bool
}

// New creates a reconciler that mutates model.
func New(model *workflow.Model, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		model:  model,
		logger: logger.With("component", "reconciler"),
	}
}

// Model returns the model the reconciler writes to.
func (r *Reconciler) Model() *workflow.Model { return r.model }

// SessionID returns the session updates are currently accepted for.
func (r *Reconciler) SessionID() string { return r.sessionID }

// Reset starts a new session: all steps Alert, progress 0, log cleared.
func (r *Reconciler) Reset(sessionID string) {
	r.sessionID = sessionID
	r.highWater = 0
	r.terminalSeen = false
	r.model.Reset()
	r.logger.Debug("Workflow reset", "session_id", sessionID)
}

// Rotate switches the accepted session id without touching the model. The
// upload response may assign a different id than the one the client chose.
func (r *Reconciler) Rotate(sessionID string) {
	if sessionID == r.sessionID {
		return
	}
	r.logger.Info("Session id rotated", "from", r.sessionID, "to", sessionID)
	r.sessionID = sessionID
}

// HandleRaw decodes payload as event and applies it. Payloads that cannot be
// decoded are logged and returned as *domain.MessageDecodeError; the model
// is left untouched.
func (r *Reconciler) HandleRaw(event string, payload []byte) error {
	u, err := domain.DecodeUpdate(event, payload)
	if err != nil {
		r.logger.Warn("Dropping undecodable update",
			"event", event,
			"session_id", r.sessionID,
			"error", err)
		return err
	}
	r.Apply(u)
	return nil
}

// Apply folds u into the model and reports whether any state was recorded.
func (r *Reconciler) Apply(u domain.Update) (applied bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered from panic while applying update",
				"event", u.Event(),
				"session_id", r.sessionID,
				"panic", fmt.Sprint(p))
			applied = false
		}
	}()

	msg := u.Envelope()
	if msg.SessionID != "" && r.sessionID != "" && msg.SessionID != r.sessionID {
		r.logger.Debug("Dropping update for another session",
			"event", u.Event(),
			"session_id", r.sessionID,
			"update_session_id", msg.SessionID)
		return false
	}

	r.model.AppendLog(logLine(u))
	r.model.SetHeadline(u.Headline())

	if u.Event() == domain.EventProcessingCompleteUpdate {
		r.applyTerminal(u)
		r.recomputeProgress()
		return true
	}

	idx, known := msg.StepKind.Index()
	if !known {
		r.logger.Warn("Update for unknown step kind",
			"event", u.Event(),
			"step_kind", string(msg.StepKind),
			"session_id", r.sessionID)
		return true
	}

	switch {
	case IsPhaseStart(msg):
		r.applyPhaseStart(idx, msg)
	case msg.StepKind == domain.StepProcessingComplete:
		r.applyTerminal(u)
	default:
		r.applyCompletion(u)
	}

	r.recomputeProgress()
	return true
}

// applyPhaseStart marks step idx active, demotes any other active step and
// infers success for every earlier step that never reported.
func (r *Reconciler) applyPhaseStart(idx int, msg *domain.UpdateMessage) {
	kind := domain.PipelineOrder[idx]
	current, _ := r.model.Step(kind)

	if current.Status.IsTerminal() {
		r.logger.Debug("Ignoring phase start for finished step",
			"step_kind", string(kind),
			"status", string(current.Status))
		return
	}

	if r.pipelineBeyond(idx) {
		// A later stage is already running, so this stage is done.
		r.model.InferStepStatus(kind, domain.StatusSuccess)
		r.promoteEarlier(idx)
		return
	}

	for i, other := range domain.PipelineOrder {
		if i == idx {
			continue
		}
		if s, _ := r.model.Step(other); s.Status == domain.StatusInProgress {
			r.model.ApplyStepStatus(other, domain.StatusAlert)
		}
	}

	r.model.ApplyStepStatus(kind, domain.StatusInProgress)
	if text := strings.TrimSpace(msg.HumanMessage); text != "" {
		r.model.ApplyMessage(kind, text)
	}
	r.promoteEarlier(idx)
}

// applyCompletion records the status an update reports for its own step.
func (r *Reconciler) applyCompletion(u domain.Update) {
	msg := u.Envelope()
	kind := msg.StepKind

	status := msg.StepStatus
	if !status.IsKnown() {
		r.logger.Warn("Unrecognized step status, treating as in progress",
			"step_kind", string(kind),
			"step_status", string(status),
			"session_id", r.sessionID)
		status = domain.StatusInProgress
	}

	current, _ := r.model.Step(kind)
	switch {
	case current.Status.IsTerminal():
		// Only an explicit report may overwrite an inferred success.
		if !current.Inferred || !status.IsTerminal() {
			r.logger.Debug("Ignoring update for finished step",
				"step_kind", string(kind),
				"status", string(current.Status),
				"reported", string(status))
			return
		}
	case status.Rank() < current.Status.Rank():
		r.logger.Debug("Ignoring backwards transition",
			"step_kind", string(kind),
			"status", string(current.Status),
			"reported", string(status))
		return
	}

	r.model.ApplyStepStatus(kind, status)
	r.model.ApplyMessage(kind, displayMessage(u))
}

// applyTerminal finishes the session: the final step takes the reported
// outcome and every unfinished step is treated as succeeded.
func (r *Reconciler) applyTerminal(u domain.Update) {
	msg := u.Envelope()

	failed := msg.StepStatus == domain.StatusFailure
	if done, ok := u.(*domain.ProcessingCompleteUpdate); ok {
		failed = done.Failed()
	}
	final := domain.StatusSuccess
	if failed {
		final = domain.StatusFailure
	}

	r.model.ApplyStepStatus(domain.StepProcessingComplete, final)
	r.model.ApplyMessage(domain.StepProcessingComplete, displayMessage(u))

	for _, kind := range domain.PipelineOrder {
		if s, _ := r.model.Step(kind); !s.Status.IsTerminal() {
			r.model.InferStepStatus(kind, domain.StatusSuccess)
		}
	}

	r.terminalSeen = true
	r.model.SetComplete(true)
	r.logger.Info("Processing complete",
		"session_id", r.sessionID,
		"failed", failed)
}

func (r *Reconciler) promoteEarlier(idx int) {
	for _, kind := range domain.PipelineOrder[:idx] {
		if s, _ := r.model.Step(kind); s.Status == domain.StatusAlert {
			r.model.InferStepStatus(kind, domain.StatusSuccess)
		}
	}
}

// pipelineBeyond reports whether any step after idx has started.
func (r *Reconciler) pipelineBeyond(idx int) bool {
	for _, kind := range domain.PipelineOrder[idx+1:] {
		if s, _ := r.model.Step(kind); s.Status != domain.StatusAlert {
			return true
		}
	}
	return false
}

// recomputeProgress derives the bar from step states. The displayed value
// is the session's high-water mark.
func (r *Reconciler) recomputeProgress() {
	total := len(domain.PipelineOrder)
	success := r.model.Count(domain.StatusSuccess)
	active := r.model.Count(domain.StatusInProgress)

	pct := (success*100)/total + active*progressPerActiveStep
	if r.terminalSeen {
		pct = 100
	}
	pct = min(max(pct, 0), 100)
	if pct < r.highWater {
		pct = r.highWater
	}
	r.highWater = pct
	r.model.SetProgress(pct)

	if !r.model.Complete() && r.model.Count(domain.StatusAlert)+active == 0 {
		r.model.SetComplete(true)
	}
}

func displayMessage(u domain.Update) string {
	msg := u.Envelope()
	if text := strings.TrimSpace(msg.HumanMessage); text != "" {
		return text
	}
	if u.Event() != domain.EventProcessingUpdate {
		return u.Headline()
	}
	return msg.StatusText
}

func logLine(u domain.Update) string {
	body, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		body = []byte(fmt.Sprintf("%+v", u))
	}
	return u.Event() + "\n" + string(body)
}
