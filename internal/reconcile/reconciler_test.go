package reconcile

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/workflow"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r := New(workflow.New(), nil)
	r.Reset("session-a")
	return r
}

func update(kind domain.StepKind, status domain.StepStatus, message string) *domain.UpdateMessage {
	return &domain.UpdateMessage{
		StepKind:     kind,
		StepStatus:   status,
		HumanMessage: message,
	}
}

func statuses(r *Reconciler) []domain.StepStatus {
	var out []domain.StepStatus
	for _, s := range r.Model().Steps() {
		out = append(out, s.Status)
	}
	return out
}

func TestReconciler_CompletionThenPhaseStart(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepDocumentValidation, domain.StatusSuccess, "Documents validated"))
	assert.Equal(t, 25, r.Model().Progress())

	r.Apply(update(domain.StepPortfolioCompletion, domain.StatusInProgress, "Starting portfolio check"))

	assert.Equal(t, []domain.StepStatus{
		domain.StatusSuccess, domain.StatusInProgress, domain.StatusAlert, domain.StatusAlert,
	}, statuses(r))
	assert.Equal(t, 50, r.Model().Progress())

	step, _ := r.Model().Step(domain.StepPortfolioCompletion)
	assert.Equal(t, "Starting portfolio check", step.ValidationMessage)
}

func TestReconciler_TerminalFirst(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(&domain.ProcessingCompleteUpdate{
		UpdateMessage: domain.UpdateMessage{StepKind: domain.StepProcessingComplete, StepStatus: domain.StatusSuccess},
		Success:       true,
	})

	for _, s := range r.Model().Steps() {
		assert.Equal(t, domain.StatusSuccess, s.Status, s.Kind)
	}
	assert.Equal(t, 100, r.Model().Progress())
	assert.True(t, r.Model().Complete())
}

func TestReconciler_TerminalKeepsFailures(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepDocumentValidation, domain.StatusFailure, "2 invalid documents"))
	r.Apply(update(domain.StepPortfolioCompletion, domain.StatusInProgress, "Starting portfolio check"))
	r.Apply(&domain.ProcessingCompleteUpdate{
		UpdateMessage: domain.UpdateMessage{StepKind: domain.StepProcessingComplete},
		Success:       true,
	})

	assert.Equal(t, []domain.StepStatus{
		domain.StatusFailure, domain.StatusSuccess, domain.StatusSuccess, domain.StatusSuccess,
	}, statuses(r))
	assert.Equal(t, 100, r.Model().Progress())
}

func TestReconciler_TerminalFailure(t *testing.T) {
	r := newTestReconciler(t)
	errMsg := "extraction failed"

	r.Apply(&domain.ProcessingCompleteUpdate{
		UpdateMessage: domain.UpdateMessage{StepKind: domain.StepProcessingComplete},
		ErrorMessage:  &errMsg,
	})

	step, _ := r.Model().Step(domain.StepProcessingComplete)
	assert.Equal(t, domain.StatusFailure, step.Status)
	assert.Equal(t, 100, r.Model().Progress())
	assert.True(t, r.Model().Complete())
}

func TestReconciler_ResetAfterProgress(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepCompanyHouseValidation, domain.StatusInProgress, "Starting company house lookup"))
	require.Equal(t, 75, r.Model().Progress())

	r.Reset("session-b")

	assert.Equal(t, "session-b", r.SessionID())
	assert.Equal(t, 0, r.Model().Progress())
	assert.Empty(t, r.Model().Log())
	for _, s := range r.Model().Steps() {
		assert.Equal(t, domain.StatusAlert, s.Status)
	}
}

func TestReconciler_PhaseStartPromotesEarlierSteps(t *testing.T) {
	for idx, kind := range domain.PipelineOrder[:3] {
		t.Run(string(kind), func(t *testing.T) {
			r := newTestReconciler(t)
			r.Apply(update(kind, domain.StatusInProgress, "Starting "+kind.Description()))

			for i, s := range r.Model().Steps() {
				switch {
				case i < idx:
					assert.Equal(t, domain.StatusSuccess, s.Status)
					assert.True(t, s.Inferred)
				case i == idx:
					assert.Equal(t, domain.StatusInProgress, s.Status)
				default:
					assert.Equal(t, domain.StatusAlert, s.Status)
				}
			}
		})
	}
}

func TestReconciler_PhaseStartDemotesOtherActiveStep(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepDocumentValidation, domain.StatusInProgress, "Starting document validation"))
	r.Apply(update(domain.StepPortfolioCompletion, domain.StatusInProgress, "Starting portfolio check"))

	assert.Equal(t, 1, r.Model().Count(domain.StatusInProgress))
	step, _ := r.Model().Step(domain.StepDocumentValidation)
	assert.Equal(t, domain.StatusSuccess, step.Status)
}

func TestReconciler_StalePhaseStart(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepCompanyHouseValidation, domain.StatusInProgress, "Starting company house lookup"))
	require.Equal(t, 75, r.Model().Progress())

	// A late duplicate for an earlier stage must not pull the bar back.
	r.Apply(update(domain.StepPortfolioCompletion, domain.StatusInProgress, "Starting portfolio check"))

	step, _ := r.Model().Step(domain.StepCompanyHouseValidation)
	assert.Equal(t, domain.StatusInProgress, step.Status)
	step, _ = r.Model().Step(domain.StepPortfolioCompletion)
	assert.Equal(t, domain.StatusSuccess, step.Status)
	assert.Equal(t, 75, r.Model().Progress())
}

func TestReconciler_ExplicitPhaseStartTag(t *testing.T) {
	r := newTestReconciler(t)
	yes, no := true, false

	msg := update(domain.StepPortfolioCompletion, domain.StatusSuccess, "Portfolio stage running")
	msg.IsPhaseStart = &yes
	r.Apply(msg)
	step, _ := r.Model().Step(domain.StepPortfolioCompletion)
	assert.Equal(t, domain.StatusInProgress, step.Status)

	done := update(domain.StepCompanyHouseValidation, domain.StatusSuccess, "Starting words but tagged as completion")
	done.IsPhaseStart = &no
	r.Apply(done)
	step, _ = r.Model().Step(domain.StepCompanyHouseValidation)
	assert.Equal(t, domain.StatusSuccess, step.Status)
}

func TestReconciler_InferredSuccessCorrectedByFailure(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepPortfolioCompletion, domain.StatusInProgress, "Starting portfolio check"))
	step, _ := r.Model().Step(domain.StepDocumentValidation)
	require.True(t, step.Inferred)
	before := r.Model().Progress()

	r.Apply(update(domain.StepDocumentValidation, domain.StatusFailure, "All documents invalid"))

	step, _ = r.Model().Step(domain.StepDocumentValidation)
	assert.Equal(t, domain.StatusFailure, step.Status)
	assert.Equal(t, "All documents invalid", step.ValidationMessage)
	assert.GreaterOrEqual(t, r.Model().Progress(), before)
}

func TestReconciler_ExplicitTerminalIsFinal(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepDocumentValidation, domain.StatusSuccess, "ok"))
	r.Apply(update(domain.StepDocumentValidation, domain.StatusFailure, "late failure"))
	r.Apply(update(domain.StepDocumentValidation, domain.StatusAlert, "late alert"))

	step, _ := r.Model().Step(domain.StepDocumentValidation)
	assert.Equal(t, domain.StatusSuccess, step.Status)
	assert.Equal(t, "ok", step.ValidationMessage)
}

func TestReconciler_UnknownStatusTreatedAsInProgress(t *testing.T) {
	r := newTestReconciler(t)

	r.Apply(update(domain.StepDocumentValidation, "Queued", "queued"))

	step, _ := r.Model().Step(domain.StepDocumentValidation)
	assert.Equal(t, domain.StatusInProgress, step.Status)
	assert.Equal(t, 25, r.Model().Progress())
}

func TestReconciler_UnknownKindOnlyLogged(t *testing.T) {
	r := newTestReconciler(t)

	applied := r.Apply(update("Archival", domain.StatusSuccess, "archived"))

	assert.True(t, applied)
	assert.Len(t, r.Model().Log(), 1)
	assert.Equal(t, 4, r.Model().Count(domain.StatusAlert))
	assert.Equal(t, 0, r.Model().Progress())
}

func TestReconciler_DropsOtherSession(t *testing.T) {
	r := newTestReconciler(t)

	msg := update(domain.StepDocumentValidation, domain.StatusSuccess, "ok")
	msg.SessionID = "session-old"
	assert.False(t, r.Apply(msg))
	assert.Empty(t, r.Model().Log())

	r.Rotate("session-old")
	assert.True(t, r.Apply(msg))
	assert.Equal(t, 25, r.Model().Progress())
}

func TestReconciler_MalformedInputDoesNotMutate(t *testing.T) {
	r := newTestReconciler(t)
	r.Apply(update(domain.StepDocumentValidation, domain.StatusSuccess, "ok"))
	before := r.Model().Snapshot()

	payloads := []string{``, `{`, `{"stepKind":[]}`, `"just a string"`, `{"progress":"high"}`, `{"timestampUtc":"yesterday"}`}
	for _, p := range payloads {
		assert.NotPanics(t, func() {
			err := r.HandleRaw(domain.EventDocumentValidationUpdate, []byte(p))
			var decodeErr *domain.MessageDecodeError
			assert.True(t, errors.As(err, &decodeErr), "payload %q", p)
		})
	}

	assert.Equal(t, before, r.Model().Snapshot())
}

func TestReconciler_HandleRawApplies(t *testing.T) {
	r := newTestReconciler(t)

	err := r.HandleRaw(domain.EventDocumentValidationUpdate,
		[]byte(`{"sessionId":"session-a","stepKind":0,"stepStatus":2,"totalDocuments":2,"validDocuments":2}`))
	require.NoError(t, err)

	step, _ := r.Model().Step(domain.StepDocumentValidation)
	assert.Equal(t, domain.StatusSuccess, step.Status)
	assert.Equal(t, "Document Validation: 2 valid, 0 invalid out of 2 total (0%)", step.ValidationMessage)
	assert.Equal(t, step.ValidationMessage, r.Model().Headline())
	require.Len(t, r.Model().Log(), 1)
	assert.Contains(t, r.Model().Log()[0], domain.EventDocumentValidationUpdate+"\n{")
}

func TestReconciler_AllTerminalMarksComplete(t *testing.T) {
	r := newTestReconciler(t)
	for _, kind := range domain.PipelineOrder[:3] {
		r.Apply(update(kind, domain.StatusSuccess, "done"))
	}
	assert.False(t, r.Model().Complete())

	r.Apply(update(domain.StepProcessingComplete, domain.StatusFailure, "failed"))
	assert.True(t, r.Model().Complete())
	assert.Equal(t, 100, r.Model().Progress())
}

// Random valid sequences: progress never decreases and a terminal update
// always settles every step.
func TestReconciler_ProgressMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statusChoices := []domain.StepStatus{
		domain.StatusAlert, domain.StatusInProgress, domain.StatusSuccess, domain.StatusFailure, "Weird",
	}
	messages := []string{"", "Starting stage", "Finalizing stage", "Validated", "  starting again"}

	for run := 0; run < 500; run++ {
		r := newTestReconciler(t)
		prev := 0
		steps := 1 + rng.Intn(20)
		for i := 0; i < steps; i++ {
			kind := domain.PipelineOrder[rng.Intn(len(domain.PipelineOrder))]
			var u domain.Update = update(kind, statusChoices[rng.Intn(len(statusChoices))], messages[rng.Intn(len(messages))])
			if kind == domain.StepProcessingComplete && rng.Intn(2) == 0 {
				u = &domain.ProcessingCompleteUpdate{
					UpdateMessage: *u.Envelope(),
					Success:       rng.Intn(2) == 0,
				}
			}
			r.Apply(u)

			got := r.Model().Progress()
			require.GreaterOrEqual(t, got, prev, "run %d step %d", run, i)
			require.LessOrEqual(t, got, 100)
			prev = got
		}

		r.Apply(&domain.ProcessingCompleteUpdate{
			UpdateMessage: domain.UpdateMessage{StepKind: domain.StepProcessingComplete},
			Success:       true,
		})
		require.Equal(t, 100, r.Model().Progress())
		for _, s := range r.Model().Steps() {
			require.True(t, s.Status.IsTerminal(), "run %d: %s is %s", run, s.Kind, s.Status)
		}
	}
}

func TestIsPhaseStart(t *testing.T) {
	yes := true
	tests := []struct {
		name string
		msg  *domain.UpdateMessage
		want bool
	}{
		{"nil", nil, false},
		{"starting prefix", &domain.UpdateMessage{HumanMessage: "Starting portfolio check"}, true},
		{"finalizing prefix", &domain.UpdateMessage{HumanMessage: "Finalizing results"}, true},
		{"case and whitespace", &domain.UpdateMessage{HumanMessage: "  STARTING up"}, true},
		{"completion", &domain.UpdateMessage{HumanMessage: "Portfolio check complete"}, false},
		{"prefix not at start", &domain.UpdateMessage{HumanMessage: "Restarting"}, false},
		{"explicit tag", &domain.UpdateMessage{HumanMessage: "running", IsPhaseStart: &yes}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPhaseStart(tt.msg))
		})
	}
}

func TestReconciler_VariantWithoutStepKind(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		payload  string
		want     []domain.StepStatus
		progress int
		complete bool
	}{
		{
			name:     "processing complete",
			event:    domain.EventProcessingCompleteUpdate,
			payload:  `{"sessionId":"session-a","success":true,"progress":100}`,
			want:     []domain.StepStatus{domain.StatusSuccess, domain.StatusSuccess, domain.StatusSuccess, domain.StatusSuccess},
			progress: 100,
			complete: true,
		},
		{
			name:     "processing complete under another step kind",
			event:    domain.EventProcessingCompleteUpdate,
			payload:  `{"sessionId":"session-a","stepKind":"DocumentValidation","stepStatus":"Failure","success":false,"errorMessage":"boom"}`,
			want:     []domain.StepStatus{domain.StatusSuccess, domain.StatusSuccess, domain.StatusSuccess, domain.StatusFailure},
			progress: 100,
			complete: true,
		},
		{
			name:     "document validation",
			event:    domain.EventDocumentValidationUpdate,
			payload:  `{"sessionId":"session-a","stepStatus":"Success","totalDocuments":2,"validDocuments":2}`,
			want:     []domain.StepStatus{domain.StatusSuccess, domain.StatusAlert, domain.StatusAlert, domain.StatusAlert},
			progress: 25,
		},
		{
			name:     "company house validation",
			event:    domain.EventCompanyHouseValidationUpdate,
			payload:  `{"sessionId":"session-a","stepStatus":"InProgress"}`,
			want:     []domain.StepStatus{domain.StatusAlert, domain.StatusAlert, domain.StatusInProgress, domain.StatusAlert},
			progress: 25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReconciler(t)

			require.NoError(t, r.HandleRaw(tt.event, []byte(tt.payload)))

			assert.Equal(t, tt.want, statuses(r))
			assert.Equal(t, tt.progress, r.Model().Progress())
			assert.Equal(t, tt.complete, r.Model().Complete())
		})
	}
}
