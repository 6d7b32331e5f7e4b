package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmcai/portfolio-status/internal/domain"
)

func TestModel_ResetState(t *testing.T) {
	m := New()
	m.ApplyStepStatus(domain.StepDocumentValidation, domain.StatusSuccess)
	m.ApplyMessage(domain.StepDocumentValidation, "3 valid")
	m.SetProgress(60)
	m.SetComplete(true)
	m.SetHeadline("done")
	m.AppendLog("line")

	m.Reset()

	snap := m.Snapshot()
	require.Len(t, snap.Steps, 4)
	for i, s := range snap.Steps {
		assert.Equal(t, domain.PipelineOrder[i], s.Kind)
		assert.Equal(t, domain.StatusAlert, s.Status)
		assert.Empty(t, s.ValidationMessage)
		assert.False(t, s.Inferred)
	}
	assert.Equal(t, 0, snap.Progress)
	assert.False(t, snap.Complete)
	assert.Empty(t, snap.Headline)
	assert.Empty(t, snap.Log)
	assert.Equal(t, "Final Processing & Completion", snap.Steps[3].Description)
}

func TestModel_UnknownKind(t *testing.T) {
	m := New()
	assert.False(t, m.ApplyStepStatus("Archival", domain.StatusSuccess))
	assert.False(t, m.ApplyMessage("Archival", "x"))
	_, ok := m.Step("Archival")
	assert.False(t, ok)
	assert.Equal(t, 4, m.Count(domain.StatusAlert))
}

func TestModel_SetProgressClamps(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 0},
		{0, 0},
		{42, 42},
		{100, 100},
		{175, 100},
	}
	m := New()
	for _, tt := range tests {
		m.SetProgress(tt.in)
		assert.Equal(t, tt.want, m.Progress(), "SetProgress(%d)", tt.in)
	}
}

func TestModel_InferredFlag(t *testing.T) {
	m := New()
	m.InferStepStatus(domain.StepDocumentValidation, domain.StatusSuccess)
	s, _ := m.Step(domain.StepDocumentValidation)
	assert.True(t, s.Inferred)

	m.ApplyStepStatus(domain.StepDocumentValidation, domain.StatusFailure)
	s, _ = m.Step(domain.StepDocumentValidation)
	assert.False(t, s.Inferred)
	assert.Equal(t, domain.StatusFailure, s.Status)
}

func TestModel_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.AppendLog("first")
	snap := m.Snapshot()
	snap.Steps[0].Status = domain.StatusFailure
	snap.Log[0] = "mutated"

	s, _ := m.Step(domain.StepDocumentValidation)
	assert.Equal(t, domain.StatusAlert, s.Status)
	assert.Equal(t, []string{"first"}, m.Log())
}
