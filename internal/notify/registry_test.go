package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmcai/portfolio-status/internal/domain"
)

func TestRegistry_OnOff(t *testing.T) {
	r := NewRegistry(nil)

	var calls []string
	a := r.On("ProcessingUpdate", func(json.RawMessage) { calls = append(calls, "a") })
	b := r.On("ProcessingUpdate", func(json.RawMessage) { calls = append(calls, "b") })
	s := r.OnStatus(func(domain.StatusChange) {})
	assert.Equal(t, 3, r.Count())

	handlers, ok := r.Handlers("ProcessingUpdate")
	require.True(t, ok)
	for _, h := range handlers {
		h(nil)
	}
	assert.Equal(t, []string{"a", "b"}, calls)

	assert.True(t, r.Off(a))
	assert.False(t, r.Off(a))
	handlers, _ = r.Handlers("ProcessingUpdate")
	assert.Len(t, handlers, 1)

	assert.True(t, r.Off(b))
	assert.True(t, r.Off(s))
	assert.Equal(t, 0, r.Count())

	_, ok = r.Handlers("ProcessingUpdate")
	assert.False(t, ok)
	assert.Empty(t, r.StatusHandlers())
}

func TestRegistry_UnknownTarget(t *testing.T) {
	r := NewRegistry(nil)
	r.On("ProcessingUpdate", func(json.RawMessage) {})

	handlers, ok := r.Handlers("SomethingElse")
	assert.False(t, ok)
	assert.Nil(t, handlers)
}
