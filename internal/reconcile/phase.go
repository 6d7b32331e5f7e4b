package reconcile

import (
	"strings"

	"github.com/kmcai/portfolio-status/internal/domain"
)

// phaseStartPrefixes are the human-message openings the backend uses when a
// stage begins rather than finishes.
var phaseStartPrefixes = []string{"starting", "finalizing"}

// IsPhaseStart reports whether msg announces the start of its step. An
// explicit isPhaseStart field wins; otherwise the message prefix decides.
func IsPhaseStart(msg *domain.UpdateMessage) bool {
	if msg == nil {
		return false
	}
	if msg.IsPhaseStart != nil {
		return *msg.IsPhaseStart
	}
	text := strings.ToLower(strings.TrimSpace(msg.HumanMessage))
	for _, prefix := range phaseStartPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}
