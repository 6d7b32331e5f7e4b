package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/protocol"
)

type memJournal struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
}

func (j *memJournal) AppendUpdate(_ context.Context, e *domain.JournalEntry) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.Seq = int64(len(j.entries) + 1)
	j.entries = append(j.entries, *e)
	return e.Seq, nil
}

func (j *memJournal) ListUpdates(_ context.Context, sessionID string, afterSeq int64) ([]domain.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.JournalEntry
	for _, e := range j.entries {
		if e.SessionID == sessionID && e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := New(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func invoke(t *testing.T, conn *websocket.Conn, id, method string, args ...any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewInvoke(id, method, args...)
	require.NoError(t, err)
	writeJSON(t, conn, f)
	return readFrame(t, conn)
}

func TestHub_JoinThenPublish(t *testing.T) {
	h, url := startHub(t, Options{IsDev: true})
	conn := dial(t, url)

	done := invoke(t, conn, "1", protocol.MethodJoinGroup, "s1")
	assert.Equal(t, protocol.FrameCompletion, done.Type)
	assert.Equal(t, "1", done.InvocationID)
	assert.Empty(t, done.Error)
	assert.Equal(t, 1, h.Groups().Count("s1"))

	payload := json.RawMessage(`{"sessionId":"s1","statusText":"ok","stepKind":"DocumentValidation","stepStatus":"Success"}`)
	n, err := h.Publish(context.Background(), domain.EventDocumentValidationUpdate, "s1", payload)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := readFrame(t, conn)
	assert.Equal(t, protocol.FrameEvent, got.Type)
	assert.Equal(t, domain.EventDocumentValidationUpdate, got.Target)
	assert.JSONEq(t, string(payload), string(got.Payload()))
}

func TestHub_PublishOnlyReachesGroup(t *testing.T) {
	h, url := startHub(t, Options{IsDev: true})
	conn := dial(t, url)
	invoke(t, conn, "1", protocol.MethodJoinGroup, "other")

	n, err := h.Publish(context.Background(), domain.EventDocumentValidationUpdate, "s1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHub_LeaveAndUnknownMethod(t *testing.T) {
	h, url := startHub(t, Options{IsDev: true})
	conn := dial(t, url)

	invoke(t, conn, "1", protocol.MethodJoinGroup, "s1")
	done := invoke(t, conn, "2", protocol.MethodLeaveGroup, "s1")
	assert.Empty(t, done.Error)
	assert.Zero(t, h.Groups().Count("s1"))

	done = invoke(t, conn, "3", "Explode")
	assert.Contains(t, done.Error, "unknown method")

	done = invoke(t, conn, "4", protocol.MethodJoinGroup, "bad id with spaces")
	assert.Contains(t, done.Error, "invalid session id")
}

func TestHub_ReplaysJournalOnJoin(t *testing.T) {
	j := &memJournal{}
	h, url := startHub(t, Options{IsDev: true, Journal: j})

	payload := json.RawMessage(`{"sessionId":"s1","statusText":"done","stepKind":"DocumentValidation","stepStatus":"Success","progress":25}`)
	_, err := h.Publish(context.Background(), domain.EventDocumentValidationUpdate, "s1", payload)
	require.NoError(t, err)
	require.Len(t, j.entries, 1)
	assert.Equal(t, domain.StepDocumentValidation, j.entries[0].StepKind)
	assert.Equal(t, 25, j.entries[0].Progress)

	conn := dial(t, url)
	invoke(t, conn, "1", protocol.MethodJoinGroup, "s1")

	got := readFrame(t, conn)
	assert.Equal(t, domain.EventDocumentValidationUpdate, got.Target)
	assert.JSONEq(t, string(payload), string(got.Payload()))
}

func TestHub_PublishRejectsBadInput(t *testing.T) {
	h := New(Options{})

	_, err := h.Publish(context.Background(), "NotAnEvent", "s1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnknownEvent)

	_, err = h.Publish(context.Background(), domain.EventDocumentValidationUpdate, "", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestHub_DisconnectRemovesMemberships(t *testing.T) {
	h, url := startHub(t, Options{IsDev: true})
	conn := dial(t, url)
	invoke(t, conn, "1", protocol.MethodJoinGroup, "s1")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	assert.Eventually(t, func() bool {
		return h.ClientCount() == 0 && h.Groups().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := New(Options{AllowedOrigin: "https://app.example.com"})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"allowed", "https://app.example.com", true},
		{"foreign", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/hubs/processing", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, h.checkOrigin(r))
		})
	}
}
