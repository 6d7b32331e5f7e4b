// Package tracker coordinates one processing session end to end: it tears
// down the previous session, connects the notification channel, joins the
// session group, uploads the documents and folds every update pushed by the
// hub into the workflow model.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kmcai/portfolio-status/internal/dispatch"
	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/membership"
	"github.com/kmcai/portfolio-status/internal/notify"
	"github.com/kmcai/portfolio-status/internal/reconcile"
	"github.com/kmcai/portfolio-status/internal/upload"
	"github.com/kmcai/portfolio-status/internal/workflow"
)

const teardownTimeout = 10 * time.Second

// Uploader sends the session's documents to the backend.
type Uploader interface {
	Accept(files []upload.File) []upload.File
	Upload(ctx context.Context, sessionID string, files []upload.File) (*upload.Result, error)
}

// Options configures a Tracker.
type Options struct {
	Notify   notify.Config
	Uploader Uploader
	Logger   *slog.Logger
	// QueueSize bounds pending model mutations.
	QueueSize int
	// OnChange is called on the dispatch goroutine after every mutation.
	OnChange func(View)
	// NewSessionID overrides session id generation.
	NewSessionID func() string
}

// View is what a renderer needs to draw the session.
type View struct {
	SessionID string
	Status    string
	Headline  string
	Steps     []workflow.Step
	Progress  int
	Complete  bool
	Log       []string
}

// Tracker owns the channel, membership and model of the current session.
type Tracker struct {
	channel  *notify.Channel
	groups   *membership.Controller
	rec      *reconcile.Reconciler
	queue    *dispatch.Queue
	uploader Uploader
	onChange func(View)
	newID    func() string
	logger   *slog.Logger

	mu sync.Mutex // serializes Start and Close

	// Owned by the dispatch goroutine.
	status string
}

// New creates a tracker. Nothing connects until Start.
func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = domain.NewSessionID
	}
	logger := opts.Logger

	ch := notify.New(opts.Notify, logger)
	return &Tracker{
		channel:  ch,
		groups:   membership.New(ch, logger, opts.Notify.InvokeTimeout),
		rec:      reconcile.New(workflow.New(), logger),
		queue:    dispatch.NewQueue(opts.QueueSize, logger),
		uploader: opts.Uploader,
		onChange: opts.OnChange,
		newID:    opts.NewSessionID,
		logger:   logger.With("component", "tracker"),
		status:   domain.ConnEventDisconnected.Label(),
	}
}

// Start begins a new session and uploads files for it. Connection and group
// failures only show up in the status line; an upload failure is returned
// as *domain.UploadTransportError with the session left in place. When no
// file is usable ErrNoValidFiles is returned and the running session is
// left untouched. Without an Uploader the session is only followed.
func (t *Tracker) Start(ctx context.Context, files []upload.File) (*upload.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.uploader != nil {
		files = t.uploader.Accept(files)
		if len(files) == 0 {
			return nil, domain.ErrNoValidFiles
		}
	}

	t.teardown(ctx)

	id := t.newID()
	t.queue.Do(func() {
		t.rec.Reset(id)
		t.status = domain.ConnEventDisconnected.Label()
		t.changed()
	})
	t.logger.Info("Session started", "session_id", id, "files", len(files))

	if err := t.channel.Connect(ctx, t.bindings()); err != nil {
		t.logger.Warn("Continuing without live updates", "session_id", id, "error", err)
	}
	if err := t.groups.JoinSession(ctx, id); err != nil {
		t.logger.Warn("Failed to join session group", "session_id", id, "error", err)
	}

	if t.uploader == nil {
		return nil, nil
	}

	res, err := t.uploader.Upload(ctx, id, files)
	if err != nil {
		t.logger.Error("Upload failed", "session_id", id, "error", err)
		return nil, err
	}

	if res.SessionID != "" && res.SessionID != id {
		t.queue.Do(func() {
			t.rec.Rotate(res.SessionID)
			t.changed()
		})
		if err := t.groups.Rotate(ctx, res.SessionID); err != nil {
			t.logger.Warn("Failed to join backend session group", "session_id", res.SessionID, "error", err)
		}
	}
	return res, nil
}

// Snapshot returns the current view.
func (t *Tracker) Snapshot() View {
	var v View
	if !t.queue.Do(func() { v = t.view() }) {
		return View{Status: domain.ConnEventDisconnected.Label()}
	}
	return v
}

// State returns the notification channel state.
func (t *Tracker) State() domain.ConnectionState {
	return t.channel.State()
}

// Close leaves the session group, disconnects and stops the dispatch queue.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	t.teardown(ctx)
	t.groups.Wait()
	t.queue.Close()
	return nil
}

// teardown leaves the current group and disconnects, removing every handler
// the previous Connect registered.
func (t *Tracker) teardown(ctx context.Context) {
	if id := t.groups.Current(); id != "" {
		if err := t.groups.LeaveSession(ctx, id); err != nil {
			t.logger.Warn("Failed to leave session group", "session_id", id, "error", err)
		}
	}
	if err := t.channel.Disconnect(); err != nil {
		t.logger.Warn("Failed to disconnect notification channel", "error", err)
	}
}

func (t *Tracker) bindings() notify.Bindings {
	events := make(map[string]notify.Handler, len(domain.UpdateEvents))
	for _, event := range domain.UpdateEvents {
		events[event] = func(payload json.RawMessage) {
			t.queue.Submit(func() {
				if err := t.rec.HandleRaw(event, payload); err != nil {
					return
				}
				t.changed()
			})
		}
	}
	return notify.Bindings{
		Events: events,
		Status: func(change domain.StatusChange) {
			t.groups.HandleStatus(change)
			t.queue.Submit(func() {
				t.status = change.Label()
				t.changed()
			})
		},
	}
}

// changed runs on the dispatch goroutine.
func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange(t.view())
	}
}

func (t *Tracker) view() View {
	snap := t.rec.Model().Snapshot()
	return View{
		SessionID: t.rec.SessionID(),
		Status:    t.status,
		Headline:  snap.Headline,
		Steps:     snap.Steps,
		Progress:  snap.Progress,
		Complete:  snap.Complete,
		Log:       snap.Log,
	}
}
