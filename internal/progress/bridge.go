// Package progress bridges the live session to durable storage and the remote API.
//
// Every snapshot is written to the local store first and unconditionally.
// Remote calls happen on a dispatcher, never on the caller's goroutine, and any
// call that cannot be made right away waits in the store's outbox.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/MetaMind/internal/api"
	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/store"
)

// Save status strings reported to the rendering surface.
const (
	StatusSaved          = "Progress saved"
	StatusSyncFailed     = "Saved locally (sync failed)"
	StatusOffline        = "Saved locally (offline)"
	StatusWorkingOffline = "Working offline - changes saved locally"
	StatusBackOnline     = "Back online - syncing changes"
)

// ErrNoRemote is recorded on completions kept locally because no API is configured.
var ErrNoRemote = errors.New("remote API not configured")

// Remote is the subset of the API the bridge calls.
type Remote interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (*models.Session, error)
	StartSession(ctx context.Context, id string) error
	PauseSession(ctx context.Context, id string) error
	ResumeSession(ctx context.Context, id string) error
	CompleteSession(ctx context.Context, id string, completion models.SessionCompletion) error
	PatchProgress(ctx context.Context, id string, p *models.SessionProgress) error
	GetModule(ctx context.Context, id string) (*models.Module, error)
	RecordIntervention(ctx context.Context, ev models.InterventionEvent) error
	RecordResponse(ctx context.Context, ev models.InterventionEvent) error
}

var _ Remote = (*api.Client)(nil)

// Options configures a Bridge. Store is required; a nil Remote keeps
// everything local.
type Options struct {
	Store     store.Store
	Remote    Remote
	SessionID string
	ModuleID  string
	Online    bool

	// Dispatch runs remote work. The default runs fn on a new goroutine
	// tracked by Close.
	Dispatch func(fn func())
	// OnStatus receives every save status change. It may be called from the
	// dispatcher's goroutine.
	OnStatus func(status string)
	// OnReconcile receives the authoritative session state reloaded after
	// coming back online.
	OnReconcile func(*models.Session)

	Now func() time.Time
}

// Bridge owns the durable snapshot of one session.
type Bridge struct {
	store       store.Store
	remote      Remote
	sender      *store.OutboxSender
	dispatch    func(fn func())
	onStatus    func(string)
	onReconcile func(*models.Session)
	now         func() time.Time
	wg          sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	moduleID  string
	online    bool
	status    string
}

// NewBridge creates a Bridge.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("progress bridge requires a store")
	}
	if opts.SessionID == "" && opts.ModuleID == "" {
		return nil, fmt.Errorf("progress bridge requires a session or module ID")
	}
	b := &Bridge{
		store:       opts.Store,
		remote:      opts.Remote,
		dispatch:    opts.Dispatch,
		onStatus:    opts.OnStatus,
		onReconcile: opts.OnReconcile,
		now:         opts.Now,
		sessionID:   opts.SessionID,
		moduleID:    opts.ModuleID,
		online:      opts.Online,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.dispatch == nil {
		b.dispatch = b.goDispatch
	}
	b.sender = store.NewOutboxSender(opts.Store, b.Send)
	return b, nil
}

func (b *Bridge) goDispatch(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Close waits for in-flight remote work.
func (b *Bridge) Close() {
	b.wg.Wait()
}

// Sender returns the outbox sender that drains this bridge's pending calls.
func (b *Bridge) Sender() *store.OutboxSender {
	return b.sender
}

// Key returns the durable key of the session's snapshot.
func (b *Bridge) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.ProgressKey(b.sessionID, b.moduleID)
}

// SessionID returns the remote session ID, which may be empty before Start.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Online reports the bridge's connectivity flag.
func (b *Bridge) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Status returns the last save status.
func (b *Bridge) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bridge) setStatus(status string) {
	b.mu.Lock()
	changed := b.status != status
	b.status = status
	b.mu.Unlock()
	if changed {
		slog.Debug("Bridge.setStatus", "status", status)
	}
	if b.onStatus != nil {
		b.onStatus(status)
	}
}

// Load returns the locally saved snapshot of the session, or nil if there is none.
func (b *Bridge) Load() (*models.SessionProgress, error) {
	p, err := b.store.GetProgress(b.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return p, nil
}

// LoadModule fetches the module content of the session. Without a module ID
// it first reads the session to find it.
func (b *Bridge) LoadModule(ctx context.Context) (*models.Module, *models.Session, error) {
	if b.remote == nil {
		return nil, nil, ErrNoRemote
	}
	var sess *models.Session
	b.mu.Lock()
	sid, mid := b.sessionID, b.moduleID
	b.mu.Unlock()
	if sid != "" {
		s, err := b.remote.GetSession(ctx, sid)
		if err != nil {
			return nil, nil, err
		}
		sess = s
		if s.Module != "" {
			mid = s.Module
		}
	}
	if mid == "" {
		return nil, sess, fmt.Errorf("session %s has no module", sid)
	}
	m, err := b.remote.GetModule(ctx, mid)
	if err != nil {
		return nil, sess, err
	}
	b.mu.Lock()
	b.moduleID = mid
	b.mu.Unlock()
	return m, sess, nil
}

// Start marks the session active remotely. Without a session ID a new
// session is created for the module and its ID adopted. It returns true when
// a new session was created.
func (b *Bridge) Start(ctx context.Context) (bool, error) {
	if b.remote == nil {
		return false, nil
	}
	if sid := b.SessionID(); sid != "" {
		if err := b.remote.StartSession(ctx, sid); err != nil {
			return false, err
		}
		return false, nil
	}
	if _, err := b.createSession(ctx, true); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Bridge) createSession(ctx context.Context, active bool) (string, error) {
	b.mu.Lock()
	mid := b.moduleID
	b.mu.Unlock()
	s, err := b.remote.CreateSession(ctx, api.CreateSessionRequest{Module: mid, IsActive: active, StartTime: b.now()})
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.sessionID = s.ID
	b.mu.Unlock()
	slog.Info("Bridge.createSession: created session", "sessionID", s.ID, "moduleID", mid)
	return s.ID, nil
}

// Save writes p locally and marks it pending. When online, a flush on the
// dispatcher patches the newest stored snapshot, so overlapping saves never
// leave an older one on the remote. It returns an error only when the local
// write fails.
func (b *Bridge) Save(p *models.SessionProgress) error {
	b.mu.Lock()
	p.SessionID, p.ModuleID = b.sessionID, b.moduleID
	sid, online := b.sessionID, b.online
	b.mu.Unlock()
	p.LastSaved = b.now()

	if err := b.store.SaveProgress(p); err != nil {
		slog.Error("Bridge.Save: local write failed", "key", p.Key(), "error", err)
		return err
	}

	if sid == "" || b.remote == nil {
		if online {
			b.setStatus(StatusSaved)
		} else {
			b.setStatus(StatusOffline)
		}
		return nil
	}

	key := p.Key()
	if _, err := b.store.EnqueueOutboxMessage(sid, store.OutboxKindProgressPatch, key, "progress:"+key); err != nil {
		slog.Warn("Bridge.Save: failed to mark progress pending", "key", key, "error", err)
	}
	if !online {
		b.setStatus(StatusOffline)
		return nil
	}
	b.dispatch(func() { b.Flush(context.Background()) })
	return nil
}

// SetOnline updates connectivity. Coming back online reloads the session
// from the API and then flushes the outbox, once.
func (b *Bridge) SetOnline(online bool) {
	b.mu.Lock()
	was := b.online
	b.online = online
	sid := b.sessionID
	b.mu.Unlock()

	switch {
	case was && !online:
		slog.Info("Bridge.SetOnline: connection lost")
		b.setStatus(StatusWorkingOffline)
	case !was && online:
		slog.Info("Bridge.SetOnline: connection restored", "sessionID", sid)
		b.setStatus(StatusBackOnline)
		b.dispatch(func() { b.reconcile(context.Background(), sid) })
	}
}

func (b *Bridge) reconcile(ctx context.Context, sid string) {
	if b.remote != nil && sid != "" {
		s, err := b.remote.GetSession(ctx, sid)
		if err != nil {
			slog.Warn("Bridge.reconcile: failed to reload session", "sessionID", sid, "error", err)
		} else if b.onReconcile != nil {
			b.onReconcile(s)
		}
	}
	b.Flush(ctx)
}

// Flush sends every due outbox message and updates the save status.
func (b *Bridge) Flush(ctx context.Context) store.FlushResult {
	if !b.Online() {
		return store.FlushResult{}
	}
	res := b.sender.Flush(ctx)
	sid := b.SessionID()
	if sid == "" {
		return res
	}
	pending, err := b.store.CountPendingOutboxMessages(sid)
	if err != nil {
		slog.Warn("Bridge.Flush: failed to count pending messages", "error", err)
		return res
	}
	switch {
	case res.Failed > 0 || res.Dropped > 0:
		b.setStatus(StatusSyncFailed)
	case pending == 0:
		b.setStatus(StatusSaved)
	}
	return res
}

// RecordIntervention queues the analytics event of a fired intervention.
func (b *Bridge) RecordIntervention(ev models.InterventionEvent) {
	b.notify(store.OutboxKindInterventionFired, ev)
}

// RecordResponse queues the response or timeout of an intervention.
func (b *Bridge) RecordResponse(ev models.InterventionEvent) {
	b.notify(store.OutboxKindInterventionResponse, ev)
}

// SessionPaused queues the remote pause call.
func (b *Bridge) SessionPaused() {
	b.notify(store.OutboxKindSessionPause, nil)
}

// SessionResumed queues the remote resume call.
func (b *Bridge) SessionResumed() {
	b.notify(store.OutboxKindSessionResume, nil)
}

func (b *Bridge) notify(kind string, payload any) {
	sid := b.SessionID()
	if sid == "" || b.remote == nil {
		return
	}
	body := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Bridge.notify: failed to encode payload", "kind", kind, "error", err)
			return
		}
		body = string(data)
	}
	if _, err := b.store.EnqueueOutboxMessage(sid, kind, body, ""); err != nil {
		slog.Error("Bridge.notify: failed to enqueue", "kind", kind, "error", err)
		return
	}
	if b.Online() {
		b.dispatch(func() { b.Flush(context.Background()) })
	}
}

// Send performs the remote call of one outbox message. Client errors other
// than 401, 408 and 429 are permanent.
func (b *Bridge) Send(ctx context.Context, msg store.OutboxMessage) error {
	if b.remote == nil {
		return ErrNoRemote
	}
	var err error
	switch msg.Kind {
	case store.OutboxKindProgressPatch:
		p, loadErr := b.store.GetProgress(msg.PayloadJSON)
		if loadErr != nil {
			return loadErr
		}
		if p == nil {
			return fmt.Errorf("%w: progress %s no longer stored", store.ErrPermanent, msg.PayloadJSON)
		}
		err = b.remote.PatchProgress(ctx, msg.SessionID, p)
	case store.OutboxKindInterventionFired, store.OutboxKindInterventionResponse:
		var ev models.InterventionEvent
		if decErr := json.Unmarshal([]byte(msg.PayloadJSON), &ev); decErr != nil {
			return fmt.Errorf("%w: %v", store.ErrPermanent, decErr)
		}
		if msg.Kind == store.OutboxKindInterventionFired {
			err = b.remote.RecordIntervention(ctx, ev)
		} else {
			err = b.remote.RecordResponse(ctx, ev)
		}
	case store.OutboxKindSessionPause:
		err = b.remote.PauseSession(ctx, msg.SessionID)
	case store.OutboxKindSessionResume:
		err = b.remote.ResumeSession(ctx, msg.SessionID)
	default:
		return fmt.Errorf("%w: unknown outbox kind %q", store.ErrPermanent, msg.Kind)
	}
	if err != nil && isPermanent(err) {
		return fmt.Errorf("%w: %w", store.ErrPermanent, err)
	}
	return err
}

func isPermanent(err error) bool {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}

// Complete stores the final snapshot and posts the completion, creating the
// remote session first when none was started. On success the local snapshot
// is removed. A 401 is returned wrapped as api.ErrUnauthorized. Any other
// failure keeps the completion locally under a completed_session_ key and
// returns nil.
func (b *Bridge) Complete(ctx context.Context, p *models.SessionProgress, completion models.SessionCompletion) error {
	b.mu.Lock()
	p.SessionID, p.ModuleID = b.sessionID, b.moduleID
	sid, mid := b.sessionID, b.moduleID
	b.mu.Unlock()
	if completion.Module == "" {
		completion.Module = mid
	}
	p.LastSaved = b.now()
	key := p.Key()
	if err := b.store.SaveProgress(p); err != nil {
		slog.Warn("Bridge.Complete: final local write failed", "key", key, "error", err)
	}

	var err error
	switch {
	case b.remote == nil:
		err = ErrNoRemote
	case sid == "":
		sid, err = b.createSession(ctx, false)
		if err == nil {
			err = b.remote.CompleteSession(ctx, sid, completion)
		}
	default:
		err = b.remote.CompleteSession(ctx, sid, completion)
	}

	if err == nil {
		if delErr := b.store.DeleteProgress(key); delErr != nil {
			slog.Warn("Bridge.Complete: failed to remove progress", "key", key, "error", delErr)
		}
		slog.Info("Bridge.Complete: session completed", "sessionID", sid)
		return nil
	}
	if errors.Is(err, api.ErrUnauthorized) {
		slog.Warn("Bridge.Complete: unauthorized", "sessionID", sid)
		return err
	}

	now := b.now()
	rec := models.CompletedSessionRecord{
		Key:        models.CompletedSessionKeyPrefix + strconv.FormatInt(now.UnixMilli(), 10),
		SessionID:  sid,
		Completion: completion,
		SyncError:  err.Error(),
		SavedAt:    now,
	}
	if saveErr := b.store.SaveCompletedSession(rec); saveErr != nil {
		slog.Error("Bridge.Complete: failed to keep completion locally", "key", rec.Key, "error", saveErr)
		return fmt.Errorf("failed to keep completion locally: %w", saveErr)
	}
	slog.Warn("Bridge.Complete: completion kept locally", "key", rec.Key, "error", err)
	return nil
}
