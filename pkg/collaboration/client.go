package collaboration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

// ClientConfig tunes one collaborating client
type ClientConfig struct {
	DebounceWindow    time.Duration `mapstructure:"debounce_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MergeSeparator    string        `mapstructure:"merge_separator"`
	// LeaveFlushTimeout bounds how long Leave waits for queued edits to
	// reach the bus
	LeaveFlushTimeout time.Duration               `mapstructure:"leave_flush_timeout"`
	FieldKinds        map[string]models.FieldKind `mapstructure:"field_kinds"`
	Adapter           AdapterConfig               `mapstructure:"adapter"`
}

// DefaultClientConfig returns the production defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DebounceWindow:    defaultDebounceWindow,
		HeartbeatInterval: 30 * time.Second,
		MergeSeparator:    DefaultMergeSeparator,
		LeaveFlushTimeout: 2 * time.Second,
		Adapter:           DefaultAdapterConfig(),
	}
}

// Callbacks are the UI hooks of a client. Any of them may be nil. They run
// outside the client's lock, so they may call back into the client.
type Callbacks struct {
	OnRoster         func(roster []models.Participant)
	OnConflict       func(conflict *models.ConflictRecord)
	OnConflictClosed func(conflict *models.ConflictRecord)
	OnCursor         func(cursor models.CursorMoved)
	OnFieldApplied   func(target models.FieldTarget, value interface{}, byUser string)
	OnChat           func(msg models.ChatMessage)
	OnConnectivity   func(connected bool)
}

// ClientOptions wires a client to its collaborators
type ClientOptions struct {
	Service   SessionService
	Bus       bus.Bus
	Store     DocumentStore
	Config    ClientConfig
	Callbacks Callbacks
	ServiceConfig
}

// Client is one user's collaboration session on one document. It is the
// explicit session context every component call goes through: the tracker,
// resolver and debouncer are only touched under its lock, and inbound
// messages arrive on the adapter's single dispatch goroutine.
type Client struct {
	doc       models.DocumentRef
	user      models.UserInfo
	clientID  string
	config    ClientConfig
	service   SessionService
	bus       bus.Bus
	store     DocumentStore
	callbacks Callbacks
	svc       ServiceConfig
	logger    observability.Logger
	metrics   observability.MetricsClient
	tracer    observability.StartSpanFunc
	now       func() time.Time

	debounce *Debouncer

	mu        sync.Mutex
	joined    bool
	sessionID string
	roster    []models.Participant
	tracker   *Tracker
	resolver  *Resolver
	adapter   *Adapter
	hbCancel  context.CancelFunc
	focus     models.FieldTarget
}

// NewClient creates a client for user on doc. Join connects it.
func NewClient(doc models.DocumentRef, user models.UserInfo, opts ClientOptions) (*Client, error) {
	if err := doc.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid document")
	}
	if user.ID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Service == nil {
		return nil, errors.New("session service is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}

	cfg := opts.Config
	d := DefaultClientConfig()
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = d.DebounceWindow
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.MergeSeparator == "" {
		cfg.MergeSeparator = d.MergeSeparator
	}
	if cfg.LeaveFlushTimeout <= 0 {
		cfg.LeaveFlushTimeout = d.LeaveFlushTimeout
	}

	svc := opts.ServiceConfig.withDefaults()
	clientID := uuid.NewString()
	return &Client{
		doc:       doc,
		user:      user,
		clientID:  clientID,
		config:    cfg,
		service:   opts.Service,
		bus:       opts.Bus,
		store:     opts.Store,
		callbacks: opts.Callbacks,
		svc:       svc,
		logger: svc.Logger.WithPrefix("collab-client").With(map[string]interface{}{
			"document": doc.String(),
			"user":     user.ID,
		}),
		metrics:  svc.Metrics,
		tracer:   svc.Tracer,
		now:      time.Now,
		debounce: NewDebouncer(cfg.DebounceWindow),
		tracker:  NewTracker(doc, user, clientID, cfg.FieldKinds),
		resolver: NewResolver(cfg.MergeSeparator),
	}, nil
}

// Origin identifies this client's event stream
func (c *Client) Origin() models.Origin {
	return models.Origin{User: c.user.ID, Client: c.clientID}
}

// Document returns the document the client edits
func (c *Client) Document() models.DocumentRef {
	return c.doc
}

// Join subscribes to the document topic and registers with the session
// service. A bus that cannot be subscribed degrades the client to solo
// editing rather than failing the join.
func (c *Client) Join(ctx context.Context) (*models.JoinResult, error) {
	ctx, span := c.tracer(ctx, "Client.Join")
	defer span.End()

	c.mu.Lock()
	if c.joined {
		res := &models.JoinResult{SessionID: c.sessionID, Doc: c.doc, ActiveUsers: models.CloneParticipants(c.roster)}
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	adapter := newAdapter(c.doc, c.bus, c, c.config.Adapter, c.svc, c.connectivityChanged)
	if err := adapter.Start(ctx); err != nil {
		c.logger.Warn("Collaborating without inbound messages", map[string]interface{}{
			"error": err.Error(),
		})
	}

	res, err := c.service.Join(ctx, c.doc, c.user)
	if err != nil {
		adapter.Stop()
		span.RecordError(err)
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.joined = true
	c.sessionID = res.SessionID
	c.roster = models.CloneParticipants(res.ActiveUsers)
	c.adapter = adapter
	c.hbCancel = cancel
	unsent := c.tracker.Unsent()
	seq := c.tracker.Sequence()
	c.mu.Unlock()

	go c.heartbeatLoop(hbCtx)
	for _, target := range unsent {
		c.schedule(target)
	}

	c.logger.Info("Joined collaboration session", map[string]interface{}{
		"session":  res.SessionID,
		"client":   c.clientID,
		"roster":   len(res.ActiveUsers),
		"sequence": seq,
	})
	if c.callbacks.OnRoster != nil {
		c.callbacks.OnRoster(models.CloneParticipants(res.ActiveUsers))
	}
	return res, nil
}

// Leave flushes debounced edits, discards open conflicts and detaches from
// the session. It is safe to call at any time, any number of times.
// Unsaved local values are kept.
func (c *Client) Leave(ctx context.Context) error {
	ctx, span := c.tracer(ctx, "Client.Leave")
	defer span.End()

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.debounce.FlushAll()

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	sessionID := c.sessionID
	adapter := c.adapter
	c.adapter = nil
	c.hbCancel()
	discarded := c.resolver.Discard(nil)
	c.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, c.config.LeaveFlushTimeout)
	if err := adapter.WaitIdle(flushCtx); err != nil {
		c.logger.Warn("Leaving with unsent edits", map[string]interface{}{
			"pending": adapter.Pending(),
		})
	}
	cancel()
	adapter.Stop()

	c.notifyClosed(discarded)
	err := c.service.Leave(ctx, sessionID, c.user.ID)
	c.logger.Info("Left collaboration session", map[string]interface{}{
		"session":   sessionID,
		"discarded": len(discarded),
	})
	return err
}

// Close leaves the session and stops all timers. The client cannot be
// used afterwards.
func (c *Client) Close(ctx context.Context) error {
	err := c.Leave(ctx)
	c.debounce.Stop()
	return err
}

// Edit records a local edit. The value is applied locally at once and
// broadcast after the debounce window. Edits to a target with an open
// conflict fail with a ConflictPendingError; other targets stay editable.
func (c *Client) Edit(target models.FieldTarget, value interface{}) error {
	if err := target.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if rec := c.resolver.Get(target); rec != nil {
		c.mu.Unlock()
		return &ConflictPendingError{Target: target, Conflict: rec.Clone()}
	}
	c.tracker.Edit(target, value)
	c.mu.Unlock()

	c.schedule(target)
	return nil
}

func (c *Client) schedule(target models.FieldTarget) {
	c.debounce.Trigger(DebounceKey{Doc: c.doc, Target: target}, func() {
		c.broadcast(target)
	})
}

// broadcast emits target's latest edit. Sequence numbers are taken and the
// message queued under one lock, so the outbox holds them in order.
func (c *Client) broadcast(target models.FieldTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined || c.adapter == nil {
		return
	}
	ev, ok := c.tracker.Outgoing(target)
	if !ok {
		return
	}
	if err := c.adapter.Send(models.FieldChanged{Event: ev}); err != nil {
		c.logger.Warn("Failed to queue field change", map[string]interface{}{
			"target": target.String(),
			"error":  err.Error(),
		})
	}
}

// Value returns the local view of target, falling back to the document store
func (c *Client) Value(ctx context.Context, target models.FieldTarget) (interface{}, error) {
	c.mu.Lock()
	v, ok := c.tracker.Value(target)
	c.mu.Unlock()
	if ok || c.store == nil {
		return v, nil
	}

	v, err := c.store.GetField(ctx, c.doc, target)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", target)
	}
	c.mu.Lock()
	c.tracker.Remember(target, v)
	c.mu.Unlock()
	return v, nil
}

// Save writes pending values to the document store. Targets with an open
// conflict are skipped until the conflict is resolved.
func (c *Client) Save(ctx context.Context) error {
	ctx, span := c.tracer(ctx, "Client.Save")
	defer span.End()

	if c.store == nil {
		return errors.New("no document store configured")
	}
	c.debounce.FlushAll()

	c.mu.Lock()
	var edits []UnsavedEdit
	for _, e := range c.tracker.Unsaved() {
		if c.resolver.Get(e.Target) == nil {
			edits = append(edits, e)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, e := range edits {
		if err := c.store.SetField(ctx, c.doc, e.Target, e.Value); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "save %s", e.Target)
			}
			continue
		}
		c.mu.Lock()
		c.tracker.MarkSaved(e.Target, e.Revision)
		c.mu.Unlock()
	}
	if firstErr != nil {
		span.RecordError(firstErr)
	}
	return firstErr
}

// Conflicts lists the open conflict records, oldest first
func (c *Client) Conflicts() []*models.ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver.Pending()
}

// Conflict returns the open conflict on target, or nil
func (c *Client) Conflict(target models.FieldTarget) *models.ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec := c.resolver.Get(target); rec != nil {
		return rec.Clone()
	}
	return nil
}

// HasPending reports whether target has an unsaved local value
func (c *Client) HasPending(target models.FieldTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracker.Pending(target)
	return ok
}

// Resolve settles the open conflict on target. The chosen value becomes
// canonical: it is applied locally, written to the document store and
// announced to the remote party with a resolution notice.
func (c *Client) Resolve(ctx context.Context, target models.FieldTarget, strategy models.ResolutionStrategy) (interface{}, error) {
	ctx, span := c.tracer(ctx, "Client.Resolve")
	defer span.End()
	span.SetAttribute("strategy", string(strategy))

	c.mu.Lock()
	rec, err := c.resolver.Decide(target, strategy)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	value := rec.ResolvedValue
	c.tracker.Apply(target, value)
	c.tracker.ClearPending(target)
	c.debounce.Cancel(DebounceKey{Doc: c.doc, Target: target})

	if c.joined && c.adapter != nil {
		notice := models.ResolutionNotice{
			FieldTarget:      target,
			Resolution:       rec.Outcome,
			WinningValue:     value,
			ResolvedBy:       c.user.ID,
			ResolverClient:   c.clientID,
			ResolverSequence: c.tracker.LastSent(target),
			RemoteUser:       rec.RemoteUser,
			RemoteClient:     rec.RemoteClient,
			RemoteSequence:   rec.RemoteSequence,
			ResolvedAt:       c.now(),
		}
		if err := c.adapter.Send(models.ConflictResolved{Doc: c.doc, Notice: notice}); err != nil {
			c.logger.Warn("Failed to queue resolution notice", map[string]interface{}{
				"target": target.String(),
				"error":  err.Error(),
			})
		}
	}
	c.mu.Unlock()

	c.metrics.IncrementCounterWithLabels("conflicts_total", 1, map[string]string{"outcome": string(rec.Outcome)})
	c.logger.Info("Conflict resolved", map[string]interface{}{
		"target":  target.String(),
		"outcome": string(rec.Outcome),
	})
	c.notifyClosed([]*models.ConflictRecord{rec})

	if c.store != nil {
		if err := c.store.SetField(ctx, c.doc, target, value); err != nil {
			c.mu.Lock()
			c.tracker.Edit(target, value)
			c.mu.Unlock()
			span.RecordError(err)
			return value, errors.Wrapf(err, "persist resolution of %s", target)
		}
	}
	return value, nil
}

// AwaitResolution blocks until the conflict on target is closed, either by
// a local or remote decision or by being discarded, or until ctx ends
func (c *Client) AwaitResolution(ctx context.Context, target models.FieldTarget) (interface{}, error) {
	c.mu.Lock()
	ch, ok := c.resolver.Wait(target)
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoConflict
	}

	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendChat posts a chat message to the session
func (c *Client) SendChat(ctx context.Context, text string) (*models.ChatMessage, error) {
	sessionID, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	return c.service.PostChat(ctx, sessionID, c.user.ID, text)
}

// MoveCursor shares this user's focus with the session. Leaving a field
// broadcasts its pending edit without waiting for the debounce window.
func (c *Client) MoveCursor(ctx context.Context, target models.FieldTarget, position int) error {
	sessionID, err := c.currentSession()
	if err != nil {
		return err
	}

	c.mu.Lock()
	left := c.focus
	c.focus = target
	c.mu.Unlock()
	if left.Field != "" && left != target {
		c.debounce.Flush(DebounceKey{Doc: c.doc, Target: left})
	}

	return c.service.MoveCursor(ctx, sessionID, c.user.ID, target, position)
}

// Connected reports whether the client is joined and its outbound messages
// are reaching the bus
func (c *Client) Connected() bool {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	return adapter != nil && adapter.Connected()
}

// Roster returns the last known participants
func (c *Client) Roster() []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CloneParticipants(c.roster)
}

// SessionID returns the current session id, empty when not joined
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Joined reports whether the client is attached to a session
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) currentSession() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return "", ErrNotJoined
	}
	return c.sessionID, nil
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat(ctx)
		}
	}
}

// beat sends one heartbeat and rejoins when the registry no longer knows
// this user
func (c *Client) beat(ctx context.Context) {
	sessionID, err := c.currentSession()
	if err != nil {
		return
	}

	err = c.service.Heartbeat(ctx, sessionID, c.user.ID)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrSessionNotFound):
		c.logger.Info("Heartbeat rejected, rejoining", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
		res, err := c.service.Join(ctx, c.doc, c.user)
		if err != nil {
			c.logger.Warn("Rejoin failed", map[string]interface{}{"error": err.Error()})
			return
		}
		c.mu.Lock()
		if !c.joined {
			c.mu.Unlock()
			return
		}
		c.sessionID = res.SessionID
		c.roster = models.CloneParticipants(res.ActiveUsers)
		c.mu.Unlock()
		if c.callbacks.OnRoster != nil {
			c.callbacks.OnRoster(models.CloneParticipants(res.ActiveUsers))
		}
	default:
		if ctx.Err() == nil {
			c.logger.Warn("Heartbeat failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (c *Client) connectivityChanged(connected bool) {
	if c.callbacks.OnConnectivity != nil {
		c.callbacks.OnConnectivity(connected)
	}
}

func (c *Client) notifyClosed(records []*models.ConflictRecord) {
	for _, rec := range records {
		if rec.Outcome == models.OutcomeDiscarded {
			c.metrics.IncrementCounterWithLabels("conflicts_total", 1, map[string]string{"outcome": string(rec.Outcome)})
		}
		if c.callbacks.OnConflictClosed != nil {
			c.callbacks.OnConflictClosed(rec)
		}
	}
}

func (c *Client) userJoined(m models.UserJoined) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.roster = models.CloneParticipants(m.ActiveUsers)
	c.mu.Unlock()

	if c.callbacks.OnRoster != nil {
		c.callbacks.OnRoster(models.CloneParticipants(m.ActiveUsers))
	}
}

// userLeft updates the roster and discards conflicts with the departed
// user; local pending values stay as ordinary unsaved edits
func (c *Client) userLeft(m models.UserLeft) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.roster = models.CloneParticipants(m.ActiveUsers)
	var discarded []*models.ConflictRecord
	if m.User != c.user.ID {
		discarded = c.resolver.Discard(func(rec *models.ConflictRecord) bool {
			return rec.RemoteUser == m.User
		})
	}
	c.mu.Unlock()

	if c.callbacks.OnRoster != nil {
		c.callbacks.OnRoster(models.CloneParticipants(m.ActiveUsers))
	}
	c.notifyClosed(discarded)
}

func (c *Client) fieldChanged(ev models.FieldChangeEvent) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}

	var notify func()
	if rec := c.resolver.Get(ev.FieldTarget); rec != nil {
		if ev.User != c.user.ID {
			updated := c.resolver.Refresh(ev).Clone()
			notify = func() {
				if c.callbacks.OnConflict != nil {
					c.callbacks.OnConflict(updated)
				}
			}
		}
	} else {
		switch c.tracker.Receive(ev) {
		case RemoteApplied:
			target, value, user := ev.FieldTarget, ev.Value, ev.User
			notify = func() {
				if c.callbacks.OnFieldApplied != nil {
					c.callbacks.OnFieldApplied(target, value, user)
				}
			}
		case RemoteConflict:
			local, _ := c.tracker.Pending(ev.FieldTarget)
			rec := c.resolver.Open(c.doc, c.tracker.Kind(ev.FieldTarget), local, ev).Clone()
			c.metrics.IncrementCounterWithLabels("conflicts_total", 1, map[string]string{"outcome": string(models.OutcomePending)})
			c.logger.Info("Conflict detected", map[string]interface{}{
				"target":      ev.FieldTarget.String(),
				"remote_user": ev.User,
			})
			notify = func() {
				if c.callbacks.OnConflict != nil {
					c.callbacks.OnConflict(rec)
				}
			}
		case RemoteMatched, RemoteEcho:
		}
	}
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (c *Client) cursorMoved(m models.CursorMoved) {
	if m.User == c.user.ID || !c.Joined() {
		return
	}
	if c.callbacks.OnCursor != nil {
		c.callbacks.OnCursor(m)
	}
}

func (c *Client) chatPosted(m models.ChatPosted) {
	if !c.Joined() {
		return
	}
	if c.callbacks.OnChat != nil {
		c.callbacks.OnChat(m.Chat)
	}
}

// conflictResolved applies a peer's resolution. The addressed client
// closes its matching record; anyone without local state on the target
// adopts the winning value unless a newer change already replaced it.
func (c *Client) conflictResolved(n models.ResolutionNotice, superseded bool) {
	c.mu.Lock()
	if !c.joined || n.ResolvedBy == c.user.ID {
		c.mu.Unlock()
		return
	}

	target := n.FieldTarget
	rec := c.resolver.Get(target)
	addressed := n.AddressedTo(c.Origin())

	var closed *models.ConflictRecord
	adopt := false
	switch {
	case rec != nil:
		if addressed && rec.RemoteUser == n.ResolvedBy {
			closed = c.resolver.Settle(target, n.WinningValue)
			adopt = true
		}
	case superseded:
	case addressed:
		_, pending := c.tracker.Pending(target)
		adopt = !pending || (!c.tracker.HasUnsent(target) && c.tracker.LastSent(target) <= n.RemoteSequence)
	default:
		_, pending := c.tracker.Pending(target)
		adopt = !pending
	}

	if adopt {
		c.tracker.Apply(target, n.WinningValue)
		c.tracker.ClearPending(target)
		c.debounce.Cancel(DebounceKey{Doc: c.doc, Target: target})
	}
	c.mu.Unlock()

	if closed != nil {
		c.metrics.IncrementCounterWithLabels("conflicts_total", 1, map[string]string{"outcome": string(closed.Outcome)})
		c.notifyClosed([]*models.ConflictRecord{closed})
	}
	if adopt && c.callbacks.OnFieldApplied != nil {
		c.callbacks.OnFieldApplied(target, n.WinningValue, n.ResolvedBy)
	}
}
