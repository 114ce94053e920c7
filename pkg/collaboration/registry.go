package collaboration

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

// ErrEmptyChat is returned for chat messages with no text
var ErrEmptyChat = errors.New("chat message is empty")

// RegistryConfig holds the session registry timings and history limits
type RegistryConfig struct {
	HeartbeatInterval  time.Duration    `mapstructure:"heartbeat_interval"`
	MissedHeartbeats   int              `mapstructure:"missed_heartbeats"`
	InactivityTimeout  time.Duration    `mapstructure:"inactivity_timeout"`
	ActiveWindow       time.Duration    `mapstructure:"active_window"`
	ChangeHistoryLimit int              `mapstructure:"change_history_limit"`
	ChatHistoryLimit   int              `mapstructure:"chat_history_limit"`
	StatusChanges      int              `mapstructure:"status_changes"`
	StatusMessages     int              `mapstructure:"status_messages"`
	Cursor             CursorRateConfig `mapstructure:"cursor_rate"`
}

// DefaultRegistryConfig returns the production defaults
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatInterval:  30 * time.Second,
		MissedHeartbeats:   3,
		InactivityTimeout:  time.Hour,
		ActiveWindow:       5 * time.Minute,
		ChangeHistoryLimit: 100,
		ChatHistoryLimit:   50,
		StatusChanges:      10,
		StatusMessages:     20,
		Cursor:             CursorRateConfig{PerSecond: 20, Burst: 5},
	}
}

// HeartbeatTTL is how long a participant may stay silent before it is
// treated as departed
func (c RegistryConfig) HeartbeatTTL() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	d := DefaultRegistryConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = d.MissedHeartbeats
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = d.ActiveWindow
	}
	if c.ChangeHistoryLimit <= 0 {
		c.ChangeHistoryLimit = d.ChangeHistoryLimit
	}
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = d.ChatHistoryLimit
	}
	if c.StatusChanges <= 0 {
		c.StatusChanges = d.StatusChanges
	}
	if c.StatusMessages <= 0 {
		c.StatusMessages = d.StatusMessages
	}
	return c
}

// CleanupReport summarises one CleanupExpired sweep
type CleanupReport struct {
	Expired   int `json:"expired"`
	Destroyed int `json:"destroyed"`
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithAccessGate installs the join admission hook
func WithAccessGate(gate AccessGate) RegistryOption {
	return func(r *Registry) {
		if gate != nil {
			r.gate = gate
		}
	}
}

// WithMembershipStore persists joins and leaves
func WithMembershipStore(store MembershipStore) RegistryOption {
	return func(r *Registry) {
		if store != nil {
			r.members = store
		}
	}
}

// WithSnapshotStore caches session state across restarts
func WithSnapshotStore(store SnapshotStore) RegistryOption {
	return func(r *Registry) {
		if store != nil {
			r.snapshots = store
		}
	}
}

// WithPublisher overrides the publisher used for presence broadcasts.
// Subscriptions still go through the registry's bus.
func WithPublisher(p bus.Publisher) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry tracks which users are active on which document. It is the only
// writer of session rosters.
type Registry struct {
	config    RegistryConfig
	bus       bus.Bus
	publisher bus.Publisher
	presence  *Presence
	gate      AccessGate
	members   MembershipStore
	snapshots SnapshotStore
	logger    observability.Logger
	metrics   observability.MetricsClient
	tracer    observability.StartSpanFunc
	now       func() time.Time

	loads singleflight.Group

	mu     sync.Mutex
	byDoc  map[models.DocumentRef]*session
	byID   map[string]*session
	closed bool
}

// NewRegistry creates a registry broadcasting on b
func NewRegistry(b bus.Bus, config RegistryConfig, service ServiceConfig, opts ...RegistryOption) *Registry {
	service = service.withDefaults()
	r := &Registry{
		config:    config.withDefaults(),
		bus:       b,
		publisher: b,
		gate:      AllowAll,
		members:   noopMembership{},
		snapshots: noopSnapshots{},
		logger:    service.Logger.WithPrefix("registry"),
		metrics:   service.Metrics,
		tracer:    service.Tracer,
		now:       time.Now,
		byDoc:     make(map[models.DocumentRef]*session),
		byID:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.presence = NewPresence(r.publisher, r.config.Cursor, service)
	return r
}

// Config returns the effective configuration
func (r *Registry) Config() RegistryConfig {
	return r.config
}

// Join registers user on doc and returns the roster as of the join. The
// roster never contains participants whose heartbeat has expired.
func (r *Registry) Join(ctx context.Context, doc models.DocumentRef, user models.UserInfo) (*models.JoinResult, error) {
	ctx, span := r.tracer(ctx, "Registry.Join")
	defer span.End()
	span.SetAttribute("document", doc.String())

	if err := doc.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid document")
	}
	if user.ID == "" {
		return nil, errors.New("user id is required")
	}

	if err := r.gate.Admit(ctx, doc, user); err != nil {
		span.RecordError(err)
		r.logger.Info("Join refused", map[string]interface{}{
			"document": doc.String(),
			"user":     user.ID,
			"reason":   err.Error(),
		})
		return nil, unavailable(doc, err)
	}

	for {
		s, err := r.getOrCreate(ctx, doc)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			continue
		}

		now := r.now()
		r.pruneLocked(ctx, s, now)

		if i := s.indexOf(user.ID); i >= 0 {
			s.remove(i)
		}
		p := models.NewParticipant(user, now)
		s.participants = append(s.participants, p)
		s.touch(now)

		if err := r.members.RecordJoin(ctx, s.id, doc, p); err != nil {
			r.logger.Warn("Failed to persist join", map[string]interface{}{
				"session": s.id,
				"user":    user.ID,
				"error":   err.Error(),
			})
		}

		roster := s.roster()
		_ = r.presence.Joined(ctx, doc, p, roster)
		s.mu.Unlock()

		r.saveSnapshot(ctx, s)
		r.metrics.IncrementCounter("session_joins_total", 1)
		r.logger.Info("User joined session", map[string]interface{}{
			"session":  s.id,
			"document": doc.String(),
			"user":     user.ID,
			"roster":   len(roster),
		})

		return &models.JoinResult{SessionID: s.id, Doc: doc, ActiveUsers: roster}, nil
	}
}

// Leave detaches user from the session. Leaving a session the user is not
// part of is a no-op, so only the first call broadcasts user_left.
func (r *Registry) Leave(ctx context.Context, sessionID, userID string) error {
	ctx, span := r.tracer(ctx, "Registry.Leave")
	defer span.End()

	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	i := s.indexOf(userID)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	now := r.now()
	r.removeLocked(ctx, s, i, LeaveReasonLeft)
	s.touch(now)
	s.mu.Unlock()

	r.saveSnapshot(ctx, s)
	return nil
}

// Heartbeat refreshes user's liveness. A user that already expired gets
// ErrNotParticipant and has to join again.
func (r *Registry) Heartbeat(ctx context.Context, sessionID, userID string) error {
	ctx, span := r.tracer(ctx, "Registry.Heartbeat")
	defer span.End()

	s := r.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionNotFound
	}

	now := r.now()
	r.pruneLocked(ctx, s, now)
	i := s.indexOf(userID)
	if i < 0 {
		return ErrNotParticipant
	}
	s.participants[i].LastHeartbeat = now
	s.touch(now)
	return nil
}

// MoveCursor records user's focus and broadcasts it, subject to the
// per-user cursor rate
func (r *Registry) MoveCursor(ctx context.Context, sessionID, userID string, target models.FieldTarget, position int) error {
	ctx, span := r.tracer(ctx, "Registry.MoveCursor")
	defer span.End()

	if err := target.Validate(); err != nil {
		return err
	}

	s := r.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionNotFound
	}

	now := r.now()
	r.pruneLocked(ctx, s, now)
	i := s.indexOf(userID)
	if i < 0 {
		return ErrNotParticipant
	}

	focus := target
	pos := position
	s.participants[i].Focus = &focus
	s.participants[i].CursorPosition = &pos
	s.participants[i].LastHeartbeat = now
	s.touch(now)

	_, _ = r.presence.CursorMoved(ctx, s.doc, s.participants[i], target, position)
	return nil
}

// PostChat appends a chat message to the session and broadcasts it
func (r *Registry) PostChat(ctx context.Context, sessionID, userID, text string) (*models.ChatMessage, error) {
	ctx, span := r.tracer(ctx, "Registry.PostChat")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyChat
	}

	s := r.lookup(sessionID)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	now := r.now()
	r.pruneLocked(ctx, s, now)
	i := s.indexOf(userID)
	if i < 0 {
		s.mu.Unlock()
		return nil, ErrNotParticipant
	}
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		User:      userID,
		FullName:  s.participants[i].FullName,
		Message:   text,
		Timestamp: now,
	}
	s.participants[i].LastHeartbeat = now
	s.touch(now)
	s.mu.Unlock()

	s.recordChat(msg, r.config.ChatHistoryLimit)
	if err := r.presence.Chat(ctx, s.doc, msg); err != nil {
		r.logger.Warn("Chat message stored but not broadcast", map[string]interface{}{
			"session": s.id,
			"error":   err.Error(),
		})
	}
	r.saveSnapshot(ctx, s)
	return &msg, nil
}

// CleanupExpired removes participants whose heartbeat expired and destroys
// empty sessions idle for longer than the inactivity timeout. Concurrent
// and repeated calls are safe.
func (r *Registry) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	ctx, span := r.tracer(ctx, "Registry.CleanupExpired")
	defer span.End()

	var report CleanupReport
	sessions := r.list()
	now := r.now()

	for _, s := range sessions {
		s.mu.Lock()
		if !s.destroyed {
			report.Expired += r.pruneLocked(ctx, s, now)
		}
		s.mu.Unlock()
	}

	var doomed []*session
	r.mu.Lock()
	for _, s := range sessions {
		s.mu.Lock()
		if !s.destroyed && len(s.participants) == 0 && now.Sub(s.lastActive()) > r.config.InactivityTimeout {
			s.destroyed = true
			if r.byDoc[s.doc] == s {
				delete(r.byDoc, s.doc)
			}
			if r.byID[s.id] == s {
				delete(r.byID, s.id)
			}
			doomed = append(doomed, s)
		}
		s.mu.Unlock()
	}
	active := len(r.byDoc)
	r.mu.Unlock()

	for _, s := range doomed {
		r.release(s)
		if err := r.snapshots.Delete(ctx, s.doc); err != nil {
			r.logger.Warn("Failed to delete session snapshot", map[string]interface{}{
				"session": s.id,
				"error":   err.Error(),
			})
		}
		r.metrics.IncrementCounter("sessions_destroyed_total", 1)
		r.logger.Info("Destroyed inactive session", map[string]interface{}{
			"session":  s.id,
			"document": s.doc.String(),
		})
	}
	report.Destroyed = len(doomed)
	r.metrics.RecordGauge("sessions_active", float64(active), nil)

	if report.Expired > 0 || report.Destroyed > 0 {
		r.logger.Debug("Cleanup sweep finished", map[string]interface{}{
			"expired":   report.Expired,
			"destroyed": report.Destroyed,
		})
	}
	return report, nil
}

// Status summarises collaboration on doc. A document without a live
// session reports its cached history and no users.
func (r *Registry) Status(ctx context.Context, doc models.DocumentRef) (*models.SessionStatus, error) {
	ctx, span := r.tracer(ctx, "Registry.Status")
	defer span.End()

	status := &models.SessionStatus{
		Doc:           doc,
		ActiveUsers:   []models.Participant{},
		RecentChanges: []models.FieldChangeEvent{},
		Messages:      []models.ChatMessage{},
	}

	r.mu.Lock()
	s := r.byDoc[doc]
	r.mu.Unlock()

	if s == nil {
		snap, err := r.snapshots.Load(ctx, doc)
		if err != nil {
			r.logger.Warn("Failed to load session snapshot", map[string]interface{}{
				"document": doc.String(),
				"error":    err.Error(),
			})
			return status, nil
		}
		if snap != nil {
			status.SessionID = snap.SessionID
			status.LastActivity = snap.LastActivity
			status.RecentChanges = tail(snap.Changes, r.config.StatusChanges)
			status.Messages = tail(snap.Messages, r.config.StatusMessages)
		}
		return status, nil
	}

	now := r.now()
	ttl := r.config.HeartbeatTTL()
	s.mu.Lock()
	for _, p := range s.participants {
		if !p.ExpiredAt(now, ttl) && now.Sub(p.LastHeartbeat) <= r.config.ActiveWindow {
			status.ActiveUsers = append(status.ActiveUsers, p.Clone())
		}
	}
	s.mu.Unlock()

	status.SessionID = s.id
	status.LastActivity = s.lastActive()
	status.RecentChanges, status.Messages = s.history(r.config.StatusChanges, r.config.StatusMessages)
	status.IsCollaborative = len(status.ActiveUsers) > 1
	return status, nil
}

// FieldLocks lists the fields other participants currently have focus on
func (r *Registry) FieldLocks(ctx context.Context, doc models.DocumentRef, requester string) ([]models.FieldLock, error) {
	locks := []models.FieldLock{}

	r.mu.Lock()
	s := r.byDoc[doc]
	r.mu.Unlock()
	if s == nil {
		return locks, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.UserID == requester || p.Focus == nil {
			continue
		}
		lock := models.FieldLock{
			FieldTarget: *p.Focus,
			User:        p.UserID,
			FullName:    p.FullName,
		}
		if p.CursorPosition != nil {
			pos := *p.CursorPosition
			lock.Position = &pos
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// Roster returns the participants of a session
func (r *Registry) Roster(sessionID string) ([]models.Participant, error) {
	s := r.lookup(sessionID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster(), nil
}

// SessionID returns the id of the live session on doc, if any
func (r *Registry) SessionID(doc models.DocumentRef) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDoc[doc]
	if !ok {
		return "", false
	}
	return s.id, true
}

// SessionDocument returns the document a live session is attached to
func (r *Registry) SessionDocument(sessionID string) (models.DocumentRef, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return models.DocumentRef{}, false
	}
	return s.doc, true
}

// SessionCount returns the number of live sessions
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDoc)
}

// Close drops every history subscription. Sessions are left in the
// membership and snapshot stores for the next process.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*session, 0, len(r.byDoc))
	for _, s := range r.byDoc {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.release(s)
	}
	return nil
}

func (r *Registry) lookup(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[sessionID]
}

func (r *Registry) list() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.byDoc))
	for _, s := range r.byDoc {
		out = append(out, s)
	}
	return out
}

func (r *Registry) getOrCreate(ctx context.Context, doc models.DocumentRef) (*session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := r.byDoc[doc]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(doc.CacheKey(), func() (interface{}, error) {
		r.mu.Lock()
		if s, ok := r.byDoc[doc]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		s := r.load(ctx, doc)
		sub, err := r.bus.Subscribe(ctx, doc.Topic(), r.recorder(s))
		if err != nil {
			r.logger.Warn("Change history recorder not subscribed", map[string]interface{}{
				"document": doc.String(),
				"error":    err.Error(),
			})
		}
		s.recorder = sub

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			r.release(s)
			return nil, ErrClosed
		}
		r.byDoc[doc] = s
		r.byID[s.id] = s
		r.metrics.RecordGauge("sessions_active", float64(len(r.byDoc)), nil)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// load builds a session from the snapshot cache and the membership store.
// Both are best effort.
func (r *Registry) load(ctx context.Context, doc models.DocumentRef) *session {
	now := r.now()
	s := &session{
		id:        uuid.NewString(),
		doc:       doc,
		createdAt: now,
		recorded:  NewDeduplicator(4 * (r.config.ChangeHistoryLimit + r.config.ChatHistoryLimit)),
	}
	s.touch(now)

	snap, err := r.snapshots.Load(ctx, doc)
	if err != nil {
		r.logger.Warn("Failed to load session snapshot", map[string]interface{}{
			"document": doc.String(),
			"error":    err.Error(),
		})
	}
	if snap != nil {
		if snap.SessionID != "" {
			s.id = snap.SessionID
		}
		if !snap.CreatedAt.IsZero() {
			s.createdAt = snap.CreatedAt
		}
		for _, ev := range snap.Changes {
			s.recordChange(ev, r.config.ChangeHistoryLimit)
		}
		for _, msg := range snap.Messages {
			s.recordChat(msg, r.config.ChatHistoryLimit)
		}
	}

	roster, err := r.members.ListActive(ctx, doc)
	if err != nil {
		r.logger.Warn("Failed to restore roster", map[string]interface{}{
			"document": doc.String(),
			"error":    err.Error(),
		})
	}
	s.participants = models.CloneParticipants(roster)

	r.logger.Debug("Session created", map[string]interface{}{
		"session":  s.id,
		"document": doc.String(),
		"restored": snap != nil,
		"roster":   len(s.participants),
	})
	return s
}

// recorder keeps the session's change and chat history in step with what
// is published on its topic, whoever published it
func (r *Registry) recorder(s *session) bus.Handler {
	return func(payload []byte) {
		msg, err := models.DecodeMessage(payload)
		if err != nil {
			r.metrics.IncrementCounterWithLabels("events_discarded_total", 1, map[string]string{"reason": "malformed"})
			r.logger.Debug("Ignoring undecodable message", map[string]interface{}{
				"session": s.id,
				"error":   err.Error(),
			})
			return
		}
		if msg.Document() != s.doc {
			return
		}

		changed := false
		switch m := msg.(type) {
		case models.FieldChanged:
			changed = s.recordChange(m.Event, r.config.ChangeHistoryLimit)
		case models.ChatPosted:
			changed = s.recordChat(m.Chat, r.config.ChatHistoryLimit)
		case models.UserJoined, models.UserLeft, models.CursorMoved, models.ConflictResolved:
		}
		if changed {
			s.touch(r.now())
			r.saveSnapshot(context.Background(), s)
		}
	}
}

// pruneLocked removes expired participants of s, broadcasting user_left for
// each. The caller holds s.mu.
func (r *Registry) pruneLocked(ctx context.Context, s *session, now time.Time) int {
	ttl := r.config.HeartbeatTTL()
	removed := 0
	for i := 0; i < len(s.participants); {
		if s.participants[i].ExpiredAt(now, ttl) {
			r.removeLocked(ctx, s, i, LeaveReasonExpired)
			removed++
			continue
		}
		i++
	}
	return removed
}

func (r *Registry) removeLocked(ctx context.Context, s *session, i int, reason string) {
	userID := s.participants[i].UserID
	s.remove(i)

	if err := r.members.RecordLeave(ctx, s.id, s.doc, userID); err != nil {
		r.logger.Warn("Failed to persist leave", map[string]interface{}{
			"session": s.id,
			"user":    userID,
			"error":   err.Error(),
		})
	}
	_ = r.presence.Left(ctx, s.doc, userID, reason, s.roster())

	r.metrics.IncrementCounterWithLabels("session_leaves_total", 1, map[string]string{"reason": reason})
	r.logger.Info("User left session", map[string]interface{}{
		"session": s.id,
		"user":    userID,
		"reason":  reason,
	})
}

func (r *Registry) release(s *session) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Unsubscribe(); err != nil {
		r.logger.Debug("Failed to unsubscribe history recorder", map[string]interface{}{
			"session": s.id,
			"error":   err.Error(),
		})
	}
}

func (r *Registry) saveSnapshot(ctx context.Context, s *session) {
	if err := r.snapshots.Save(ctx, s.snapshot()); err != nil {
		r.logger.Warn("Failed to save session snapshot", map[string]interface{}{
			"session": s.id,
			"error":   err.Error(),
		})
	}
}

type noopMembership struct{}

func (noopMembership) RecordJoin(context.Context, string, models.DocumentRef, models.Participant) error {
	return nil
}

func (noopMembership) RecordLeave(context.Context, string, models.DocumentRef, string) error {
	return nil
}

func (noopMembership) ListActive(context.Context, models.DocumentRef) ([]models.Participant, error) {
	return nil, nil
}

type noopSnapshots struct{}

func (noopSnapshots) Load(context.Context, models.DocumentRef) (*models.SessionSnapshot, error) {
	return nil, nil
}

func (noopSnapshots) Save(context.Context, *models.SessionSnapshot) error { return nil }

func (noopSnapshots) Delete(context.Context, models.DocumentRef) error { return nil }
