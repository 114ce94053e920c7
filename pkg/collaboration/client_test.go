package collaboration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// uiLog records what a client reports through its callbacks
type uiLog struct {
	mu           sync.Mutex
	opened       []*models.ConflictRecord
	closed       []*models.ConflictRecord
	applied      map[models.FieldTarget]interface{}
	connectivity []bool
	rosters      int
	chats        []string
	cursors      []models.FieldTarget
}

func (l *uiLog) callbacks() Callbacks {
	return Callbacks{
		OnRoster: func([]models.Participant) {
			l.mu.Lock()
			l.rosters++
			l.mu.Unlock()
		},
		OnConflict: func(rec *models.ConflictRecord) {
			l.mu.Lock()
			l.opened = append(l.opened, rec)
			l.mu.Unlock()
		},
		OnConflictClosed: func(rec *models.ConflictRecord) {
			l.mu.Lock()
			l.closed = append(l.closed, rec)
			l.mu.Unlock()
		},
		OnFieldApplied: func(target models.FieldTarget, value interface{}, _ string) {
			l.mu.Lock()
			if l.applied == nil {
				l.applied = make(map[models.FieldTarget]interface{})
			}
			l.applied[target] = value
			l.mu.Unlock()
		},
		OnConnectivity: func(connected bool) {
			l.mu.Lock()
			l.connectivity = append(l.connectivity, connected)
			l.mu.Unlock()
		},
		OnChat: func(m models.ChatMessage) {
			l.mu.Lock()
			l.chats = append(l.chats, m.Message)
			l.mu.Unlock()
		},
		OnCursor: func(m models.CursorMoved) {
			l.mu.Lock()
			l.cursors = append(l.cursors, m.Target)
			l.mu.Unlock()
		},
	}
}

func (l *uiLog) hasClosed(outcomes ...models.ConflictOutcome) func() bool {
	return func() bool {
		got := l.closedOutcomes()
		if len(got) != len(outcomes) {
			return false
		}
		for i := range got {
			if got[i] != outcomes[i] {
				return false
			}
		}
		return true
	}
}

func (l *uiLog) connectivityIs(want ...bool) func() bool {
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.connectivity) != len(want) {
			return false
		}
		for i := range want {
			if l.connectivity[i] != want[i] {
				return false
			}
		}
		return true
	}
}

func (l *uiLog) closedOutcomes() []models.ConflictOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ConflictOutcome, 0, len(l.closed))
	for _, rec := range l.closed {
		out = append(out, rec.Outcome)
	}
	return out
}

func (l *uiLog) appliedValue(target models.FieldTarget) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied[target]
}

type editingPair struct {
	*registryFixture
	alice, bob     *Client
	aliceUI, bobUI *uiLog
}

func newEditingPair(t *testing.T) *editingPair {
	t.Helper()
	p := &editingPair{
		registryFixture: newRegistryFixture(t, RegistryConfig{}),
		aliceUI:         &uiLog{},
		bobUI:           &uiLog{},
	}
	p.alice = newTestClient(t, p.registry, p.bus, user("alice"), clientConfig(20*time.Millisecond), p.aliceUI.callbacks())
	p.bob = newTestClient(t, p.registry, p.bus, user("bob"), clientConfig(20*time.Millisecond), p.bobUI.callbacks())
	t.Cleanup(func() {
		_ = p.alice.Close(context.Background())
		_ = p.bob.Close(context.Background())
	})

	ctx := context.Background()
	_, err := p.alice.Join(ctx)
	require.NoError(t, err)
	_, err = p.bob.Join(ctx)
	require.NoError(t, err)
	eventually(t, func() bool { return len(p.alice.Roster()) == 2 }, "alice sees bob join")
	return p
}

// conflictOnQuantity makes both users edit the same field before either
// sees the other's change
func (p *editingPair) conflictOnQuantity(t *testing.T) {
	t.Helper()
	require.NoError(t, p.alice.Edit(quantity, 5))
	require.NoError(t, p.bob.Edit(quantity, 7))
	eventually(t, func() bool {
		return p.alice.Conflict(quantity) != nil && p.bob.Conflict(quantity) != nil
	}, "both sides detect the conflict")
}

func TestClient_DebouncesRapidEdits(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	tp := newTap(t, f.bus, boq)
	c := newTestClient(t, f.registry, f.bus, user("alice"), clientConfig(30*time.Millisecond), Callbacks{})
	defer c.Close(context.Background())

	_, err := c.Join(context.Background())
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, c.Edit(quantity, i))
	}
	v, err := c.Value(context.Background(), quantity)
	require.NoError(t, err)
	assert.Equal(t, 10, v, "edits are visible locally at once")

	eventually(t, func() bool { return tp.count(models.KindFieldChanged) == 1 }, "one broadcast for the burst")
	time.Sleep(80 * time.Millisecond)

	changes := tp.fieldChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, float64(10), changes[0].Value)
	assert.Equal(t, uint64(1), changes[0].Sequence)
	assert.Equal(t, c.Origin(), changes[0].Origin())
}

func TestClient_RemoteChangeApplies(t *testing.T) {
	p := newEditingPair(t)
	rate := models.FieldTarget{Field: "rate", Row: "row-1"}

	require.NoError(t, p.alice.Edit(rate, 12.5))
	eventually(t, func() bool { return p.bobUI.appliedValue(rate) != nil }, "bob receives the change")

	v, err := p.bob.Value(context.Background(), rate)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)
	assert.False(t, p.bob.HasPending(rate))
	assert.Empty(t, p.bob.Conflicts())
}

func TestClient_MergeResolution(t *testing.T) {
	p := newEditingPair(t)
	p.conflictOnQuantity(t)

	rec := p.alice.Conflict(quantity)
	assert.Equal(t, "bob", rec.RemoteUser)
	assert.Equal(t, 5, rec.LocalValue)
	assert.Equal(t, float64(7), rec.RemoteValue)

	peer := p.bob.Conflict(quantity)
	assert.Equal(t, "alice", peer.RemoteUser)
	assert.Equal(t, 7, peer.LocalValue)

	value, err := p.alice.Resolve(context.Background(), quantity, models.StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, "5 | 7", value)
	assert.Nil(t, p.alice.Conflict(quantity))
	assert.False(t, p.alice.HasPending(quantity), "the resolved value is canonical")

	eventually(t, func() bool { return p.bob.Conflict(quantity) == nil }, "the notice closes bob's record")
	eventually(t, p.bobUI.hasClosed(models.OutcomeMerged), "bob's record closes as merged")

	v, err := p.bob.Value(context.Background(), quantity)
	require.NoError(t, err)
	assert.Equal(t, "5 | 7", v)
	assert.False(t, p.bob.HasPending(quantity))
}

func TestClient_AcceptRemoteResolution(t *testing.T) {
	p := newEditingPair(t)
	p.conflictOnQuantity(t)

	value, err := p.alice.Resolve(context.Background(), quantity, models.StrategyAcceptRemote)
	require.NoError(t, err)
	assert.Equal(t, float64(7), value)
	assert.False(t, p.alice.HasPending(quantity))
	assert.Equal(t, []models.ConflictOutcome{models.OutcomeAcceptRemote}, p.aliceUI.closedOutcomes())

	eventually(t, p.bobUI.hasClosed(models.OutcomeKeepLocal), "bob's own value won")
	assert.Nil(t, p.bob.Conflict(quantity))

	_, err = p.alice.Resolve(context.Background(), quantity, models.StrategyKeepLocal)
	assert.ErrorIs(t, err, ErrNoConflict)
}

func TestClient_PendingConflictBlocksOnlyItsField(t *testing.T) {
	p := newEditingPair(t)
	p.conflictOnQuantity(t)

	err := p.alice.Edit(quantity, 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflictPending))
	var cpe *ConflictPendingError
	require.True(t, errors.As(err, &cpe))
	assert.Equal(t, quantity, cpe.Target)
	assert.Equal(t, "bob", cpe.Conflict.RemoteUser)

	assert.NoError(t, p.alice.Edit(models.FieldTarget{Field: "rate", Row: "row-1"}, 3))
	assert.NoError(t, p.alice.Edit(models.FieldTarget{Field: "quantity", Row: "row-2"}, 3))
}

func TestClient_NumericConflictCannotMerge(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	cfg := clientConfig(20 * time.Millisecond)
	cfg.FieldKinds = map[string]models.FieldKind{"quantity": models.FieldKindNumeric}
	alice := newTestClient(t, f.registry, f.bus, user("alice"), cfg, Callbacks{})
	bob := newTestClient(t, f.registry, f.bus, user("bob"), cfg, Callbacks{})
	defer alice.Close(context.Background())
	defer bob.Close(context.Background())

	ctx := context.Background()
	_, err := alice.Join(ctx)
	require.NoError(t, err)
	_, err = bob.Join(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.Edit(quantity, 5))
	require.NoError(t, bob.Edit(quantity, 7))
	eventually(t, func() bool { return alice.Conflict(quantity) != nil }, "conflict on a numeric field")

	_, err = alice.Resolve(ctx, quantity, models.StrategyMerge)
	assert.ErrorIs(t, err, ErrStrategyNotAllowed)
	assert.NotNil(t, alice.Conflict(quantity))
}

func TestClient_RemoteLeaveDiscardsConflict(t *testing.T) {
	p := newEditingPair(t)
	p.conflictOnQuantity(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.alice.AwaitResolution(context.Background(), quantity)
		done <- err
	}()
	eventually(t, func() bool {
		p.alice.mu.Lock()
		defer p.alice.mu.Unlock()
		return len(p.alice.resolver.waiters[quantity]) == 1
	}, "waiter registered")

	require.NoError(t, p.bob.Leave(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConflictDiscarded)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitResolution did not return")
	}

	assert.Nil(t, p.alice.Conflict(quantity))
	assert.True(t, p.alice.HasPending(quantity), "the local value stays unsaved")
	eventually(t, p.aliceUI.hasClosed(models.OutcomeDiscarded), "alice is told the conflict closed")
	assert.Len(t, p.alice.Roster(), 1)

	assert.Nil(t, p.bob.Conflict(quantity), "the leaving client drops its own records")
	assert.NoError(t, p.bob.Leave(context.Background()), "leave is idempotent")
}

func TestClient_EditBeforeJoinIsSentOnJoin(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	tp := newTap(t, f.bus, boq)
	c := newTestClient(t, f.registry, f.bus, user("alice"), clientConfig(10*time.Millisecond), Callbacks{})
	defer c.Close(context.Background())

	require.NoError(t, c.Edit(quantity, 4))
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, tp.count(models.KindFieldChanged), "not joined yet")

	assert.ErrorIs(t, c.MoveCursor(context.Background(), quantity, 0), ErrNotJoined)

	_, err := c.Join(context.Background())
	require.NoError(t, err)
	eventually(t, func() bool { return tp.count(models.KindFieldChanged) == 1 }, "queued edit goes out after join")
	assert.Equal(t, float64(4), tp.fieldChanges()[0].Value)
}

func TestClient_Save(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	store := newMemoryStore()
	c, err := NewClient(boq, user("alice"), ClientOptions{
		Service: f.registry,
		Bus:     f.bus,
		Store:   store,
		Config:  clientConfig(time.Hour),
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	rate := models.FieldTarget{Field: "rate", Row: "row-1"}
	require.NoError(t, c.Edit(rate, 12))

	store.mu.Lock()
	store.fail = errors.New("disk full")
	store.mu.Unlock()
	assert.Error(t, c.Save(context.Background()))
	assert.True(t, c.HasPending(rate))

	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()
	require.NoError(t, c.Save(context.Background()))
	assert.Equal(t, 12, store.get(rate))
	assert.False(t, c.HasPending(rate))

	store.mu.Lock()
	store.fields[quantity] = 3
	store.mu.Unlock()
	v, err := c.Value(context.Background(), quantity)
	require.NoError(t, err)
	assert.Equal(t, 3, v, "unknown fields are read through the store")
}

func TestClient_HeartbeatRejoins(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{HeartbeatInterval: 30 * time.Second, MissedHeartbeats: 3})
	ui := &uiLog{}
	cfg := clientConfig(20 * time.Millisecond)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	c := newTestClient(t, f.registry, f.bus, user("alice"), cfg, ui.callbacks())
	defer c.Close(context.Background())

	res, err := c.Join(context.Background())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.registry.CleanupExpired(context.Background())
	require.NoError(t, err)

	eventually(t, func() bool {
		roster, err := f.registry.Roster(res.SessionID)
		return err == nil && len(roster) == 1
	}, "the client joins again")
	assert.NotEmpty(t, f.captured.ofKind(models.KindUserLeft))
	assert.Equal(t, res.SessionID, c.SessionID())
}

func TestClient_ReportsConnectivity(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	ui := &uiLog{}
	c := newTestClient(t, f.registry, f.bus, user("alice"), clientConfig(5*time.Millisecond), ui.callbacks())
	defer c.Close(context.Background())

	_, err := c.Join(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Connected())

	f.bus.SetOffline(true)
	require.NoError(t, c.Edit(quantity, 1))
	eventually(t, func() bool { return !c.Connected() }, "offline is reported")

	require.NoError(t, c.Edit(quantity, 2), "editing continues offline")

	f.bus.SetOffline(false)
	eventually(t, c.Connected, "reconnects")
	eventually(t, ui.connectivityIs(false, true), "one transition each way")
}

func TestClient_ChatAndCursor(t *testing.T) {
	p := newEditingPair(t)
	ctx := context.Background()

	_, err := p.alice.SendChat(ctx, "check row 1")
	require.NoError(t, err)
	require.NoError(t, p.alice.MoveCursor(ctx, quantity, 2))

	eventually(t, func() bool {
		p.bobUI.mu.Lock()
		defer p.bobUI.mu.Unlock()
		return len(p.bobUI.chats) == 1 && len(p.bobUI.cursors) == 1
	}, "bob sees chat and cursor")

	p.bobUI.mu.Lock()
	assert.Equal(t, "check row 1", p.bobUI.chats[0])
	assert.Equal(t, quantity, p.bobUI.cursors[0])
	p.bobUI.mu.Unlock()

	p.aliceUI.mu.Lock()
	assert.Empty(t, p.aliceUI.cursors, "own cursor is not echoed")
	p.aliceUI.mu.Unlock()
}

func TestClient_LeavingFieldFlushesEdit(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	tp := newTap(t, f.bus, boq)
	c := newTestClient(t, f.registry, f.bus, user("alice"), clientConfig(time.Hour), Callbacks{})
	defer c.Close(context.Background())
	ctx := context.Background()
	rate := models.FieldTarget{Field: "rate", Row: "row-1"}

	_, err := c.Join(ctx)
	require.NoError(t, err)

	require.NoError(t, c.MoveCursor(ctx, quantity, 0))
	require.NoError(t, c.Edit(quantity, 12))
	require.NoError(t, c.MoveCursor(ctx, quantity, 2))
	require.NoError(t, c.Edit(rate, 4))
	assert.Zero(t, tp.count(models.KindFieldChanged), "moving within a field keeps the edit pending")

	require.NoError(t, c.MoveCursor(ctx, rate, 0))
	eventually(t, func() bool { return tp.count(models.KindFieldChanged) == 1 }, "the left field is broadcast")

	changes := tp.fieldChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, quantity, changes[0].FieldTarget)
	assert.Equal(t, float64(12), changes[0].Value)
	assert.True(t, c.HasPending(rate), "the focused field still waits")
}

func TestClient_BystanderIgnoresRedeliveredNotice(t *testing.T) {
	f := newRegistryFixture(t, RegistryConfig{})
	ui := &uiLog{}
	carol := newTestClient(t, f.registry, f.bus, user("carol"), clientConfig(20*time.Millisecond), ui.callbacks())
	t.Cleanup(func() { _ = carol.Close(context.Background()) })

	ctx := context.Background()
	_, err := carol.Join(ctx)
	require.NoError(t, err)

	rate := models.FieldTarget{Field: "rate", Row: "row-1"}
	publish := func(msg models.Message) {
		require.NoError(t, f.bus.Publish(ctx, boq.Topic(), encode(t, msg)))
	}
	valueIs := func(target models.FieldTarget, want interface{}) func() bool {
		return func() bool {
			v, err := carol.Value(ctx, target)
			return err == nil && v == want
		}
	}
	chats := func() int {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		return len(ui.chats)
	}
	notice := func(target models.FieldTarget, remoteSeq uint64) models.Message {
		return models.ConflictResolved{Doc: boq, Notice: models.ResolutionNotice{
			FieldTarget:      target,
			Resolution:       models.OutcomeKeepLocal,
			WinningValue:     "120",
			ResolvedBy:       "alice",
			ResolverClient:   "alice-client",
			ResolverSequence: 1,
			RemoteUser:       "bob",
			RemoteClient:     "bob-client",
			RemoteSequence:   remoteSeq,
		}}
	}

	publish(models.FieldChanged{Event: remoteChange("bob", 1, quantity, "100")})
	eventually(t, valueIs(quantity, "100"), "bob's first value applies")

	publish(notice(quantity, 1))
	eventually(t, valueIs(quantity, "120"), "bystander adopts the winner")

	publish(models.FieldChanged{Event: remoteChange("bob", 2, quantity, "200")})
	eventually(t, valueIs(quantity, "200"), "bob's newer value applies")

	publish(notice(quantity, 1))
	publish(models.ChatPosted{Doc: boq, Chat: models.ChatMessage{ID: "m1", User: "dave", Message: "sync"}})
	eventually(t, func() bool { return chats() == 1 }, "marker delivered")
	assert.True(t, valueIs(quantity, "200")(), "a redelivered notice must not roll the field back")

	// a notice arriving after a newer change on its target is not adopted
	publish(models.FieldChanged{Event: remoteChange("bob", 3, rate, "300")})
	eventually(t, valueIs(rate, "300"), "bob's rate applies")
	publish(notice(rate, 1))
	publish(models.ChatPosted{Doc: boq, Chat: models.ChatMessage{ID: "m2", User: "dave", Message: "sync"}})
	eventually(t, func() bool { return chats() == 2 }, "marker delivered")
	assert.True(t, valueIs(rate, "300")(), "a late notice must not replace a newer change")
}
