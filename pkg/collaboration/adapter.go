package collaboration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
	"github.com/developer-mesh/collabcore/pkg/retry"
)

// AdapterConfig tunes the message bus adapter
type AdapterConfig struct {
	// ReorderWindow is how long a gap in one origin's sequence is held open
	// before the held events are delivered anyway
	ReorderWindow time.Duration     `mapstructure:"reorder_window"`
	DedupWindow   int               `mapstructure:"dedup_window"`
	OutboxLimit   int               `mapstructure:"outbox_limit"`
	InboxSize     int               `mapstructure:"inbox_size"`
	Retry         retry.Config      `mapstructure:"retry"`
	Breaker       bus.BreakerConfig `mapstructure:"breaker"`
}

// DefaultAdapterConfig returns the production defaults
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ReorderWindow: 250 * time.Millisecond,
		DedupWindow:   defaultDedupWindow,
		OutboxLimit:   1000,
		InboxSize:     256,
		Retry:         retry.DefaultConfig(),
		Breaker:       bus.DefaultBreakerConfig(),
	}
}

func (c AdapterConfig) withDefaults() AdapterConfig {
	d := DefaultAdapterConfig()
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = d.ReorderWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = d.OutboxLimit
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = d.Retry
	}
	if c.Breaker == (bus.BreakerConfig{}) {
		c.Breaker = d.Breaker
	}
	return c
}

// inbound receives dispatched messages, one method per message kind
type inbound interface {
	userJoined(m models.UserJoined)
	userLeft(m models.UserLeft)
	fieldChanged(ev models.FieldChangeEvent)
	cursorMoved(m models.CursorMoved)
	chatPosted(m models.ChatPosted)
	// superseded is set when a newer change to the target from the resolver
	// or the answered stream was applied before the notice arrived
	conflictResolved(n models.ResolutionNotice, superseded bool)
}

type targetOrigin struct {
	target models.FieldTarget
	origin models.Origin
}

// originStream restores one origin's sequence order
type originStream struct {
	next uint64
	held map[uint64]models.FieldChangeEvent
}

type outbound struct {
	payload []byte
	kind    models.MessageKind
}

// Adapter connects one client to its document topic. Inbound payloads are
// decoded, deduplicated, put back in per-origin order and dispatched on a
// single goroutine. Outbound messages go through a FIFO outbox drained by
// a sender that retries with backoff while the transport is down.
type Adapter struct {
	doc       models.DocumentRef
	bus       bus.Bus
	publisher *bus.ResilientPublisher
	handler   inbound
	dedup     *Deduplicator
	config    AdapterConfig
	logger    observability.Logger
	metrics   observability.MetricsClient

	onConnectivity func(connected bool)

	// owned by the dispatch goroutine
	streams map[models.Origin]*originStream
	applied map[targetOrigin]uint64
	flushC  <-chan time.Time
	flushT  *time.Timer

	inbox  chan []byte
	wake   chan struct{}
	cancel context.CancelFunc
	sub    bus.Subscription

	outMu      sync.Mutex
	outbox     []outbound
	connected  bool
	subscribed bool
	started    bool
	stopped    bool
}

// newAdapter creates an adapter for doc delivering to handler
func newAdapter(doc models.DocumentRef, b bus.Bus, handler inbound, config AdapterConfig, service ServiceConfig, onConnectivity func(bool)) *Adapter {
	config = config.withDefaults()
	service = service.withDefaults()
	a := &Adapter{
		doc:            doc,
		bus:            b,
		handler:        handler,
		dedup:          NewDeduplicator(config.DedupWindow),
		config:         config,
		logger:         service.Logger.WithPrefix("bus-adapter"),
		metrics:        service.Metrics,
		onConnectivity: onConnectivity,
		streams:        make(map[models.Origin]*originStream),
		applied:        make(map[targetOrigin]uint64),
		inbox:          make(chan []byte, config.InboxSize),
		wake:           make(chan struct{}, 1),
		connected:      true,
	}
	a.publisher = bus.NewResilientPublisher(b, config.Breaker, a.logger, a.metrics, nil)
	return a
}

// Start subscribes to the document topic and starts the dispatch and send
// goroutines. A failed subscription leaves the adapter sending only.
func (a *Adapter) Start(ctx context.Context) error {
	a.outMu.Lock()
	if a.started {
		a.outMu.Unlock()
		return nil
	}
	a.started = true
	a.outMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.dispatchLoop(runCtx)
	go a.sendLoop(runCtx)

	sub, err := a.bus.Subscribe(ctx, a.doc.Topic(), func(payload []byte) {
		select {
		case a.inbox <- payload:
		case <-runCtx.Done():
		}
	})
	if err != nil {
		a.setConnected(false)
		return errors.Wrapf(err, "subscribe %s", a.doc.Topic())
	}
	a.outMu.Lock()
	a.sub = sub
	a.subscribed = true
	a.outMu.Unlock()
	return nil
}

// Stop unsubscribes and ends the adapter goroutines without waiting for
// them. Messages still in the outbox are dropped.
func (a *Adapter) Stop() {
	a.outMu.Lock()
	if a.stopped || !a.started {
		a.stopped = true
		a.outMu.Unlock()
		return
	}
	a.stopped = true
	dropped := len(a.outbox)
	a.outbox = nil
	sub := a.sub
	a.subscribed = false
	a.outMu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Debug("Unsubscribe failed", map[string]interface{}{"error": err.Error()})
		}
	}
	a.cancel()
	a.reportDedup()

	if dropped > 0 {
		a.logger.Warn("Dropped unsent messages on stop", map[string]interface{}{
			"document": a.doc.String(),
			"dropped":  dropped,
		})
	}
}

// Send queues msg for publishing. Transport failures never surface here;
// the message stays queued until the bus takes it.
func (a *Adapter) Send(msg models.Message) error {
	payload, err := models.EncodeMessage(msg)
	if err != nil {
		return errors.Wrap(err, "encode outbound message")
	}

	a.outMu.Lock()
	if a.stopped {
		a.outMu.Unlock()
		return ErrNotJoined
	}
	if len(a.outbox) >= a.config.OutboxLimit {
		a.outbox = a.outbox[1:]
		a.metrics.IncrementCounterWithLabels("events_discarded_total", 1, map[string]string{"reason": "outbox_full"})
		a.logger.Warn("Outbox full, dropping oldest message", map[string]interface{}{
			"document": a.doc.String(),
		})
	}
	a.outbox = append(a.outbox, outbound{payload: payload, kind: msg.Kind()})
	a.outMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Connected reports whether the topic subscription is live, everything
// sent so far reached the bus and the publish breaker is closed
func (a *Adapter) Connected() bool {
	open := a.publisher.Open()
	a.outMu.Lock()
	defer a.outMu.Unlock()
	return a.subscribed && a.connected && len(a.outbox) == 0 && !open
}

// Pending returns the number of queued outbound messages
func (a *Adapter) Pending() int {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	return len(a.outbox)
}

// WaitIdle blocks until the outbox is empty or ctx ends
func (a *Adapter) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reportDedup adds this adapter's deduplication counts to the process totals
func (a *Adapter) reportDedup() {
	m := a.dedup.Metrics()
	for result, n := range map[string]int64{
		"unique":               m.UniqueEvents,
		"duplicate":            m.Duplicates,
		"bloom_false_positive": m.BloomFalsePositives,
	} {
		if n > 0 {
			a.metrics.IncrementCounterWithLabels("dedup_checks_total", float64(n), map[string]string{"result": result})
		}
	}
	a.logger.Debug("Adapter stopped", map[string]interface{}{
		"document":   a.doc.String(),
		"checked":    m.TotalChecked,
		"duplicates": m.Duplicates,
	})
}

func (a *Adapter) isSubscribed() bool {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	return a.subscribed
}

func (a *Adapter) setConnected(connected bool) {
	a.outMu.Lock()
	changed := a.connected != connected
	a.connected = connected
	a.outMu.Unlock()

	if !changed {
		return
	}
	a.logger.Info("Bus connectivity changed", map[string]interface{}{
		"document":  a.doc.String(),
		"connected": connected,
	})
	if a.onConnectivity != nil {
		a.onConnectivity(connected)
	}
}

func (a *Adapter) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}
		a.drain(ctx)
	}
}

func (a *Adapter) drain(ctx context.Context) {
	topic := a.doc.Topic()
	for {
		a.outMu.Lock()
		if len(a.outbox) == 0 {
			a.outMu.Unlock()
			if !a.publisher.Open() && a.isSubscribed() {
				a.setConnected(true)
			}
			return
		}
		head := a.outbox[0]
		a.outMu.Unlock()

		err := retry.DoNotify(ctx, a.config.Retry, func(ctx context.Context) error {
			err := a.publisher.Publish(ctx, topic, head.payload)
			if errors.Is(err, bus.ErrClosed) {
				return retry.Permanent(err)
			}
			return err
		}, func(err error, wait time.Duration) {
			a.setConnected(false)
			a.logger.Debug("Publish failed, retrying", map[string]interface{}{
				"topic": topic,
				"wait":  wait.String(),
				"error": err.Error(),
			})
		})
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("Giving up on queued messages", map[string]interface{}{
					"topic": topic,
					"error": err.Error(),
				})
				a.setConnected(false)
			}
			return
		}

		a.outMu.Lock()
		if len(a.outbox) > 0 {
			a.outbox = a.outbox[1:]
		}
		a.outMu.Unlock()
		a.metrics.IncrementCounterWithLabels("events_published_total", 1, map[string]string{"kind": string(head.kind)})
	}
}

func (a *Adapter) dispatchLoop(ctx context.Context) {
	defer func() {
		if a.flushT != nil {
			a.flushT.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-a.inbox:
			if err := a.handle(payload); err != nil {
				a.logger.Debug("Inbound message discarded", map[string]interface{}{
					"document": a.doc.String(),
					"error":    err.Error(),
				})
			}
		case <-a.flushC:
			a.flushC, a.flushT = nil, nil
			a.flushHeld()
		}
	}
}

// handle decodes and dispatches one payload. Stale and duplicate events are
// reported through the returned error and otherwise have no effect.
func (a *Adapter) handle(payload []byte) error {
	msg, err := models.DecodeMessage(payload)
	if err != nil {
		a.discard("malformed")
		return err
	}
	if msg.Document() != a.doc {
		a.discard("foreign_document")
		return nil
	}

	switch m := msg.(type) {
	case models.UserJoined:
		a.handler.userJoined(m)
	case models.UserLeft:
		a.handler.userLeft(m)
	case models.FieldChanged:
		return a.receiveChange(m.Event)
	case models.CursorMoved:
		a.handler.cursorMoved(m)
	case models.ChatPosted:
		if a.dedup.Seen("chat#" + m.Chat.ID) {
			a.discard("duplicate")
			return ErrDuplicateEvent
		}
		a.handler.chatPosted(m)
	case models.ConflictResolved:
		if a.dedup.Seen(NoticeKey(m.Notice)) {
			a.discard("duplicate")
			return ErrDuplicateEvent
		}
		superseded := a.superseded(m.Notice)
		a.advance(m.Notice.FieldTarget, m.Notice.ResolverOrigin(), m.Notice.ResolverSequence)
		a.handler.conflictResolved(m.Notice, superseded)
	default:
		return models.ErrUnknownMessageKind
	}
	return nil
}

func (a *Adapter) receiveChange(ev models.FieldChangeEvent) error {
	ev.Doc = a.doc
	origin := ev.Origin()
	if a.dedup.Seen(EventKey(origin, ev.Sequence)) {
		a.discard("duplicate")
		return ErrDuplicateEvent
	}

	st, ok := a.streams[origin]
	if !ok {
		st = &originStream{held: make(map[uint64]models.FieldChangeEvent)}
		a.streams[origin] = st
	}

	switch {
	case st.next == 0 || ev.Sequence < st.next:
		if ev.Sequence >= st.next {
			st.next = ev.Sequence + 1
		}
		return a.deliver(ev)
	case ev.Sequence == st.next:
		st.next++
		err := a.deliver(ev)
		a.drainStream(st)
		return err
	default:
		st.held[ev.Sequence] = ev
		if a.flushT == nil {
			a.flushT = time.NewTimer(a.config.ReorderWindow)
			a.flushC = a.flushT.C
		}
		return nil
	}
}

func (a *Adapter) drainStream(st *originStream) {
	for {
		ev, ok := st.held[st.next]
		if !ok {
			return
		}
		delete(st.held, st.next)
		st.next++
		_ = a.deliver(ev)
	}
}

// flushHeld gives up on gaps that stayed open for the reorder window
func (a *Adapter) flushHeld() {
	for _, st := range a.streams {
		if len(st.held) == 0 {
			continue
		}
		seqs := make([]uint64, 0, len(st.held))
		for seq := range st.held {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			ev := st.held[seq]
			delete(st.held, seq)
			if seq >= st.next {
				st.next = seq + 1
			}
			_ = a.deliver(ev)
		}
	}
}

// deliver applies the per-target stale check and hands ev to the handler
func (a *Adapter) deliver(ev models.FieldChangeEvent) error {
	key := targetOrigin{target: ev.FieldTarget, origin: ev.Origin()}
	if last, ok := a.applied[key]; ok && ev.Sequence <= last {
		a.discard("stale")
		return ErrStaleEvent
	}
	a.applied[key] = ev.Sequence
	a.handler.fieldChanged(ev)
	return nil
}

// superseded reports whether either stream the notice covers already moved
// past it on the notice's target
func (a *Adapter) superseded(n models.ResolutionNotice) bool {
	resolver := targetOrigin{target: n.FieldTarget, origin: n.ResolverOrigin()}
	if a.applied[resolver] > n.ResolverSequence {
		return true
	}
	if n.RemoteUser == "" {
		return false
	}
	remote := targetOrigin{target: n.FieldTarget, origin: models.Origin{User: n.RemoteUser, Client: n.RemoteClient}}
	return a.applied[remote] > n.RemoteSequence
}

func (a *Adapter) advance(target models.FieldTarget, origin models.Origin, seq uint64) {
	if seq == 0 {
		return
	}
	key := targetOrigin{target: target, origin: origin}
	if seq > a.applied[key] {
		a.applied[key] = seq
	}
}

func (a *Adapter) discard(reason string) {
	a.metrics.IncrementCounterWithLabels("events_discarded_total", 1, map[string]string{"reason": reason})
}
