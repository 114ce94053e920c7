package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/collaboration"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

//go:embed schemas/client_frame.json
var clientFrameSchema []byte

// Frames the gateway adds to the bus envelope kinds
const (
	EventHeartbeat     = "heartbeat"
	EventSessionJoined = "session_joined"
	EventError         = "error"
)

var (
	errInvalidFrame = errors.New("invalid frame")
	errClientGone   = errors.New("client disconnected")
	errSlowConsumer = errors.New("client is not keeping up")
)

// GatewayConfig configures websocket connections
type GatewayConfig struct {
	// AllowedOrigins are origin host patterns accepted besides the
	// request's own host
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	LeaveTimeout   time.Duration
}

// DefaultGatewayConfig returns the production defaults
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		LeaveTimeout:   5 * time.Second,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = d.LeaveTimeout
	}
	return c
}

// Gateway bridges websocket clients to a document's bus topic. A
// connection is a session membership: it joins on connect, every inbound
// frame counts as a heartbeat, and it leaves on disconnect.
type Gateway struct {
	registry Registry
	bus      bus.Bus
	schema   *gojsonschema.Schema
	config   GatewayConfig
	logger   observability.Logger
	metrics  observability.MetricsClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewGateway creates a gateway publishing to b
func NewGateway(registry Registry, b bus.Bus, cfg GatewayConfig, service collaboration.ServiceConfig) *Gateway {
	if service.Logger == nil {
		service.Logger = observability.NewNoopLogger()
	}
	if service.Metrics == nil {
		service.Metrics = observability.NewNoOpMetricsClient()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(clientFrameSchema))
	if err != nil {
		panic("api: client frame schema does not compile: " + err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		registry: registry,
		bus:      b,
		schema:   schema,
		config:   cfg.withDefaults(),
		logger:   service.Logger.WithPrefix("gateway"),
		metrics:  service.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ActiveConnections reports the number of open websocket connections
func (g *Gateway) ActiveConnections() int {
	return int(g.active.Load())
}

// Close disconnects every client and waits for their leaves to finish
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// Handle upgrades GET /ws/:doctype/:docid. The caller must already be
// authenticated.
func (g *Gateway) Handle(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	doc, ok := documentParam(c)
	if !ok {
		return
	}
	if g.ctx.Err() != nil {
		respondError(c, collaboration.ErrClosed)
		return
	}

	ctx, cancel := context.WithCancelCause(c.Request.Context())
	defer cancel(nil)
	stop := context.AfterFunc(g.ctx, func() { cancel(collaboration.ErrClosed) })
	defer stop()

	s := &wsSession{
		gateway: g,
		doc:     doc,
		user:    *user,
		out:     make(chan []byte, g.config.SendBuffer),
		events:  make(chan []byte, g.config.SendBuffer),
	}

	// subscribe before joining so nothing published after the join is missed
	sub, err := g.bus.Subscribe(ctx, doc.Topic(), func(payload []byte) {
		select {
		case s.events <- payload:
		default:
			cancel(errSlowConsumer)
		}
	})
	if err != nil {
		g.logger.Error("Failed to subscribe websocket client", map[string]interface{}{
			"document": doc.String(),
			"error":    err.Error(),
		})
		respondError(c, err)
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			g.logger.Debug("Unsubscribe failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	joined, err := g.registry.Join(ctx, doc, *user)
	if err != nil {
		respondError(c, err)
		return
	}
	s.sessionID = joined.SessionID

	// server read/write timeouts must not apply to the hijacked connection
	rc := http.NewResponseController(c.Writer)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: g.config.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("WebSocket accept failed", map[string]interface{}{
			"document": doc.String(),
			"user":     user.ID,
			"error":    err.Error(),
		})
		g.leave(doc, s.sessionID, user.ID)
		return
	}
	conn.SetReadLimit(g.config.MaxMessageSize)
	s.conn = conn

	g.wg.Add(1)
	defer g.wg.Done()
	s.serve(ctx, joined)
}

func (g *Gateway) leave(doc models.DocumentRef, sessionID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.LeaveTimeout)
	defer cancel()
	if err := g.registry.Leave(ctx, sessionID, userID); err != nil {
		g.logger.Warn("Leave on disconnect failed", map[string]interface{}{
			"document": doc.String(),
			"user":     userID,
			"error":    err.Error(),
		})
	}
}

type sessionJoinedFrame struct {
	Event string `json:"event"`
	*models.JoinResult
}

type errorFrame struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// clientFrame is the union of every frame a client may send
type clientFrame struct {
	Event string `json:"event"`
	models.FieldTarget
	Position    int                      `json:"position"`
	ChangeInfo  *models.FieldChangeEvent `json:"change_info,omitempty"`
	MessageInfo *models.ChatMessage      `json:"message_info,omitempty"`
	Resolution  *models.ResolutionNotice `json:"resolution,omitempty"`
}

type wsSession struct {
	gateway *Gateway
	conn    *websocket.Conn
	doc     models.DocumentRef
	user    models.UserInfo
	// out carries gateway frames, events carries topic messages
	out    chan []byte
	events chan []byte

	// owned by the read pump while it runs
	sessionID string
}

func (s *wsSession) serve(ctx context.Context, joined *models.JoinResult) {
	g := s.gateway

	g.metrics.RecordGauge("gateway_connections", float64(g.active.Add(1)), nil)
	defer func() {
		g.metrics.RecordGauge("gateway_connections", float64(g.active.Add(-1)), nil)
	}()

	g.logger.Info("WebSocket client connected", map[string]interface{}{
		"document": s.doc.String(),
		"user":     s.user.ID,
		"session":  s.sessionID,
	})

	// the roster frame goes out before any topic message
	var err error
	if hello, merr := json.Marshal(sessionJoinedFrame{Event: EventSessionJoined, JoinResult: joined}); merr == nil {
		writeCtx, cancelWrite := context.WithTimeout(ctx, g.config.WriteTimeout)
		err = s.conn.Write(writeCtx, websocket.MessageText, hello)
		cancelWrite()
	}
	if err == nil {
		grp, gctx := errgroup.WithContext(ctx)
		grp.Go(func() error { return s.readPump(gctx) })
		grp.Go(func() error { return s.writePump(gctx) })
		err = grp.Wait()
	}

	g.leave(s.doc, s.sessionID, s.user.ID)

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, collaboration.ErrClosed):
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(cause, errSlowConsumer):
		_ = s.conn.Close(websocket.StatusPolicyViolation, errSlowConsumer.Error())
	default:
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}

	fields := map[string]interface{}{
		"document": s.doc.String(),
		"user":     s.user.ID,
	}
	if err != nil && !errors.Is(err, errClientGone) && !errors.Is(err, context.Canceled) {
		fields["error"] = err.Error()
	}
	g.logger.Info("WebSocket client disconnected", fields)
}

func (s *wsSession) readPump(ctx context.Context) error {
	g := s.gateway
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errClientGone
			}
			return err
		}

		if err := s.heartbeat(ctx); err != nil {
			return err
		}

		if err := s.handleFrame(ctx, data); err != nil {
			reason := "rejected"
			if errors.Is(err, errInvalidFrame) {
				reason = "invalid"
			}
			g.metrics.IncrementCounterWithLabels("gateway_frames_rejected_total", 1, map[string]string{"reason": reason})
			g.logger.Debug("Frame rejected", map[string]interface{}{
				"document": s.doc.String(),
				"user":     s.user.ID,
				"error":    err.Error(),
			})
			s.push(errorFrame{Event: EventError, Error: err.Error()})
		}
	}
}

func (s *wsSession) writePump(ctx context.Context) error {
	g := s.gateway
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-s.out:
			if err := s.write(ctx, payload); err != nil {
				return err
			}
		case payload := <-s.events:
			if err := s.write(ctx, payload); err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, g.config.WriteTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return errors.Wrap(err, "ping")
			}
		}
	}
}

func (s *wsSession) write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.gateway.config.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// heartbeat refreshes the membership, joining again if it already expired
func (s *wsSession) heartbeat(ctx context.Context) error {
	g := s.gateway
	err := g.registry.Heartbeat(ctx, s.sessionID, s.user.ID)
	if !errors.Is(err, collaboration.ErrNotParticipant) && !errors.Is(err, collaboration.ErrSessionNotFound) {
		return err
	}

	joined, err := g.registry.Join(ctx, s.doc, s.user)
	if err != nil {
		return errors.Wrap(err, "rejoin")
	}
	s.sessionID = joined.SessionID
	s.sendJoined(joined)
	return nil
}

func (s *wsSession) handleFrame(ctx context.Context, data []byte) error {
	g := s.gateway

	result, err := g.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.Wrap(errInvalidFrame, err.Error())
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return errors.Wrap(errInvalidFrame, strings.Join(problems, "; "))
	}

	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errors.Wrap(errInvalidFrame, err.Error())
	}
	g.metrics.IncrementCounterWithLabels("gateway_frames_total", 1, map[string]string{"event": frame.Event})

	switch models.MessageKind(frame.Event) {
	case EventHeartbeat:
		return nil

	case models.KindFieldChanged:
		ev := *frame.ChangeInfo
		ev.Doc = s.doc
		ev.User = s.user.ID
		ev.FullName = s.user.FullName
		if ev.ChangeID == "" {
			ev.ChangeID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if err := ev.Validate(); err != nil {
			return errors.Wrap(errInvalidFrame, err.Error())
		}
		return s.publish(ctx, models.FieldChanged{Event: ev})

	case models.KindCursorMoved:
		return g.registry.MoveCursor(ctx, s.sessionID, s.user.ID, frame.FieldTarget, frame.Position)

	case models.KindChatMessage:
		_, err := g.registry.PostChat(ctx, s.sessionID, s.user.ID, frame.MessageInfo.Message)
		return err

	case models.KindConflictResolved:
		notice := *frame.Resolution
		notice.ResolvedBy = s.user.ID
		if notice.ResolvedAt.IsZero() {
			notice.ResolvedAt = time.Now().UTC()
		}
		return s.publish(ctx, models.ConflictResolved{Doc: s.doc, Notice: notice})
	}
	return errors.Wrapf(errInvalidFrame, "unsupported event %q", frame.Event)
}

func (s *wsSession) publish(ctx context.Context, msg models.Message) error {
	payload, err := models.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.gateway.bus.Publish(ctx, s.doc.Topic(), payload)
}

func (s *wsSession) sendJoined(joined *models.JoinResult) {
	s.push(sessionJoinedFrame{Event: EventSessionJoined, JoinResult: joined})
}

// push queues a gateway frame without blocking the read pump
func (s *wsSession) push(frame interface{}) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.out <- payload:
	default:
		s.gateway.logger.Warn("Send buffer full, dropping gateway frame", map[string]interface{}{
			"document": s.doc.String(),
			"user":     s.user.ID,
		})
	}
}
