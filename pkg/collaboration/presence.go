package collaboration

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

// Leave reasons carried on user_left
const (
	LeaveReasonLeft    = "left"
	LeaveReasonExpired = "expired"
)

// CursorRateConfig bounds how often one user's cursor moves are broadcast
type CursorRateConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

const maxCursorLimiters = 4096

// Presence translates registry transitions into bus messages on the
// session topic. Apart from the cursor limiters it holds no state.
type Presence struct {
	publisher bus.Publisher
	logger    observability.Logger
	metrics   observability.MetricsClient
	tracer    observability.StartSpanFunc

	cursorLimit rate.Limit
	cursorBurst int
	limiters    *lru.Cache[string, *rate.Limiter]
}

// NewPresence creates a broadcaster publishing through publisher
func NewPresence(publisher bus.Publisher, cursor CursorRateConfig, config ServiceConfig) *Presence {
	config = config.withDefaults()
	if cursor.PerSecond <= 0 {
		cursor.PerSecond = 20
	}
	if cursor.Burst <= 0 {
		cursor.Burst = 5
	}
	limiters, err := lru.New[string, *rate.Limiter](maxCursorLimiters)
	if err != nil {
		panic(err)
	}
	return &Presence{
		publisher:   publisher,
		logger:      config.Logger.WithPrefix("presence"),
		metrics:     config.Metrics,
		tracer:      config.Tracer,
		cursorLimit: rate.Limit(cursor.PerSecond),
		cursorBurst: cursor.Burst,
		limiters:    limiters,
	}
}

// Joined announces user together with the full roster after the join
func (p *Presence) Joined(ctx context.Context, doc models.DocumentRef, user models.Participant, roster []models.Participant) error {
	return p.publish(ctx, models.UserJoined{
		Doc:         doc,
		User:        user.Clone(),
		ActiveUsers: models.CloneParticipants(roster),
	})
}

// Left announces a departure together with the remaining roster
func (p *Presence) Left(ctx context.Context, doc models.DocumentRef, userID, reason string, roster []models.Participant) error {
	p.limiters.Remove(limiterKey(doc, userID))
	return p.publish(ctx, models.UserLeft{
		Doc:         doc,
		User:        userID,
		Reason:      reason,
		ActiveUsers: models.CloneParticipants(roster),
	})
}

// CursorMoved shares a caret position. It reports false when the user's
// limiter swallowed the broadcast.
func (p *Presence) CursorMoved(ctx context.Context, doc models.DocumentRef, user models.Participant, target models.FieldTarget, position int) (bool, error) {
	if !p.limiter(doc, user.UserID).Allow() {
		p.metrics.IncrementCounterWithLabels("events_discarded_total", 1, map[string]string{"reason": "cursor_throttled"})
		return false, nil
	}
	err := p.publish(ctx, models.CursorMoved{
		Doc:      doc,
		User:     user.UserID,
		FullName: user.FullName,
		Target:   target,
		Position: position,
	})
	return err == nil, err
}

// Chat publishes a chat message
func (p *Presence) Chat(ctx context.Context, doc models.DocumentRef, msg models.ChatMessage) error {
	return p.publish(ctx, models.ChatPosted{Doc: doc, Chat: msg})
}

func (p *Presence) publish(ctx context.Context, msg models.Message) error {
	ctx, span := p.tracer(ctx, "Presence.publish")
	defer span.End()
	span.SetAttribute("kind", string(msg.Kind()))

	payload, err := models.EncodeMessage(msg)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "encode presence message")
	}

	topic := msg.Document().Topic()
	if err := p.publisher.Publish(ctx, topic, payload); err != nil {
		span.RecordError(err)
		p.logger.Warn("Failed to publish presence message", map[string]interface{}{
			"topic": topic,
			"kind":  string(msg.Kind()),
			"error": err.Error(),
		})
		return err
	}

	p.metrics.IncrementCounterWithLabels("events_published_total", 1, map[string]string{"kind": string(msg.Kind())})
	return nil
}

func (p *Presence) limiter(doc models.DocumentRef, userID string) *rate.Limiter {
	key := limiterKey(doc, userID)
	if l, ok := p.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(p.cursorLimit, p.cursorBurst)
	p.limiters.Add(key, l)
	return l
}

func limiterKey(doc models.DocumentRef, userID string) string {
	return doc.Topic() + "|" + userID
}
