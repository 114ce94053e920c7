package collaboration

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// DefaultMergeSeparator joins local and remote text on merge
const DefaultMergeSeparator = " | "

// Resolution is delivered to AwaitResolution callers
type Resolution struct {
	Value   interface{}
	Outcome models.ConflictOutcome
	Err     error
}

// Resolver holds one client's open conflict records and moves each from
// pending to a final outcome. An open record blocks edits to its target
// only. The owning Client serializes all calls.
type Resolver struct {
	separator string
	now       func() time.Time

	records map[models.FieldTarget]*models.ConflictRecord
	waiters map[models.FieldTarget][]chan Resolution
}

// NewResolver creates a resolver merging text with separator
func NewResolver(separator string) *Resolver {
	if separator == "" {
		separator = DefaultMergeSeparator
	}
	return &Resolver{
		separator: separator,
		now:       time.Now,
		records:   make(map[models.FieldTarget]*models.ConflictRecord),
		waiters:   make(map[models.FieldTarget][]chan Resolution),
	}
}

// Open starts a pending record for a remote change that disagrees with the
// local unsaved value
func (r *Resolver) Open(doc models.DocumentRef, kind models.FieldKind, local interface{}, remote models.FieldChangeEvent) *models.ConflictRecord {
	rec := &models.ConflictRecord{
		ID:             uuid.NewString(),
		Doc:            doc,
		Target:         remote.FieldTarget,
		Kind:           kind,
		LocalValue:     local,
		RemoteValue:    remote.Value,
		RemoteUser:     remote.User,
		RemoteFullName: remote.FullName,
		RemoteClient:   remote.ClientID,
		RemoteSequence: remote.Sequence,
		DetectedAt:     r.now(),
		Outcome:        models.OutcomePending,
	}
	r.records[rec.Target] = rec
	return rec
}

// Get returns the open record on target, or nil
func (r *Resolver) Get(target models.FieldTarget) *models.ConflictRecord {
	return r.records[target]
}

// Refresh replaces the remote side of target's open record with a newer
// remote change
func (r *Resolver) Refresh(remote models.FieldChangeEvent) *models.ConflictRecord {
	rec, ok := r.records[remote.FieldTarget]
	if !ok {
		return nil
	}
	rec.RemoteValue = remote.Value
	rec.RemoteUser = remote.User
	rec.RemoteFullName = remote.FullName
	rec.RemoteClient = remote.ClientID
	rec.RemoteSequence = remote.Sequence
	return rec
}

// Pending lists open records, oldest first
func (r *Resolver) Pending() []*models.ConflictRecord {
	out := make([]*models.ConflictRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Decide settles target's record with the user's strategy and returns the
// closed record
func (r *Resolver) Decide(target models.FieldTarget, strategy models.ResolutionStrategy) (*models.ConflictRecord, error) {
	rec, ok := r.records[target]
	if !ok {
		return nil, ErrNoConflict
	}
	if !rec.Allows(strategy) {
		return nil, ErrStrategyNotAllowed
	}

	var value interface{}
	switch strategy {
	case models.StrategyKeepLocal:
		value = rec.LocalValue
	case models.StrategyAcceptRemote:
		value = rec.RemoteValue
	case models.StrategyMerge:
		value = MergeValues(rec.LocalValue, rec.RemoteValue, r.separator)
	}
	return r.close(rec, strategy.Outcome(), value), nil
}

// Settle closes target's record with a value chosen by the remote party.
// The outcome is stated from this side: the local value winning reads as
// keep-local.
func (r *Resolver) Settle(target models.FieldTarget, winning interface{}) *models.ConflictRecord {
	rec, ok := r.records[target]
	if !ok {
		return nil
	}
	return r.close(rec, OutcomeFor(rec, winning), winning)
}

// Discard closes every open record match selects without a decision
func (r *Resolver) Discard(match func(*models.ConflictRecord) bool) []*models.ConflictRecord {
	var out []*models.ConflictRecord
	for _, rec := range r.records {
		if match != nil && !match(rec) {
			continue
		}
		out = append(out, rec)
	}
	closed := make([]*models.ConflictRecord, 0, len(out))
	for _, rec := range out {
		closed = append(closed, r.close(rec, models.OutcomeDiscarded, nil))
	}
	return closed
}

// Wait registers for target's resolution. It returns false when target has
// no open record.
func (r *Resolver) Wait(target models.FieldTarget) (<-chan Resolution, bool) {
	if _, ok := r.records[target]; !ok {
		return nil, false
	}
	ch := make(chan Resolution, 1)
	r.waiters[target] = append(r.waiters[target], ch)
	return ch, true
}

func (r *Resolver) close(rec *models.ConflictRecord, outcome models.ConflictOutcome, value interface{}) *models.ConflictRecord {
	at := r.now()
	rec.Outcome = outcome
	rec.ResolvedValue = value
	rec.ResolvedAt = &at
	delete(r.records, rec.Target)

	res := Resolution{Value: value, Outcome: outcome}
	if outcome == models.OutcomeDiscarded {
		res.Err = ErrConflictDiscarded
	}
	for _, ch := range r.waiters[rec.Target] {
		ch <- res
	}
	delete(r.waiters, rec.Target)
	return rec.Clone()
}

// MergeValues concatenates the text of local and remote with separator
func MergeValues(local, remote interface{}, separator string) string {
	return models.ValueText(local) + separator + models.ValueText(remote)
}

// OutcomeFor names the outcome that winning represents for rec
func OutcomeFor(rec *models.ConflictRecord, winning interface{}) models.ConflictOutcome {
	switch {
	case models.ValuesEqual(winning, rec.LocalValue):
		return models.OutcomeKeepLocal
	case models.ValuesEqual(winning, rec.RemoteValue):
		return models.OutcomeAcceptRemote
	default:
		return models.OutcomeMerged
	}
}
