package collaboration

import (
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/collabcore/pkg/models"
)

const defaultDedupWindow = 10000

// DeduplicationMetrics tracks deduplication statistics
type DeduplicationMetrics struct {
	TotalChecked        int64
	Duplicates          int64
	UniqueEvents        int64
	BloomFalsePositives int64
}

// Deduplicator remembers the most recent delivery keys. Two bloom filters
// rotate every window insertions and answer the common "never seen" case;
// an LRU of the same size gives the exact answer when a filter says maybe.
type Deduplicator struct {
	window uint

	mu            sync.Mutex
	currentBloom  *bloom.BloomFilter
	previousBloom *bloom.BloomFilter
	inserted      uint
	recent        *lru.Cache[string, struct{}]
	metrics       DeduplicationMetrics
}

// NewDeduplicator creates a deduplicator remembering about window keys
func NewDeduplicator(window int) *Deduplicator {
	if window <= 0 {
		window = defaultDedupWindow
	}
	recent, err := lru.New[string, struct{}](window)
	if err != nil {
		panic(err)
	}
	return &Deduplicator{
		window:        uint(window),
		currentBloom:  bloom.NewWithEstimates(uint(window), 0.01),
		previousBloom: bloom.NewWithEstimates(uint(window), 0.01),
		recent:        recent,
	}
}

// EventKey is the delivery identity of a field change
func EventKey(origin models.Origin, sequence uint64) string {
	return origin.String() + "#" + strconv.FormatUint(sequence, 10)
}

// NoticeKey is the delivery identity of a resolution notice: the resolver's
// stream position and the remote event it answers, on one target
func NoticeKey(n models.ResolutionNotice) string {
	return "notice#" + EventKey(n.ResolverOrigin(), n.ResolverSequence) +
		">" + EventKey(models.Origin{User: n.RemoteUser, Client: n.RemoteClient}, n.RemoteSequence) +
		"@" + n.FieldTarget.String()
}

// Seen records key and reports whether it had already been recorded
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.TotalChecked++

	b := []byte(key)
	maybe := d.currentBloom.Test(b) || d.previousBloom.Test(b)
	if maybe {
		if _, ok := d.recent.Get(key); ok {
			d.metrics.Duplicates++
			return true
		}
		d.metrics.BloomFalsePositives++
	}

	d.recordUnique(key, b)
	return false
}

func (d *Deduplicator) recordUnique(key string, b []byte) {
	d.recent.Add(key, struct{}{})
	d.currentBloom.Add(b)
	d.inserted++
	d.metrics.UniqueEvents++
	if d.inserted >= d.window {
		d.previousBloom = d.currentBloom
		d.currentBloom = bloom.NewWithEstimates(d.window, 0.01)
		d.inserted = 0
	}
}

// Metrics returns a copy of the counters
func (d *Deduplicator) Metrics() DeduplicationMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}
