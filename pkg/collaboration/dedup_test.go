package collaboration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/collabcore/pkg/models"
)

func TestDeduplicator_Seen(t *testing.T) {
	d := NewDeduplicator(100)
	origin := models.Origin{User: "bob", Client: "c1"}

	assert.False(t, d.Seen(EventKey(origin, 1)))
	assert.True(t, d.Seen(EventKey(origin, 1)))
	assert.False(t, d.Seen(EventKey(models.Origin{User: "bob", Client: "c2"}, 1)), "sequences are per client")

	m := d.Metrics()
	assert.Equal(t, int64(3), m.TotalChecked)
	assert.Equal(t, int64(1), m.Duplicates)
	assert.Equal(t, int64(2), m.UniqueEvents)
}

func TestDeduplicator_RotatesWindow(t *testing.T) {
	d := NewDeduplicator(10)
	origin := models.Origin{User: "bob", Client: "c1"}

	for i := uint64(1); i <= 10; i++ {
		assert.False(t, d.Seen(EventKey(origin, i)))
	}
	// still remembered through the previous filter
	assert.True(t, d.Seen(EventKey(origin, 10)))

	for i := uint64(11); i <= 40; i++ {
		d.Seen(EventKey(origin, i))
	}
	assert.False(t, d.Seen(EventKey(origin, 1)), "old keys fall out of the window")
}

func BenchmarkDeduplicator_Seen(b *testing.B) {
	d := NewDeduplicator(0)
	for i := 0; i < b.N; i++ {
		d.Seen(fmt.Sprintf("bob/c1#%d", i))
	}
}
