package collaboration

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/collabcore/pkg/models"
)

func TestDebouncer_CoalescesBursts(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()
	key := DebounceKey{Doc: boq, Target: quantity}

	var fired atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 10; i++ {
		v := int32(i)
		d.Trigger(key, func() {
			fired.Add(1)
			last.Store(v)
		})
	}

	eventually(t, func() bool { return fired.Load() == 1 }, "burst fires once")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(10), last.Load())
	assert.False(t, d.Pending(key))
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var fired atomic.Int32
	d.Trigger(DebounceKey{Doc: boq, Target: quantity}, func() { fired.Add(1) })
	d.Trigger(DebounceKey{Doc: boq, Target: models.FieldTarget{Field: "rate", Row: "row-1"}}, func() { fired.Add(1) })

	eventually(t, func() bool { return fired.Load() == 2 }, "each key fires")
}

func TestDebouncer_CancelAndFlush(t *testing.T) {
	d := NewDebouncer(time.Hour)
	defer d.Stop()
	key := DebounceKey{Doc: boq, Target: quantity}

	var fired atomic.Int32
	d.Trigger(key, func() { fired.Add(1) })
	assert.True(t, d.Pending(key))
	assert.True(t, d.Cancel(key))
	assert.False(t, d.Cancel(key))

	d.Trigger(key, func() { fired.Add(1) })
	assert.True(t, d.Flush(key))
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, d.Flush(key))

	d.Trigger(key, func() { fired.Add(1) })
	d.Trigger(DebounceKey{Doc: boq}, func() { fired.Add(1) })
	assert.Equal(t, 2, d.FlushAll())
	assert.Equal(t, int32(3), fired.Load())
}

func TestDebouncer_StopRefusesTriggers(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	key := DebounceKey{Doc: boq, Target: quantity}

	var fired atomic.Int32
	d.Trigger(key, func() { fired.Add(1) })
	d.Stop()
	d.Trigger(key, func() { fired.Add(1) })

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, d.Pending(key))
}
