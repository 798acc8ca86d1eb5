package coststats

import (
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pvKey = Key{FunctionID: "pv", TargetType: value.TargetSecurity}

func TestNewStoreValidatesDecay(t *testing.T) {
	for _, decay := range []float64{0, -0.5, 1.5} {
		_, err := NewStore(Options{Decay: decay})
		assert.Error(t, err, "decay %v", decay)
	}
	_, err := NewStore(Options{Decay: 1})
	assert.NoError(t, err)
}

func TestRecordAndEstimate(t *testing.T) {
	s, err := NewStore(Options{Decay: 0.5, Default: Entry{InvocationNanos: 7}})
	require.NoError(t, err)

	assert.Equal(t, Entry{InvocationNanos: 7}, s.Estimate(pvKey), "default before any sample")

	s.Record(pvKey, Sample{Duration: 100, InputBytes: 10, OutputBytes: 4})
	assert.Equal(t, Entry{InvocationNanos: 100, InputBytes: 10, OutputBytes: 4, Invocations: 1}, s.Estimate(pvKey))

	s.Record(pvKey, Sample{Duration: 300, InputBytes: 30, OutputBytes: 4})
	e := s.Estimate(pvKey)
	assert.InDelta(t, 200, e.InvocationNanos, 1e-9)
	assert.InDelta(t, 20, e.InputBytes, 1e-9)
	assert.InDelta(t, 4, e.OutputBytes, 1e-9)
	assert.Equal(t, int64(2), e.Invocations)
	assert.Equal(t, time.Duration(200), e.Duration())

	other := Key{FunctionID: "pv", TargetType: value.TargetPosition}
	assert.Equal(t, int64(0), s.Estimate(other).Invocations)
	assert.Len(t, s.Snapshot(), 1)
}

func TestConcurrentRecords(t *testing.T) {
	s, err := NewStore(DefaultOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.Record(pvKey, Sample{Duration: time.Microsecond})
			}
		}()
	}
	wg.Wait()

	e := s.Estimate(pvKey)
	assert.Equal(t, int64(1600), e.Invocations)
	assert.InDelta(t, float64(time.Microsecond), e.InvocationNanos, float64(time.Microsecond))
}

func TestConcurrentFirstSamples(t *testing.T) {
	for range 50 {
		s, err := NewStore(Options{Decay: 0.5, Default: Entry{InvocationNanos: 1}})
		require.NoError(t, err)

		const writers = 8
		start := make(chan struct{})
		stop := make(chan struct{})
		var wg, readers sync.WaitGroup
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e := s.Estimate(pvKey)
				if e.Invocations > 0 && e.InvocationNanos != 40 {
					t.Errorf("estimate with %d invocations reported %v nanos", e.Invocations, e.InvocationNanos)
					return
				}
			}
		}()
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				s.Record(pvKey, Sample{Duration: 40, InputBytes: 6})
			}()
		}
		close(start)
		wg.Wait()
		close(stop)
		readers.Wait()

		assert.Equal(t, Entry{InvocationNanos: 40, InputBytes: 6, Invocations: writers}, s.Estimate(pvKey))
	}
}

func TestReleaseFlushesToBadger(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	dir := t.TempDir()

	p, err := OpenBadger(dir, nil)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Persister = p
	s, err := NewStore(opts)
	require.NoError(t, err)
	s.Record(pvKey, Sample{Duration: 5 * time.Millisecond, OutputBytes: 8})

	shared := s.Acquire()
	require.NoError(t, shared.Release(ctx), "not the last reference")
	require.NoError(t, s.Release(ctx))
	assert.ErrorIs(t, s.Release(ctx), ErrReleased)

	reopened, err := OpenBadger(dir, nil)
	require.NoError(t, err)
	opts.Persister = reopened
	restored, err := NewStore(opts)
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))

	e := restored.Estimate(pvKey)
	assert.Equal(t, int64(1), e.Invocations)
	assert.Equal(t, 5*time.Millisecond, e.Duration())
	assert.InDelta(t, 8, e.OutputBytes, 1e-9)
	require.NoError(t, restored.Release(ctx))
}

func TestBadgerKeys(t *testing.T) {
	k := Key{FunctionID: "curve/usd", TargetType: value.TargetPrimitive}
	got, err := decodeKey(encodeKey(k))
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = decodeKey([]byte("other/x"))
	assert.Error(t, err)
}
