// Package coststats keeps running estimates of what function invocations
// cost, per function and target type. The estimates steer fragment sizing and
// dispatch order and are refined after every completed job.
package coststats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/value"
)

// Key identifies a cost bucket.
type Key struct {
	FunctionID string
	TargetType value.TargetType
}

func (k Key) String() string { return k.FunctionID + "/" + string(k.TargetType) }

// Entry is a point-in-time copy of a bucket.
type Entry struct {
	InvocationNanos float64 `json:"invocation_nanos"`
	InputBytes      float64 `json:"input_bytes"`
	OutputBytes     float64 `json:"output_bytes"`
	Invocations     int64   `json:"invocations"`
}

// Duration returns the estimated invocation time.
func (e Entry) Duration() time.Duration { return time.Duration(e.InvocationNanos) }

// Sample is one observed invocation.
type Sample struct {
	Duration    time.Duration
	InputBytes  int64
	OutputBytes int64
}

// Persister loads and saves cost entries across process restarts.
type Persister interface {
	Load(ctx context.Context) (map[Key]Entry, error)
	Save(ctx context.Context, entries map[Key]Entry) error
	Close() error
}

// Options configure a Store.
type Options struct {
	// Decay is the weight of a new sample, in (0, 1].
	Decay float64
	// Default is reported for buckets with no samples yet.
	Default Entry
	// Persister is optional.
	Persister Persister
}

// DefaultOptions returns a decay of 0.1 and a one millisecond default cost.
func DefaultOptions() Options {
	return Options{
		Decay:   0.1,
		Default: Entry{InvocationNanos: float64(time.Millisecond)},
	}
}

// bucket holds an immutable Entry that updates replace by compare-and-swap.
// A nil entry means no samples yet.
type bucket struct {
	entry atomic.Pointer[Entry]
}

// Store is the process-wide cost table. It is safe for concurrent use and
// reference counted: the holder of the last reference flushes it to the
// persister on Release.
type Store struct {
	opts    Options
	buckets sync.Map // Key -> *bucket
	refs    atomic.Int32
	closed  atomic.Bool
}

// NewStore creates a store holding one reference.
func NewStore(opts Options) (*Store, error) {
	if opts.Decay <= 0 || opts.Decay > 1 || math.IsNaN(opts.Decay) {
		return nil, fmt.Errorf("cost decay must be in (0, 1], got %v", opts.Decay)
	}
	s := &Store{opts: opts}
	s.refs.Store(1)
	return s, nil
}

// Load seeds the store from its persister, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.opts.Persister == nil {
		return nil
	}
	entries, err := s.opts.Persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cost statistics: %w", err)
	}
	for k, e := range entries {
		if e.Invocations <= 0 {
			continue
		}
		s.bucketFor(k).entry.Store(&e)
	}
	ctxlog.FromContext(ctx).Debug("Cost statistics loaded.", "entries", len(entries))
	return nil
}

func (s *Store) bucketFor(k Key) *bucket {
	if b, ok := s.buckets.Load(k); ok {
		return b.(*bucket)
	}
	b, _ := s.buckets.LoadOrStore(k, &bucket{})
	return b.(*bucket)
}

// Record folds one observation into the bucket's running averages. The
// first sample seeds them.
func (s *Store) Record(k Key, sample Sample) {
	b := s.bucketFor(k)
	obs := Entry{
		InvocationNanos: float64(sample.Duration.Nanoseconds()),
		InputBytes:      float64(sample.InputBytes),
		OutputBytes:     float64(sample.OutputBytes),
		Invocations:     1,
	}
	for {
		old := b.entry.Load()
		next := obs
		if old != nil {
			next = Entry{
				InvocationNanos: s.blend(old.InvocationNanos, obs.InvocationNanos),
				InputBytes:      s.blend(old.InputBytes, obs.InputBytes),
				OutputBytes:     s.blend(old.OutputBytes, obs.OutputBytes),
				Invocations:     old.Invocations + 1,
			}
		}
		if b.entry.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *Store) blend(prev, sample float64) float64 {
	return prev + s.opts.Decay*(sample-prev)
}

// Estimate returns the bucket's current estimate, or the default for a
// bucket with no samples.
func (s *Store) Estimate(k Key) Entry {
	v, ok := s.buckets.Load(k)
	if !ok {
		return s.opts.Default
	}
	e := v.(*bucket).entry.Load()
	if e == nil {
		return s.opts.Default
	}
	return *e
}

// Snapshot copies every bucket with samples.
func (s *Store) Snapshot() map[Key]Entry {
	out := make(map[Key]Entry)
	s.buckets.Range(func(k, _ any) bool {
		key := k.(Key)
		if e := s.Estimate(key); e.Invocations > 0 {
			out[key] = e
		}
		return true
	})
	return out
}

// Acquire takes another reference.
func (s *Store) Acquire() *Store {
	s.refs.Add(1)
	return s
}

// ErrReleased is returned when a store is released more often than it was
// acquired.
var ErrReleased = errors.New("cost statistics store already released")

// Release drops a reference. The last release saves the store and closes
// its persister.
func (s *Store) Release(ctx context.Context) error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 || !s.closed.CompareAndSwap(false, true) {
		return ErrReleased
	}
	if s.opts.Persister == nil {
		return nil
	}
	snapshot := s.Snapshot()
	err := s.opts.Persister.Save(ctx, snapshot)
	if cerr := s.opts.Persister.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("flush cost statistics: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Cost statistics flushed.", "entries", len(snapshot))
	return nil
}
