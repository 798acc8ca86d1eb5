// Package runqueue provides the pluggable queue disciplines used to order
// ready work: first-in-first-out, last-in-first-out and priority.
package runqueue

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"
)

// Kind selects a queue discipline.
type Kind string

const (
	FIFO     Kind = "fifo"
	LIFO     Kind = "lifo"
	Priority Kind = "priority"
)

// ParseKind validates a discipline name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case FIFO, LIFO, Priority:
		return k, nil
	case "":
		return FIFO, nil
	default:
		return "", fmt.Errorf("unknown run queue %q: must be 'fifo', 'lifo' or 'priority'", s)
	}
}

// Queue holds ready items. Implementations are not safe for concurrent use;
// wrap them with NewConcurrent when needed.
type Queue[T any] interface {
	Push(item T)
	Pop() (T, bool)
	Len() int
}

// PriorityFunc ranks items for the Priority discipline; higher runs first.
type PriorityFunc[T any] func(T) int64

// New creates a queue of the given kind. priority is only consulted by the
// Priority discipline and may be nil, in which case all items tie and the
// queue behaves as FIFO.
func New[T any](kind Kind, priority PriorityFunc[T]) (Queue[T], error) {
	switch kind {
	case FIFO, "":
		return &fifo[T]{}, nil
	case LIFO:
		return &lifo[T]{}, nil
	case Priority:
		if priority == nil {
			priority = func(T) int64 { return 0 }
		}
		return &priorityQueue[T]{h: &itemHeap[T]{}, priority: priority}, nil
	default:
		return nil, fmt.Errorf("unknown run queue kind %q", kind)
	}
}

type fifo[T any] struct {
	items []T
	head  int
}

func (q *fifo[T]) Push(item T) { q.items = append(q.items, item) }

func (q *fifo[T]) Pop() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

func (q *fifo[T]) Len() int { return len(q.items) - q.head }

type lifo[T any] struct {
	items []T
}

func (q *lifo[T]) Push(item T) { q.items = append(q.items, item) }

func (q *lifo[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[len(q.items)-1]
	q.items[len(q.items)-1] = zero
	q.items = q.items[:len(q.items)-1]
	return item, true
}

func (q *lifo[T]) Len() int { return len(q.items) }

type entry[T any] struct {
	item     T
	priority int64
	seq      uint64
}

type itemHeap[T any] []entry[T]

func (h itemHeap[T]) Len() int { return len(h) }

// Less puts higher priority first, then earlier pushes.
func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x any) { *h = append(*h, x.(entry[T])) }

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type priorityQueue[T any] struct {
	h        *itemHeap[T]
	priority PriorityFunc[T]
	seq      uint64
}

func (q *priorityQueue[T]) Push(item T) {
	heap.Push(q.h, entry[T]{item: item, priority: q.priority(item), seq: q.seq})
	q.seq++
}

func (q *priorityQueue[T]) Pop() (T, bool) {
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(q.h).(entry[T]).item, true
}

func (q *priorityQueue[T]) Len() int { return q.h.Len() }

// Concurrent guards a Queue with a mutex.
type Concurrent[T any] struct {
	mu sync.Mutex
	q  Queue[T]
}

// NewConcurrent wraps q for use from several goroutines.
func NewConcurrent[T any](q Queue[T]) *Concurrent[T] {
	return &Concurrent[T]{q: q}
}

func (c *Concurrent[T]) Push(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.q.Push(item)
}

func (c *Concurrent[T]) Pop() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Pop()
}

func (c *Concurrent[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Len()
}
