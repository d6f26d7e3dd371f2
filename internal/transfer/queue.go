package transfer

import (
	"context"
	"sync"
)

// Sink accepts transfer items in order.
type Sink interface {
	Put(ctx context.Context, item Item) error
}

// Source hands out transfer items in order, blocking until one arrives.
type Source interface {
	Take(ctx context.Context) (Item, error)
}

// Queue is an unbounded ordered channel. Put never blocks; Take blocks until
// an item is available or ctx is done.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Put(_ context.Context, item Item) error {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) Take(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = Item{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Key addresses one transfer channel on one node.
type Key struct {
	Node    string
	Channel string
}

// maxClosed is how many removed keys Queues remembers.
const maxClosed = 1024

// Queues lazily creates one queue per key.
type Queues struct {
	mu     sync.Mutex
	queues map[Key]*Queue

	closed     map[Key]struct{}
	closedKeys []Key // oldest first
}

func NewQueues() *Queues {
	return &Queues{queues: map[Key]*Queue{}, closed: map[Key]struct{}{}}
}

// Deliver puts item on the queue at key. Items for a removed key are dropped
// and reported with false.
func (qs *Queues) Deliver(ctx context.Context, key Key, item Item) (bool, error) {
	qs.mu.Lock()
	if _, gone := qs.closed[key]; gone {
		qs.mu.Unlock()
		return false, nil
	}
	q, ok := qs.queues[key]
	if !ok {
		q = NewQueue()
		qs.queues[key] = q
	}
	qs.mu.Unlock()
	return true, q.Put(ctx, item)
}

func (qs *Queues) Get(key Key) *Queue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q, ok := qs.queues[key]
	if !ok {
		q = NewQueue()
		qs.queues[key] = q
	}
	return q
}

// Remove drops the queue at key and refuses later deliveries to it.
func (qs *Queues) Remove(key Key) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.queues, key)
	if _, ok := qs.closed[key]; ok {
		return
	}
	qs.closed[key] = struct{}{}
	qs.closedKeys = append(qs.closedKeys, key)
	if len(qs.closedKeys) > maxClosed {
		delete(qs.closed, qs.closedKeys[0])
		qs.closedKeys = qs.closedKeys[1:]
	}
}

func (qs *Queues) Len() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.queues)
}
