// Package eventbus implements the in-process broadcast bus that carries
// notifications to subscribers.
package eventbus

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
)

// EventBus is a partitioned publish/subscribe bus.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Unsubscribe(sub Subscription)
	Close() error
	GetStats() *Stats
}

// Stats reports bus counters.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	DroppedCount   int64
	PartitionCount int
	QueuedCount    []int
}

// InMemoryEventBus hashes each event key onto a partition. Every partition
// is served by one goroutine, so events sharing a key keep their order.
type InMemoryEventBus struct {
	partitions     []*partition
	partitionCount int
	hashRing       *hashring.HashRing
	partitionNodes []string

	mu          sync.RWMutex
	subscribers map[string][]subscriber
	nextID      uint64
	closed      bool
	wg          sync.WaitGroup

	publishedCount int64
	processedCount int64
	droppedCount   int64
}

// Defaults used when NewInMemoryEventBus gets non-positive sizes.
const (
	DefaultPartitions = 4
	DefaultQueueSize  = 1024
)

// NewInMemoryEventBus starts partitionCount partition goroutines, each with a
// queue of queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = DefaultPartitions
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	bus := &InMemoryEventBus{
		partitionCount: partitionCount,
		subscribers:    make(map[string][]subscriber),
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
	}

	for i := 0; i < partitionCount; i++ {
		bus.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	bus.hashRing = hashring.New(bus.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		bus.partitions[i] = &partition{
			id:    i,
			queue: make(chan *Event, queueSize),
		}
		bus.wg.Add(1)
		go bus.runPartition(bus.partitions[i])
	}

	return bus
}

// Publish queues event without blocking. It fails with core.ErrNoSubscriber
// when nobody listens on the topic, core.ErrBusClosed after Close, and an
// overflow error when the partition queue is full.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return core.ErrBusClosed
	}
	if len(b.subscribers[event.Topic]) == 0 {
		return core.ErrNoSubscriber
	}

	partitionID := b.getPartitionID(event.Key)
	select {
	case b.partitions[partitionID].queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		atomic.AddInt64(&b.droppedCount, 1)
		return fmt.Errorf("partition %d queue is full", partitionID)
	}
}

// Subscribe adds handler to topic. Several handlers may share a topic; each
// gets every event.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Subscription{}, core.ErrBusClosed
	}
	b.nextID++
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{id: b.nextID, handler: handler})

	log.GetLogger().Debugf("subscribed to topic %s", topic)
	return Subscription{Topic: topic, id: b.nextID}, nil
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (b *InMemoryEventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.Topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.Topic]) == 0 {
		delete(b.subscribers, sub.Topic)
	}
}

// Close stops every partition after it drains its queue and waits for the
// partition goroutines to exit.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	log.GetLogger().Debug("event bus closed")
	return nil
}

// GetStats returns a counter snapshot.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		DroppedCount:   atomic.LoadInt64(&b.droppedCount),
		PartitionCount: b.partitionCount,
		QueuedCount:    make([]int, b.partitionCount),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) getPartitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, partitionNode := range b.partitionNodes {
		if partitionNode == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryEventBus) handlers(topic string) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[topic]
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer b.wg.Done()
	logger := log.GetLogger()

	for event := range p.queue {
		var failed bool
		for _, s := range b.handlers(event.Topic) {
			if err := s.handler(event); err != nil {
				failed = true
				logger.Errorf("failed to handle %s event in partition %d: %v", event.Topic, p.id, err)
			}
		}
		if !failed {
			atomic.AddInt64(&b.processedCount, 1)
		}
	}
}
