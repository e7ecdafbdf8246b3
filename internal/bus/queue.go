package bus

import (
	"sync"

	"hivemind/internal/logging"
)

// mailbox is one worker's private inbound queue: FIFO, safe for concurrent
// producers and a single consumer. Ordering is guaranteed only within one
// mailbox, never across workers.
type mailbox struct {
	mu       sync.Mutex
	owner    string
	items    []*KnowledgeItem
	capacity int
}

func newMailbox(owner string, capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &mailbox{owner: owner, capacity: capacity}
}

// push appends an item. When the queue is full the oldest broadcast entry is
// evicted; targeted items are never evicted.
func (m *mailbox) push(item *KnowledgeItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) >= m.capacity {
		evicted := false
		for i, queued := range m.items {
			if queued.TargetWorker == "" {
				logging.Get(logging.CategoryBus).Warn("queue full for %s, evicting oldest broadcast item %s", m.owner, queued.ID)
				m.items = append(m.items[:i], m.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// All targeted: grow past capacity rather than drop.
			logging.Get(logging.CategoryBus).Warn("queue for %s over capacity with targeted items", m.owner)
		}
	}
	m.items = append(m.items, item)
}

// pop removes and returns the first item deliverable to worker. Items
// addressed to some other worker are requeued at the tail, never dropped.
func (m *mailbox) pop(worker string) (*KnowledgeItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scanned := 0; scanned < len(m.items); scanned++ {
		item := m.items[0]
		m.items = m.items[1:]
		if item.TargetWorker != "" && item.TargetWorker != worker {
			m.items = append(m.items, item)
			continue
		}
		return item, true
	}
	return nil, false
}

// len returns the queue depth.
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
