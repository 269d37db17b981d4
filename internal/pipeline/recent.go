package pipeline

import (
	"container/list"
	"sync"

	"github.com/JaimeStill/safeguard/internal/risk"
)

// recent caches the newest assessment per subject. Beyond capacity the
// least recently read or written subject is evicted.
type recent struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type recentEntry struct {
	subjectID  string
	assessment risk.Assessment
}

func newRecent(capacity int) *recent {
	return &recent{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (r *recent) put(subjectID string, a risk.Assessment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.items[subjectID]; ok {
		el.Value.(*recentEntry).assessment = a
		r.order.MoveToFront(el)
		return
	}

	r.items[subjectID] = r.order.PushFront(&recentEntry{subjectID: subjectID, assessment: a})
	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.items, oldest.Value.(*recentEntry).subjectID)
	}
}

func (r *recent) get(subjectID string) (risk.Assessment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.items[subjectID]
	if !ok {
		return risk.Assessment{}, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*recentEntry).assessment, true
}

func (r *recent) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
