// Package book implements the per-pair, per-side priority queues that back
// the matching engine: a max-heap of buy orders (highest price first, ties
// broken by earliest createdAt) and a min-heap of sell orders (lowest price
// first, same tie-break).
package book

import (
	"container/heap"
	"sync"
)

// OrderPricer is anything that can be ordered in a price/time priority
// queue: a stable id, a price-adjusted value (see order.Order.PriceAdjusted),
// and a creation time.
type OrderPricer interface {
	UID() string
	Price() uint64
	Time() int64
}

type orderEntry struct {
	OrderPricer
	heapIdx int
}

type orderHeap []*orderEntry

// OrderPQ is a thread-safe priority queue of OrderPricers. Construct with
// NewMaxOrderPQ for the buy side (highest price wins) or NewMinOrderPQ for
// the sell side (lowest price wins); both break ties by earliest Time().
type OrderPQ struct {
	mtx    sync.Mutex
	oh     orderHeap
	lessFn func(a, b OrderPricer) bool
	orders map[string]*orderEntry
}

// NewMinOrderPQ constructs a min-oriented queue: lowest Price() at the head.
func NewMinOrderPQ() *OrderPQ {
	return newOrderPQ(LessByPriceThenTime)
}

// NewMaxOrderPQ constructs a max-oriented queue: highest Price() at the head.
func NewMaxOrderPQ() *OrderPQ {
	return newOrderPQ(GreaterByPriceThenTime)
}

func newOrderPQ(lessFn func(a, b OrderPricer) bool) *OrderPQ {
	return &OrderPQ{
		lessFn: lessFn,
		orders: make(map[string]*orderEntry),
	}
}

// LessByPriceThenTime orders ascending by price, older createdAt breaking ties.
func LessByPriceThenTime(a, b OrderPricer) bool {
	if a.Price() == b.Price() {
		return a.Time() < b.Time()
	}
	return a.Price() < b.Price()
}

// GreaterByPriceThenTime orders descending by price, older createdAt breaking ties.
func GreaterByPriceThenTime(a, b OrderPricer) bool {
	if a.Price() == b.Price() {
		return a.Time() < b.Time()
	}
	return a.Price() > b.Price()
}

// Count returns the number of orders in the queue.
func (pq *OrderPQ) Count() int {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	return len(pq.oh)
}

// Satisfy heap.Interface. Not safe for concurrent use; only reached via
// the locked OrderPQ methods below.

func (pq *OrderPQ) Len() int { return len(pq.oh) }

func (pq *OrderPQ) Less(i, j int) bool {
	return pq.lessFn(pq.oh[i], pq.oh[j])
}

func (pq *OrderPQ) Swap(i, j int) {
	pq.oh[i], pq.oh[j] = pq.oh[j], pq.oh[i]
	pq.oh[i].heapIdx = i
	pq.oh[j].heapIdx = j
}

func (pq *OrderPQ) Push(x interface{}) {
	pricer := x.(OrderPricer)
	entry := &orderEntry{OrderPricer: pricer, heapIdx: len(pq.oh)}
	pq.orders[pricer.UID()] = entry
	pq.oh = append(pq.oh, entry)
}

func (pq *OrderPQ) Pop() interface{} {
	n := len(pq.oh)
	entry := pq.oh[n-1]
	entry.heapIdx = -1
	pq.oh = pq.oh[:n-1]
	delete(pq.orders, entry.UID())
	return entry.OrderPricer
}

// End heap.Interface.

// Insert adds an order to the queue. Returns false if an order with the
// same UID is already present.
func (pq *OrderPQ) Insert(o OrderPricer) bool {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	if o == nil || o.UID() == "" {
		return false
	}
	if _, found := pq.orders[o.UID()]; found {
		return false
	}
	heap.Push(pq, o)
	return true
}

// PeekBest returns the highest-priority order without removing it.
func (pq *OrderPQ) PeekBest() OrderPricer {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	if len(pq.oh) == 0 {
		return nil
	}
	return pq.oh[0].OrderPricer
}

// ExtractBest removes and returns the highest-priority order.
func (pq *OrderPQ) ExtractBest() OrderPricer {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	if len(pq.oh) == 0 {
		return nil
	}
	return heap.Pop(pq).(OrderPricer)
}

// Get returns the order with the given UID, if present.
func (pq *OrderPQ) Get(uid string) (OrderPricer, bool) {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	entry, ok := pq.orders[uid]
	if !ok {
		return nil, false
	}
	return entry.OrderPricer, true
}

// Replace swaps the order at uid for the updated value new, restoring
// heap order. Used after an in-place quantity change (e.g. a partial
// removal) that may alter price/time ranking.
func (pq *OrderPQ) Replace(uid string, new OrderPricer) bool {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	entry, ok := pq.orders[uid]
	if !ok {
		return false
	}
	delete(pq.orders, uid)
	entry.OrderPricer = new
	pq.orders[new.UID()] = entry
	heap.Fix(pq, entry.heapIdx)
	return true
}

// Remove removes the order with the given UID, if present.
func (pq *OrderPQ) Remove(uid string) (OrderPricer, bool) {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	entry, ok := pq.orders[uid]
	if !ok {
		return nil, false
	}
	removed := entry.OrderPricer
	heap.Remove(pq, entry.heapIdx)
	return removed, true
}

// RemoveIf removes every order matching pred and returns them, in no
// particular order. Used for bulk removal on peer disconnect.
func (pq *OrderPQ) RemoveIf(pred func(OrderPricer) bool) []OrderPricer {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()

	var toRemove []string
	for uid, entry := range pq.orders {
		if pred(entry.OrderPricer) {
			toRemove = append(toRemove, uid)
		}
	}

	removed := make([]OrderPricer, 0, len(toRemove))
	for _, uid := range toRemove {
		entry := pq.orders[uid]
		removed = append(removed, entry.OrderPricer)
		heap.Remove(pq, entry.heapIdx)
	}
	return removed
}

// All returns a snapshot of every order currently queued, in no
// particular order.
func (pq *OrderPQ) All() []OrderPricer {
	pq.mtx.Lock()
	defer pq.mtx.Unlock()
	out := make([]OrderPricer, 0, len(pq.oh))
	for _, e := range pq.oh {
		out = append(out, e.OrderPricer)
	}
	return out
}
