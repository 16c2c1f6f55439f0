package coap

import (
	"cmp"
	"container/heap"
	"slices"

	"github.com/dalbodeule/hop-coap/internal/clock"
)

// queued 는 ACK 를 기다리는 confirmable 메시지 하나입니다.
type queued struct {
	session     *Session
	pdu         []byte
	mid         uint16
	deadline    clock.Tick // 절대 tick
	timeout     clock.Tick // 현재 재전송 간격
	retransmits int

	seq   uint64
	index int
}

// sendQueue 는 deadline 순 최소 힙입니다. 같은 deadline 이면 먼저 넣은 항목이 앞섭니다.
type sendQueue struct {
	items []*queued
	seq   uint64
}

func (q *sendQueue) Len() int { return len(q.items) }

func (q *sendQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

func (q *sendQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *sendQueue) Push(x any) {
	e := x.(*queued)
	e.index = len(q.items)
	q.items = append(q.items, e)
}

func (q *sendQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.items = old[:n-1]
	return e
}

func (q *sendQueue) push(e *queued) {
	q.seq++
	e.seq = q.seq
	heap.Push(q, e)
}

func (q *sendQueue) peek() *queued {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popDue 는 now 에 만료된 맨 앞 항목을 꺼냅니다. 없으면 nil.
func (q *sendQueue) popDue(now clock.Tick) *queued {
	e := q.peek()
	if e == nil || e.deadline > now {
		return nil
	}
	return heap.Pop(q).(*queued)
}

// delay 는 맨 앞 항목까지 남은 tick 입니다. now 가 deadline 을 지났으면 0 입니다.
func (q *sendQueue) delay(now clock.Tick) (clock.Tick, bool) {
	e := q.peek()
	if e == nil {
		return 0, false
	}
	if now >= e.deadline {
		return 0, true
	}
	return e.deadline - now, true
}

// removeMID 는 세션의 mid 항목을 찾아 제거합니다.
func (q *sendQueue) removeMID(s *Session, mid uint16) *queued {
	for _, e := range q.items {
		if e.session == s && e.mid == mid {
			heap.Remove(q, e.index)
			return e
		}
	}
	return nil
}

// removeSession 은 세션의 모든 항목을 deadline 순으로 제거해 돌려줍니다.
func (q *sendQueue) removeSession(s *Session) []*queued {
	var out []*queued
	kept := q.items[:0]
	for _, e := range q.items {
		if e.session == s {
			e.index = -1
			out = append(out, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	for i, e := range q.items {
		e.index = i
	}
	heap.Init(q)
	sortQueued(out)
	return out
}

func (q *sendQueue) countSession(s *Session) int {
	n := 0
	for _, e := range q.items {
		if e.session == s {
			n++
		}
	}
	return n
}

func sortQueued(es []*queued) {
	slices.SortFunc(es, func(a, b *queued) int {
		if c := cmp.Compare(a.deadline, b.deadline); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
