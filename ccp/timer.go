package ccp

import (
	"container/heap"
	"time"
)

type timer struct {
	deadline time.Time
	order    uint64
	index    int
	fire     func()
}

// Min-heap on deadline; timers with equal deadlines fire in scheduling order.
type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].order < q[j].order
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	tm := x.(*timer)
	tm.index = len(*q)
	*q = append(*q, tm)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	tm := old[n-1]
	old[n-1] = nil
	tm.index = -1
	*q = old[:n-1]
	return tm
}

func (c *CCP) schedule(after time.Duration, fire func()) *timer {
	c.timerOrder++
	tm := &timer{deadline: c.cfg.Now().Add(after), order: c.timerOrder, fire: fire}
	heap.Push(&c.timers, tm)
	return tm
}

func (c *CCP) cancel(tm *timer) {
	if tm == nil || tm.index < 0 {
		return
	}
	heap.Remove(&c.timers, tm.index)
}

// Fire every timer due at now. Timers scheduled while firing run on a later
// call unless already due.
func (c *CCP) runTimers(now time.Time) {
	for c.timers.Len() > 0 && !c.timers[0].deadline.After(now) {
		tm := heap.Pop(&c.timers).(*timer)
		tm.fire()
	}
}
