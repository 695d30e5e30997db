package routing

import (
	"container/heap"
	"slices"
)

type hop struct {
	id    string
	cost  int
	hops  int
	index int
}

type hopQueue []*hop

func (q hopQueue) Len() int { return len(q) }

func (q hopQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].hops != q[j].hops {
		return q[i].hops < q[j].hops
	}
	return q[i].id < q[j].id
}

func (q hopQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *hopQueue) Push(x any) {
	h := x.(*hop)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *hopQueue) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return h
}

// shortestPath runs Dijkstra over active edges. Ties on cost prefer fewer
// hops, then the lexically smaller predecessor. Caller holds t.mu.
func (t *Table) shortestPath(src, dst string) ([]string, bool) {
	if _, ok := t.adj[src]; !ok {
		return nil, false
	}

	type best struct {
		cost int
		hops int
		prev string
	}
	dist := map[string]best{src: {}}
	done := make(map[string]bool)

	q := &hopQueue{}
	heap.Push(q, &hop{id: src})

	for q.Len() > 0 {
		cur := heap.Pop(q).(*hop)
		if done[cur.id] {
			continue
		}
		done[cur.id] = true
		if cur.id == dst {
			break
		}

		for next, signal := range t.adj[cur.id] {
			if done[next] || !t.edgeActive(cur.id, next) {
				continue
			}
			cand := best{cost: cur.cost + MaxSignal - signal, hops: cur.hops + 1, prev: cur.id}
			old, seen := dist[next]
			if seen && !better(cand.cost, cand.hops, cand.prev, old.cost, old.hops, old.prev) {
				continue
			}
			dist[next] = cand
			heap.Push(q, &hop{id: next, cost: cand.cost, hops: cand.hops})
		}
	}

	if !done[dst] {
		return nil, false
	}
	path := []string{dst}
	for at := dst; at != src; {
		at = dist[at].prev
		path = append(path, at)
	}
	slices.Reverse(path)
	return path, true
}

func better(cost, hops int, prev string, oldCost, oldHops int, oldPrev string) bool {
	if cost != oldCost {
		return cost < oldCost
	}
	if hops != oldHops {
		return hops < oldHops
	}
	return prev < oldPrev
}
