// Package routing holds the advisory mesh routing table: one-hop route
// entries plus a signal-weighted adjacency graph searched with Dijkstra.
package routing

import (
	"sort"
	"sync"
	"time"
)

// MaxSignal is the best link quality; edge cost is MaxSignal - signal.
const MaxSignal = 100

// Route is a one-hop entry from From towards Target.
type Route struct {
	From      string
	Target    string
	NextHop   string
	HopCount  int
	Signal    int
	Latency   time.Duration
	UpdatedAt time.Time
	Active    bool
}

// Link is an undirected weighted edge as advertised in route responses.
type Link struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Signal int    `json:"signal"`
}

type routeKey struct{ from, to string }

// Table is safe for concurrent use. Every mutation runs under one lock.
type Table struct {
	mu     sync.RWMutex
	routes map[routeKey]*Route
	adj    map[string]map[string]int
	now    func() time.Time
}

func NewTable() *Table {
	return &Table{
		routes: make(map[routeKey]*Route),
		adj:    make(map[string]map[string]int),
		now:    time.Now,
	}
}

// AddDirectRoute creates the a→b and b→a entries and the a–b edge.
func (t *Table) AddDirectRoute(a, b string, signal int) {
	if a == b {
		return
	}
	signal = clamp(signal)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, k := range []routeKey{{a, b}, {b, a}} {
		t.routes[k] = &Route{
			From:      k.from,
			Target:    k.to,
			NextHop:   k.to,
			HopCount:  1,
			Signal:    signal,
			Latency:   estimateLatency(signal),
			UpdatedAt: now,
			Active:    true,
		}
	}
	t.setEdge(a, b, signal)
}

// RemoveRoute strips both directions and the edge. It reports whether
// anything was removed.
func (t *Table) RemoveRoute(a, b string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, okAB := t.routes[routeKey{a, b}]
	_, okBA := t.routes[routeKey{b, a}]
	_, okEdge := t.adj[a][b]
	delete(t.routes, routeKey{a, b})
	delete(t.routes, routeKey{b, a})
	t.dropEdge(a, b)
	return okAB || okBA || okEdge
}

// UpdateRouteSignal refreshes the signal of both entries and the edge weight.
// It returns false when no entry exists between a and b.
func (t *Table) UpdateRouteSignal(a, b string, signal int) bool {
	signal = clamp(signal)

	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	now := t.now()
	for _, k := range []routeKey{{a, b}, {b, a}} {
		if r, ok := t.routes[k]; ok {
			r.Signal = signal
			r.Latency = estimateLatency(signal)
			r.UpdatedAt = now
			found = true
		}
	}
	if found {
		t.setEdge(a, b, signal)
	}
	return found
}

// SetActive flags the link between a and b. Inactive links are skipped by
// FindRoute but kept for pruning and persistence.
func (t *Table) SetActive(a, b string, active bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	now := t.now()
	for _, k := range []routeKey{{a, b}, {b, a}} {
		if r, ok := t.routes[k]; ok {
			r.Active = active
			r.UpdatedAt = now
			found = true
		}
	}
	return found
}

// Get returns a copy of the entry from→to.
func (t *Table) Get(from, to string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[routeKey{from, to}]
	if !ok {
		return Route{}, false
	}
	return *r, true
}

// Len returns the number of route entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// PruneStaleRoutes removes entries not updated within maxAge and returns how
// many were removed. An edge goes once neither of its directions remains.
func (t *Table) PruneStaleRoutes(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0
	for k, r := range t.routes {
		if r.UpdatedAt.Before(cutoff) {
			delete(t.routes, k)
			removed++
		}
	}
	for a, peers := range t.adj {
		for b := range peers {
			_, ab := t.routes[routeKey{a, b}]
			_, ba := t.routes[routeKey{b, a}]
			if !ab && !ba {
				t.dropEdge(a, b)
			}
		}
	}
	return removed
}

// FindRoute returns the cheapest path from src to dst inclusive of both ends.
func (t *Table) FindRoute(src, dst string) ([]string, bool) {
	if src == dst {
		return []string{src}, true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.routes[routeKey{src, dst}]; ok && r.Active {
		return []string{src, dst}, true
	}
	return t.shortestPath(src, dst)
}

// Links lists every usable edge once, sorted.
func (t *Table) Links() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Link
	for a, peers := range t.adj {
		for b, s := range peers {
			if a < b && t.edgeActive(a, b) {
				out = append(out, Link{A: a, B: b, Signal: s})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Snapshot copies the table for persistence.
func (t *Table) Snapshot() ([]Route, map[string]map[string]int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		routes = append(routes, *r)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].From != routes[j].From {
			return routes[i].From < routes[j].From
		}
		return routes[i].Target < routes[j].Target
	})

	adj := make(map[string]map[string]int, len(t.adj))
	for a, peers := range t.adj {
		cp := make(map[string]int, len(peers))
		for b, s := range peers {
			cp[b] = s
		}
		adj[a] = cp
	}
	return routes, adj
}

// Restore replaces the table contents with a snapshot.
func (t *Table) Restore(routes []Route, adj map[string]map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.routes = make(map[routeKey]*Route, len(routes))
	for i := range routes {
		r := routes[i]
		t.routes[routeKey{r.From, r.Target}] = &r
	}
	t.adj = make(map[string]map[string]int, len(adj))
	for a, peers := range adj {
		cp := make(map[string]int, len(peers))
		for b, s := range peers {
			cp[b] = s
		}
		t.adj[a] = cp
	}
}

// setEdge and dropEdge expect t.mu held for writing.
func (t *Table) setEdge(a, b string, signal int) {
	if t.adj[a] == nil {
		t.adj[a] = make(map[string]int)
	}
	if t.adj[b] == nil {
		t.adj[b] = make(map[string]int)
	}
	t.adj[a][b] = signal
	t.adj[b][a] = signal
}

func (t *Table) dropEdge(a, b string) {
	delete(t.adj[a], b)
	delete(t.adj[b], a)
	if len(t.adj[a]) == 0 {
		delete(t.adj, a)
	}
	if len(t.adj[b]) == 0 {
		delete(t.adj, b)
	}
}

// edgeActive treats an edge as usable unless an entry for it is inactive.
func (t *Table) edgeActive(a, b string) bool {
	if r, ok := t.routes[routeKey{a, b}]; ok && !r.Active {
		return false
	}
	if r, ok := t.routes[routeKey{b, a}]; ok && !r.Active {
		return false
	}
	return true
}

func clamp(signal int) int {
	return max(0, min(MaxSignal, signal))
}

// estimateLatency is a rough per-hop figure: 5ms on a perfect link growing
// linearly as quality drops.
func estimateLatency(signal int) time.Duration {
	return time.Duration(5+(MaxSignal-signal)) * time.Millisecond
}
