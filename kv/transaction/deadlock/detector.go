package deadlock

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/locks"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lockwaiter"
)

// EdgeSource is the lock manager surface the detector reads. The wait-for
// graph is never stored; it is rebuilt from the wait queues on every pass.
type EdgeSource interface {
	WaitForEdges() []locks.Edge
	HeldLockCounts() map[uint64]int
}

// Detector periodically rebuilds the wait-for graph, finds cycles and wakes
// one victim per cycle so its blocked Acquire fails.
type Detector struct {
	source  EdgeSource
	waiters *lockwaiter.Manager

	interval   time.Duration
	urgentSize int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewDetector(source EdgeSource, waiters *lockwaiter.Manager, interval time.Duration, urgentSize int) *Detector {
	return &Detector{
		source:     source,
		waiters:    waiters,
		interval:   interval,
		urgentSize: urgentSize,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic detection loop.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.Detect()
			}
		}
	}()
}

func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

// OnWait is the opportunistic trigger: when a new wait edge lands and the
// graph has grown past the urgent threshold, run a pass immediately instead
// of waiting out the interval.
func (d *Detector) OnWait(waiting int) {
	if waiting >= d.urgentSize {
		go d.Detect()
	}
}

type graph struct {
	adj   map[uint64][]uint64
	edges map[[2]uint64]locks.Edge
}

func buildGraph(edges []locks.Edge) *graph {
	g := &graph{
		adj:   make(map[uint64][]uint64, len(edges)),
		edges: make(map[[2]uint64]locks.Edge, len(edges)),
	}
	for _, e := range edges {
		pair := [2]uint64{e.WaiterTxn, e.HolderTxn}
		if _, ok := g.edges[pair]; ok {
			continue
		}
		g.edges[pair] = e
		g.adj[e.WaiterTxn] = append(g.adj[e.WaiterTxn], e.HolderTxn)
	}
	return g
}

// Detect runs one pass: build the graph, find a cycle, abort one victim.
// Returns the victims chosen (empty when no cycle exists).
func (d *Detector) Detect() []uint64 {
	g := buildGraph(d.source.WaitForEdges())
	if len(g.adj) == 0 {
		return nil
	}

	var victims []uint64
	for {
		cycle := findCycle(g)
		if cycle == nil {
			break
		}
		victim := d.selectVictim(cycle)
		victims = append(victims, victim)

		edge := g.victimEdge(victim, cycle)
		log.Warn("deadlock detected", zap.Uint64s("cycle", cycle),
			zap.Uint64("victim", victim), zap.String("key", edge.Resource))
		d.waiters.WakeUpForDeadlock(victim, edge.HolderTxn, edge.KeyHash)

		// drop the victim's outgoing edges and look for further cycles
		delete(g.adj, victim)
	}
	return victims
}

// findCycle is a DFS with recursion-stack marking; it returns the node
// sequence of the first cycle found.
func findCycle(g *graph) []uint64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int, len(g.adj))
	var stack []uint64

	var visit func(txn uint64) []uint64
	visit = func(txn uint64) []uint64 {
		color[txn] = gray
		stack = append(stack, txn)
		for _, next := range g.adj[txn] {
			switch color[next] {
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case gray:
				// unwind the stack back to next: that slice is the cycle
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						return append([]uint64(nil), stack[i:]...)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[txn] = black
		return nil
	}

	for txn := range g.adj {
		if color[txn] == white {
			if cycle := visit(txn); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// selectVictim picks the transaction with the least work done so far: fewest
// held locks, youngest (largest id, ids are start-ordered) as tie-break.
func (d *Detector) selectVictim(cycle []uint64) uint64 {
	counts := d.source.HeldLockCounts()
	victim := cycle[0]
	for _, txn := range cycle[1:] {
		if counts[txn] < counts[victim] ||
			(counts[txn] == counts[victim] && txn > victim) {
			victim = txn
		}
	}
	return victim
}

// victimEdge finds the edge the victim is blocked on within the cycle.
func (g *graph) victimEdge(victim uint64, cycle []uint64) locks.Edge {
	for i, txn := range cycle {
		if txn == victim {
			next := cycle[(i+1)%len(cycle)]
			if e, ok := g.edges[[2]uint64{victim, next}]; ok {
				return e
			}
		}
	}
	for pair, e := range g.edges {
		if pair[0] == victim {
			return e
		}
	}
	return locks.Edge{WaiterTxn: victim}
}
