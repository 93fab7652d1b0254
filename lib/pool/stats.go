package pool

import (
	"fmt"
	"strings"
)

type PartitionStats struct {
	Free     int
	Assigned int64
	Hits     int64
	Misses   int64
	Victims  [VictimCauseCount]int64
}

type Stats struct {
	Name           string
	Total          int64
	MaxConnections int64
	MinConnections int64
	Waiters        int
	HandOff        int
	Free           int
	WorkerFree     int64
	InUse          int
	Generation     uint64
	Victims        [VictimCauseCount]int64
	Partitions     []PartitionStats

	Disabled  bool
	Quiescing bool
	Quiesced  bool
	Shutdown  bool
}

// Stats returns a snapshot of the pool. The counters are read one at a time and may be slightly inconsistent with each
// other under load.
func (T *Manager) Stats() Stats {
	s := Stats{
		Name:           T.name,
		Total:          T.total.Load(),
		MaxConnections: T.maxConnections.Load(),
		MinConnections: T.minConnections.Load(),
		WorkerFree:     T.workers.count(),
		InUse:          T.index.count(inUse),
		Generation:     T.generation.Load(),
		Disabled:       T.disabled.Load(),
		Quiescing:      T.quiescing.Load(),
		Quiesced:       T.quiesced.Load(),
		Shutdown:       T.shutdown.Load(),
	}

	func() {
		T.waitMu.Lock()
		defer T.waitMu.Unlock()

		s.Waiters = T.waiterCount
		s.HandOff = len(T.handoff)
	}()

	for i := range T.victims {
		s.Victims[i] = T.victims[i].Load()
	}

	for _, p := range T.getPartitions() {
		ps := PartitionStats{
			Free:     p.size(),
			Assigned: p.assigned.Load(),
			Hits:     p.hits.Load(),
			Misses:   p.misses.Load(),
		}
		for i := range p.victims {
			ps.Victims[i] = p.victims[i].Load()
		}
		s.Free += ps.Free
		s.Partitions = append(s.Partitions, ps)
	}

	return s
}

func (T Stats) String() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "pool %q: total=%d max=%d min=%d in_use=%d free=%d worker_free=%d waiters=%d hand_off=%d generation=%d",
		T.Name, T.Total, T.MaxConnections, T.MinConnections, T.InUse, T.Free, T.WorkerFree, T.Waiters, T.HandOff, T.Generation)
	for cause := VictimCause(0); cause < VictimCauseCount; cause++ {
		_, _ = fmt.Fprintf(&b, " victims_%s=%d", cause, T.Victims[cause])
	}
	for i, p := range T.Partitions {
		_, _ = fmt.Fprintf(&b, "\n  partition %d: free=%d assigned=%d hits=%d misses=%d", i, p.Free, p.Assigned, p.Hits, p.Misses)
	}
	return b.String()
}
