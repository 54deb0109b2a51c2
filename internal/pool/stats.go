package pool

import "github.com/joao-brasil/registry-resilience/pkg/credential"

// Stats holds pool statistics.
type Stats struct {
	Active                int // borrowed connections
	Total                 int // live connections, borrowed and idle
	Available             int // idle connections ready for reuse
	Max                   int // cap of the classes counted in Total
	UtilizationPercentage int // round(100 * Total / Max)
}

// Stats returns statistics across every credential class. Max is the cap of
// one class times the number of classes holding connections, so a single
// class in use reports the same figures as ClassStats.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	var s Stats
	for _, conns := range p.conns {
		if len(conns) > 0 {
			inUse++
		}
		s.add(conns)
	}
	s.Max = p.cfg.MaxConnections * max(inUse, 1)
	s.UtilizationPercentage = utilization(s.Total, s.Max)
	return s
}

// ClassStats returns statistics for one credential class.
func (p *Pool) ClassStats(class credential.Class) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Max: p.cfg.MaxConnections}
	s.add(p.conns[class])
	s.UtilizationPercentage = utilization(s.Total, s.Max)
	return s
}

func (s *Stats) add(conns []*PooledConn) {
	for _, c := range conns {
		s.Total++
		if c.Active() {
			s.Active++
		} else {
			s.Available++
		}
	}
}

// Held returns the live and opening connections per credential class. Each of
// them holds a SlotLimiter slot.
func (p *Pool) Held() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := make(map[string]int, len(credential.Classes))
	for _, c := range credential.Classes {
		held[c.String()] = len(p.conns[c]) + p.opening[c]
	}
	return held
}
