package tcplb

import "sort"

// FrontendStats is a point-in-time copy of the counters of one frontend,
// summed over every loop serving it.
type FrontendStats struct {
	Name               string
	Address            string
	Group              string
	ActiveSessions     int64
	TotalSessions      uint64
	RejectedSessions   uint64
	ConnectErrors      uint64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}

type BalancerStats struct {
	Name    string
	Targets []string
}

type Stats struct {
	Frontends []FrontendStats
	Balancers []BalancerStats
}

func (c *FrontendCounters) snapshot() FrontendStats {
	return FrontendStats{
		ActiveSessions:     c.ActiveSessions.Load(),
		TotalSessions:      c.TotalSessions.Load(),
		RejectedSessions:   c.RejectedSessions.Load(),
		ConnectErrors:      c.ConnectErrors.Load(),
		TotalSentBytes:     c.TotalSentBytes.Load(),
		TotalReceivedBytes: c.TotalReceivedBytes.Load(),
	}
}

// Stats collects the counters of the running frontends and the layout of the
// backend groups.
func (m *Manager) Stats() Stats {
	m.lock.Lock()
	frontends := make([]FrontendStats, 0, len(m.frontends))
	for name, running := range m.frontends {
		stats := running.stats.snapshot()
		stats.Name = name
		stats.Address = running.addr
		stats.Group = running.def.Group
		frontends = append(frontends, stats)
	}
	m.lock.Unlock()
	sort.Slice(frontends, func(i, j int) bool {
		return frontends[i].Name < frontends[j].Name
	})
	var balancers []BalancerStats
	for _, name := range m.pool.Groups() {
		balancers = append(balancers, BalancerStats{Name: name, Targets: m.pool.Targets(name)})
	}
	return Stats{Frontends: frontends, Balancers: balancers}
}
