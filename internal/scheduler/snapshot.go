package scheduler

import (
	"sort"
	"time"
)

type TaskInfo struct {
	ID        string
	Kind      string
	Due       time.Time
	Repeating bool
	Every     time.Duration
}

type GuildSnapshot struct {
	GuildID string
	Tasks   []TaskInfo
}

type Snapshot struct {
	Running      bool
	TickInterval time.Duration
	Pending      int
	Guilds       []GuildSnapshot
}

// Snapshot returns an operator-facing view of the working set.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:      s.stopCh != nil,
		TickInterval: s.cfg.TickInterval,
	}
	for gid, tasks := range s.guilds {
		if len(tasks) == 0 {
			continue
		}
		gs := GuildSnapshot{GuildID: gid}
		for _, t := range tasks {
			gs.Tasks = append(gs.Tasks, TaskInfo{
				ID:        t.id,
				Kind:      t.kind,
				Due:       t.dueAt,
				Repeating: t.plan.Repeating(),
				Every:     t.plan.Every,
			})
		}
		sort.Slice(gs.Tasks, func(i, j int) bool { return gs.Tasks[i].Due.Before(gs.Tasks[j].Due) })
		snap.Pending += len(gs.Tasks)
		snap.Guilds = append(snap.Guilds, gs)
	}
	sort.Slice(snap.Guilds, func(i, j int) bool { return snap.Guilds[i].GuildID < snap.Guilds[j].GuildID })
	return snap
}
