package dispatch

import (
	"sort"
	"time"
)

// pruneStatus keeps the status map bounded even if nobody queries old job IDs.
// Jobs that have not finished are never dropped.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if len(s.status) == 0 {
		return
	}

	// 1) Drop finished jobs older than TTL.
	for id, e := range s.status {
		if e.st.Finished && now.Sub(e.st.DoneAt) > s.cfg.StatusTTL {
			delete(s.status, id)
		}
	}

	if len(s.status) <= s.cfg.StatusMax {
		return
	}

	// 2) Still too big: drop the oldest finished jobs.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, e := range s.status {
		if e.st.Finished {
			items = append(items, kv{id: id, t: e.st.DoneAt})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - s.cfg.StatusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}
