package broadcast

import (
	"sort"
	"time"
)

const (
	// Keep status memory bounded: jobs can be created frequently and keeping
	// every status forever steadily retains memory.
	statusMax = 200
	statusTTL = 24 * time.Hour
)

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if len(s.status) == 0 {
		return
	}

	// 1) Drop completed jobs older than the TTL.
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		reference := st.DoneAt
		if reference.IsZero() {
			reference = st.ClaimedAt
		}
		if !reference.IsZero() && now.Sub(reference) > statusTTL {
			delete(s.status, id)
		}
	}

	if len(s.status) <= statusMax {
		return
	}

	// 2) Still too big: drop oldest non-running jobs first.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		if st == nil || st.Running {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.ClaimedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - statusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}
