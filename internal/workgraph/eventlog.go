package workgraph

import (
	"time"
)

// commitEventsLocked stamps the batch with sequences from the workspace's
// single-writer counter, appends it to the log, and fans it out to webhook
// matching and live watchers. Caller holds the write lock, so no two events
// in a workspace can ever share or skip a sequence.
func (s *Store) commitEventsLocked(wsGID string, ws *workspaceState, events []ChangeEvent) []ChangeEvent {
	if len(events) == 0 {
		return events
	}
	now := formatTime(s.clock())
	for i := range events {
		events[i].WorkspaceGID = wsGID
		events[i].Sequence = ws.NextSequence
		ws.NextSequence++
		if events[i].OccurredAt == "" {
			events[i].OccurredAt = now
		}
	}
	ws.Events = append(ws.Events, events...)
	s.matchSubscriptionsLocked(wsGID, ws, events)
	s.notifyWatchers(wsGID, events)
	return events
}

// readEventsLocked scans the log for events after fromSequence that fall in
// scope, in ascending sequence order. Because sequences are gap-free the
// start offset is plain arithmetic, not a search.
func (s *Store) readEventsLocked(ws *workspaceState, scopeGID string, fromSequence uint64, limit int) ([]ChangeEvent, uint64, bool) {
	if limit <= 0 {
		limit = s.pageLimit
	}
	var firstSeq uint64
	if len(ws.Events) > 0 {
		firstSeq = ws.Events[0].Sequence
	}
	start := 0
	if fromSequence >= firstSeq && len(ws.Events) > 0 {
		start = int(fromSequence - firstSeq + 1)
	}
	events := make([]ChangeEvent, 0, limit)
	last := fromSequence
	hasMore := false
	for i := start; i < len(ws.Events); i++ {
		ev := ws.Events[i]
		if !s.eventInScopeLocked(ws, scopeGID, ev) {
			continue
		}
		if len(events) == limit {
			hasMore = true
			break
		}
		events = append(events, ev)
		last = ev.Sequence
	}
	return events, last, hasMore
}

// eventInScopeLocked decides whether an event belongs to a poll or webhook
// scope. A workspace GID matches everything in the partition; a resource GID
// matches the resource itself, its event parent, its subtask ancestors, and
// the projects it belongs to.
func (s *Store) eventInScopeLocked(ws *workspaceState, scopeGID string, ev ChangeEvent) bool {
	if scopeGID == "" || scopeGID == ev.WorkspaceGID {
		return true
	}
	if ev.Resource.GID == scopeGID {
		return true
	}
	if ev.Parent != nil && ev.Parent.GID == scopeGID {
		return true
	}
	if ws.subtaskAncestor(scopeGID, ev.Resource.GID) {
		return true
	}
	for at := ev.Resource.GID; at != ""; at = ws.Parents[at] {
		if ws.memberIndex[at][scopeGID] {
			return true
		}
	}
	return false
}

// CompactEvents drops events older than the retention horizon from every
// workspace log. A cursor that still points below the new floor is reported
// as expired on its next poll rather than silently skipping history.
func (s *Store) CompactEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := s.clock().Add(-s.retention)
	for _, ws := range s.workspaces {
		cut := 0
		for cut < len(ws.Events) {
			occurred, err := time.Parse(time.RFC3339Nano, ws.Events[cut].OccurredAt)
			if err != nil || !occurred.Before(horizon) {
				break
			}
			cut++
		}
		if cut == 0 {
			continue
		}
		ws.CompactedThrough = ws.Events[cut-1].Sequence
		ws.Events = append([]ChangeEvent(nil), ws.Events[cut:]...)
	}
	s.saveLocked()
}

func (s *Store) compactionLoop() {
	defer s.wg.Done()
	s.mu.RLock()
	interval := s.retention / 4
	s.mu.RUnlock()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.CompactEvents()
		}
	}
}

// EventWatcher is a live feed of committed events for one workspace, used by
// the websocket stream. Sends never block the mutation path: a slow consumer
// loses events and is expected to fall back to polling with its cursor.
type EventWatcher struct {
	ch    chan ChangeEvent
	C     <-chan ChangeEvent
	id    uint64
	store *Store
	wsGID string
}

func (s *Store) WatchWorkspace(workspaceGID string) *EventWatcher {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	s.watcherSeq++
	ch := make(chan ChangeEvent, 64)
	w := &EventWatcher{
		ch:    ch,
		C:     ch,
		id:    s.watcherSeq,
		store: s,
		wsGID: workspaceGID,
	}
	s.watchers[w.id] = w
	return w
}

func (w *EventWatcher) Close() {
	if w == nil || w.store == nil {
		return
	}
	w.store.watcherMu.Lock()
	defer w.store.watcherMu.Unlock()
	if _, ok := w.store.watchers[w.id]; ok {
		delete(w.store.watchers, w.id)
		close(w.ch)
	}
}

func (s *Store) notifyWatchers(wsGID string, events []ChangeEvent) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	for _, w := range s.watchers {
		if w.wsGID != wsGID {
			continue
		}
		for _, ev := range events {
			select {
			case w.ch <- ev:
			default:
			}
		}
	}
}
