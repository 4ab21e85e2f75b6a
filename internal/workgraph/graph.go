package workgraph

// Relationship edges are kept as identifier-keyed adjacency maps, never as
// object references, so traversals are bounded and the snapshot stays a
// plain JSON document.

const positionStep int64 = 1 << 10

// rebuildIndexes derives the reverse dependency and task-to-project indexes
// after a snapshot load. Only the forward maps are persisted.
func (ws *workspaceState) rebuildIndexes() {
	ws.reverseDeps = map[string]map[string]bool{}
	for blocking, blocked := range ws.Dependencies {
		for gid := range blocked {
			if ws.reverseDeps[gid] == nil {
				ws.reverseDeps[gid] = map[string]bool{}
			}
			ws.reverseDeps[gid][blocking] = true
		}
	}
	ws.memberIndex = map[string]map[string]bool{}
	for project, entries := range ws.Memberships {
		for _, entry := range entries {
			if ws.memberIndex[entry.TaskGID] == nil {
				ws.memberIndex[entry.TaskGID] = map[string]bool{}
			}
			ws.memberIndex[entry.TaskGID][project] = true
		}
	}
}

// dependencyPath returns the chain of existing blocking edges leading from
// `from` to `to`, or nil when `to` is unreachable. Breadth-first over the
// forward adjacency only, so cost is linear in the edges actually reachable
// from `from`.
func (ws *workspaceState) dependencyPath(from, to string) []string {
	if from == to {
		return []string{from}
	}
	if len(ws.Dependencies) == 0 {
		return nil
	}
	prev := map[string]string{from: ""}
	frontier := []string{from}
	for len(frontier) > 0 {
		next := frontier
		frontier = nil
		for _, node := range next {
			for neighbour := range ws.Dependencies[node] {
				if _, seen := prev[neighbour]; seen {
					continue
				}
				prev[neighbour] = node
				if neighbour == to {
					path := []string{to}
					for at := node; at != ""; at = prev[at] {
						path = append([]string{at}, path...)
					}
					return path
				}
				frontier = append(frontier, neighbour)
			}
		}
	}
	return nil
}

func (ws *workspaceState) hasDependency(blocking, blocked string) bool {
	return ws.Dependencies[blocking][blocked]
}

func (ws *workspaceState) linkDependency(blocking, blocked string) {
	if ws.Dependencies[blocking] == nil {
		ws.Dependencies[blocking] = map[string]bool{}
	}
	ws.Dependencies[blocking][blocked] = true
	if ws.reverseDeps[blocked] == nil {
		ws.reverseDeps[blocked] = map[string]bool{}
	}
	ws.reverseDeps[blocked][blocking] = true
}

func (ws *workspaceState) unlinkDependency(blocking, blocked string) bool {
	if !ws.Dependencies[blocking][blocked] {
		return false
	}
	delete(ws.Dependencies[blocking], blocked)
	if len(ws.Dependencies[blocking]) == 0 {
		delete(ws.Dependencies, blocking)
	}
	delete(ws.reverseDeps[blocked], blocking)
	if len(ws.reverseDeps[blocked]) == 0 {
		delete(ws.reverseDeps, blocked)
	}
	return true
}

// subtaskAncestor reports whether candidate appears on node's parent chain.
func (ws *workspaceState) subtaskAncestor(candidate, node string) bool {
	for at := node; at != ""; at = ws.Parents[at] {
		if at == candidate {
			return true
		}
	}
	return false
}

func (ws *workspaceState) detachChild(parent, child string) {
	children := ws.Children[parent]
	for i, gid := range children {
		if gid == child {
			ws.Children[parent] = append(children[:i], children[i+1:]...)
			break
		}
	}
	if len(ws.Children[parent]) == 0 {
		delete(ws.Children, parent)
	}
	delete(ws.Parents, child)
}

func (ws *workspaceState) attachChild(parent, child string) {
	ws.Parents[child] = parent
	ws.Children[parent] = append(ws.Children[parent], child)
}

func (ws *workspaceState) membershipIndexOf(project, task string) int {
	for i, entry := range ws.Memberships[project] {
		if entry.TaskGID == task {
			return i
		}
	}
	return -1
}

// insertMembership places an entry at the index implied by the anchors and
// assigns it a position. When the surrounding gap is exhausted only the
// following contiguous run is renumbered, stopping as soon as order is
// restored.
func (ws *workspaceState) insertMembership(project string, entry membershipEntry, before, after string) error {
	entries := ws.Memberships[project]
	idx := len(entries)
	switch {
	case before != "":
		at := ws.membershipIndexOf(project, before)
		if at < 0 {
			return validationErr("insertBefore", "does not name a member of the project")
		}
		idx = at
	case after != "":
		at := ws.membershipIndexOf(project, after)
		if at < 0 {
			return validationErr("insertAfter", "does not name a member of the project")
		}
		idx = at + 1
	}

	switch {
	case len(entries) == 0:
		entry.Position = positionStep
	case idx == 0:
		entry.Position = entries[0].Position - positionStep
	case idx == len(entries):
		entry.Position = entries[len(entries)-1].Position + positionStep
	default:
		prev, next := entries[idx-1].Position, entries[idx].Position
		if next-prev > 1 {
			entry.Position = prev + (next-prev)/2
		} else {
			entry.Position = prev + positionStep
		}
	}

	entries = append(entries, membershipEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry

	// Push trailing positions forward until the order is strictly
	// increasing again.
	for i := idx + 1; i < len(entries); i++ {
		if entries[i].Position > entries[i-1].Position {
			break
		}
		entries[i].Position = entries[i-1].Position + positionStep
	}

	ws.Memberships[project] = entries
	if ws.memberIndex[entry.TaskGID] == nil {
		ws.memberIndex[entry.TaskGID] = map[string]bool{}
	}
	ws.memberIndex[entry.TaskGID][project] = true
	return nil
}

func (ws *workspaceState) removeMembership(project, task string) bool {
	idx := ws.membershipIndexOf(project, task)
	if idx < 0 {
		return false
	}
	entries := ws.Memberships[project]
	ws.Memberships[project] = append(entries[:idx], entries[idx+1:]...)
	if len(ws.Memberships[project]) == 0 {
		delete(ws.Memberships, project)
	}
	delete(ws.memberIndex[task], project)
	if len(ws.memberIndex[task]) == 0 {
		delete(ws.memberIndex, task)
	}
	return true
}
