package session

// transitionKey identifies one status transition of one room.
type transitionKey struct {
	roomID string
	target Status
}

// transitionSet records which transitions have already been applied, so the
// realtime and polling paths can both deliver the same transition and only
// the first one has side effects.
type transitionSet map[transitionKey]struct{}

// mark records the transition and reports whether it was new.
func (t transitionSet) mark(roomID string, target Status) bool {
	k := transitionKey{roomID, target}
	if _, seen := t[k]; seen {
		return false
	}
	t[k] = struct{}{}
	return true
}

func (t transitionSet) seen(roomID string, target Status) bool {
	_, ok := t[transitionKey{roomID, target}]
	return ok
}

func (t transitionSet) clone() transitionSet {
	out := make(transitionSet, len(t))
	for k := range t {
		out[k] = struct{}{}
	}
	return out
}
