package replset

// UnknownReplicas marks a topology whose scale target was not read from the platform
const UnknownReplicas = -1

// DesiredTopology is the host set implied by the current scale target and by
// explicit removals. It is rebuilt for every reconciliation.
type DesiredTopology struct {
	Replicas int
	Removed  map[string]struct{}
}

// NewDesiredTopology builds a topology; removed holds host IDs
func NewDesiredTopology(replicas int, removed ...string) DesiredTopology {
	d := DesiredTopology{
		Replicas: replicas,
		Removed:  make(map[string]struct{}, len(removed)),
	}
	for _, id := range removed {
		d.Removed[id] = struct{}{}
	}
	return d
}

// MarkRemoved adds hosts to the explicit removal set
func (d *DesiredTopology) MarkRemoved(ids ...string) {
	if d.Removed == nil {
		d.Removed = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		d.Removed[id] = struct{}{}
	}
}

// IsRemoved reports whether the host was explicitly marked for removal
func (d DesiredTopology) IsRemoved(id string) bool {
	_, ok := d.Removed[id]
	return ok
}

// Wants reports whether a host belongs in the target membership: it must be
// live, not explicitly removed, and inside the scale target when one is known
func (d DesiredTopology) Wants(h Host) bool {
	if !h.Live() || d.IsRemoved(h.ID) {
		return false
	}
	if d.Replicas < 0 {
		return true
	}
	if ord, ok := Ordinal(h.ID); ok {
		return ord < d.Replicas
	}
	return true
}

// Filter returns the wanted hosts, preserving order
func (d DesiredTopology) Filter(hosts []Host) []Host {
	out := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if d.Wants(h) {
			out = append(out, h)
		}
	}
	return out
}
