package replset

// ProbeResult is the three-way classification of a single host
type ProbeResult uint8

const (
	// ProbeMember means the host answered a status query as part of a replica set
	ProbeMember ProbeResult = iota
	// ProbeNotYetMember means the host answered but holds no configuration
	ProbeNotYetMember
	// ProbeUnreachable covers every other failure: timeouts, auth, refused connections
	ProbeUnreachable
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeMember:
		return "MEMBER"
	case ProbeNotYetMember:
		return "NOT_YET_MEMBER"
	default:
		return "UNREACHABLE"
	}
}

// ObservedMembership partitions a probed host set
type ObservedMembership struct {
	Member       []Host
	NotYetMember []Host
	Unreachable  []Host

	// Errors holds the probe failure for each unreachable host, keyed by host ID
	Errors map[string]error
}

// Add files a host under its classification
func (o *ObservedMembership) Add(h Host, result ProbeResult, err error) {
	switch result {
	case ProbeMember:
		o.Member = append(o.Member, h)
	case ProbeNotYetMember:
		o.NotYetMember = append(o.NotYetMember, h)
	default:
		o.Unreachable = append(o.Unreachable, h)
		if err != nil {
			if o.Errors == nil {
				o.Errors = make(map[string]error)
			}
			o.Errors[h.ID] = err
		}
	}
}

// Result returns the classification of a host by ID
func (o ObservedMembership) Result(id string) (ProbeResult, bool) {
	for _, h := range o.Member {
		if h.ID == id {
			return ProbeMember, true
		}
	}
	for _, h := range o.NotYetMember {
		if h.ID == id {
			return ProbeNotYetMember, true
		}
	}
	for _, h := range o.Unreachable {
		if h.ID == id {
			return ProbeUnreachable, true
		}
	}
	return ProbeUnreachable, false
}

// Reachable returns the set of endpoints that answered the probe, member or not
func (o ObservedMembership) Reachable() map[string]struct{} {
	out := make(map[string]struct{}, len(o.Member)+len(o.NotYetMember))
	for _, h := range o.Member {
		out[h.Endpoint()] = struct{}{}
	}
	for _, h := range o.NotYetMember {
		out[h.Endpoint()] = struct{}{}
	}
	return out
}

// Total returns the number of classified hosts
func (o ObservedMembership) Total() int {
	return len(o.Member) + len(o.NotYetMember) + len(o.Unreachable)
}
