package replset

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHosts is returned when bootstrap is asked to form a set from nothing
	ErrNoHosts = errors.New("no hosts to form replica set")
	// ErrEmptyTarget is returned when a reconfiguration would remove every member
	ErrEmptyTarget = errors.New("target configuration has no members")
)

// PlanOptions tunes configuration planning
type PlanOptions struct {
	// MaxVotingMembers caps voting members; later joiners become non-voting
	MaxVotingMembers int
}

func (o PlanOptions) votingCap() int {
	if o.MaxVotingMembers <= 0 || o.MaxVotingMembers > MaxVotingMembers {
		return MaxVotingMembers
	}
	return o.MaxVotingMembers
}

// Plan is the diff between the stored configuration and the proposed one
type Plan struct {
	Current Config
	Target  Config
	Kept    []Member
	Joining []Member
	Leaving []Member
}

// Empty reports whether the plan changes nothing; an empty plan must not be submitted
func (p Plan) Empty() bool {
	return len(p.Joining) == 0 && len(p.Leaving) == 0
}

// PlanBootstrap forms the first configuration: version 1 and member ids
// 0..n-1 assigned in the order hosts are given. The first host is the seed.
func PlanBootstrap(name string, hosts []Host, opts PlanOptions) (Config, error) {
	if len(hosts) == 0 {
		return Config{}, ErrNoHosts
	}

	votingCap := opts.votingCap()
	cfg := Config{
		Name:            name,
		Version:         1,
		ProtocolVersion: DefaultProtocolVersion,
		Members:         make([]Member, 0, len(hosts)),
	}

	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		ep := h.Endpoint()
		if _, dup := seen[ep]; dup {
			return Config{}, fmt.Errorf("duplicate host endpoint %s", ep)
		}
		seen[ep] = struct{}{}

		role := RoleVoting
		if len(cfg.Members) >= votingCap {
			role = RoleNonVoting
		}
		cfg.Members = append(cfg.Members, Member{ID: len(cfg.Members), Host: ep, Role: role})
	}

	return cfg, nil
}

// PlanReconfigure computes the next configuration from the stored one.
//
// Existing members whose host is live and wanted keep their id and role.
// Hosts observed as not yet members are appended with ids above the current
// maximum. Members whose host is gone or unwanted are dropped. A member that
// merely failed the probe is kept: unreachability alone never removes anyone.
func PlanReconfigure(current Config, live []Host, desired DesiredTopology, observed ObservedMembership, opts PlanOptions) (Plan, error) {
	plan := Plan{Current: current.Clone()}

	byEndpoint := make(map[string]Host, len(live))
	for _, h := range live {
		if h.Live() {
			byEndpoint[h.Endpoint()] = h
		}
	}

	votingCap := opts.votingCap()
	voting := 0
	for _, m := range current.Members {
		h, ok := byEndpoint[m.Host]
		if !ok || !desired.Wants(h) {
			plan.Leaving = append(plan.Leaving, m)
			continue
		}
		plan.Kept = append(plan.Kept, m)
		if m.Voting() {
			voting++
		}
	}

	joiners := append([]Host(nil), observed.NotYetMember...)
	SortHosts(joiners)

	nextID := current.MaxMemberID() + 1
	for _, h := range joiners {
		if !desired.Wants(h) {
			continue
		}
		if _, ok := byEndpoint[h.Endpoint()]; !ok {
			continue
		}
		if _, exists := current.Member(h.Endpoint()); exists {
			continue
		}

		role := RoleVoting
		if voting >= votingCap {
			role = RoleNonVoting
		} else {
			voting++
		}
		plan.Joining = append(plan.Joining, Member{ID: nextID, Host: h.Endpoint(), Role: role})
		nextID++
	}

	if plan.Empty() {
		plan.Target = current.Clone()
		return plan, nil
	}

	members := make([]Member, 0, len(plan.Kept)+len(plan.Joining))
	members = append(members, plan.Kept...)
	members = append(members, plan.Joining...)
	if len(members) == 0 {
		return Plan{}, ErrEmptyTarget
	}

	plan.Target = Config{
		Name:            current.Name,
		Version:         current.Version + 1,
		ProtocolVersion: current.ProtocolVersion,
		Members:         members,
	}
	return plan, nil
}
