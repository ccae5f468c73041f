package coordinator

import "github.com/maxpert/quorumkeeper/replset"

// Majority returns the number of votes needed out of n voting members
func Majority(n int) int {
	return n/2 + 1
}

// checkQuorum verifies a voting majority of cfg is among reachable endpoints
func checkQuorum(phase string, cfg replset.Config, reachable map[string]struct{}) error {
	voting := cfg.VotingMembers()
	up := 0
	for _, m := range voting {
		if _, ok := reachable[m.Host]; ok {
			up++
		}
	}

	required := Majority(len(voting))
	if up < required {
		return &QuorumUnreachableError{
			Phase:     phase,
			Reachable: up,
			Required:  required,
			Voting:    len(voting),
		}
	}
	return nil
}

// quorumHosts picks the endpoints to submit a reconfiguration through:
// reachable current members that survive into the target first, then the
// reachable members that are leaving
func quorumHosts(plan replset.Plan, reachable map[string]struct{}) []string {
	var kept, leaving []string
	for _, m := range plan.Current.Members {
		if _, ok := reachable[m.Host]; !ok {
			continue
		}
		if _, stays := plan.Target.Member(m.Host); stays {
			kept = append(kept, m.Host)
		} else {
			leaving = append(leaving, m.Host)
		}
	}
	return append(kept, leaving...)
}
