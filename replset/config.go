package replset

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultProtocolVersion is used only when forming a brand new replica set
const DefaultProtocolVersion int64 = 1

// MaxVotingMembers is the database's hard cap on voting members in one configuration
const MaxVotingMembers = 7

// Role determines whether a member takes part in elections
type Role uint8

const (
	RoleVoting Role = iota
	RoleNonVoting
)

func (r Role) String() string {
	if r == RoleNonVoting {
		return "NON_VOTING"
	}
	return "VOTING"
}

// Member is one entry of a replica set configuration.
// Host is the endpoint (host:port) the database knows the member by.
type Member struct {
	ID   int    `json:"id" msgpack:"id"`
	Host string `json:"host" msgpack:"host"`
	Role Role   `json:"role" msgpack:"role"`
}

// Voting reports whether the member counts towards quorum
func (m Member) Voting() bool {
	return m.Role == RoleVoting
}

// Config is the database's membership configuration document.
// It is owned by the database and only ever read or proposed from here.
type Config struct {
	Name            string   `json:"name" msgpack:"name"`
	Version         int64    `json:"version" msgpack:"version"`
	ProtocolVersion int64    `json:"protocol_version" msgpack:"pv"`
	Members         []Member `json:"members" msgpack:"members"`
}

// Clone returns a deep copy
func (c Config) Clone() Config {
	out := c
	out.Members = append([]Member(nil), c.Members...)
	return out
}

// Member looks up a member by endpoint
func (c Config) Member(host string) (Member, bool) {
	for _, m := range c.Members {
		if m.Host == host {
			return m, true
		}
	}
	return Member{}, false
}

// MaxMemberID returns the largest member id, or -1 for an empty configuration
func (c Config) MaxMemberID() int {
	maxID := -1
	for _, m := range c.Members {
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	return maxID
}

// VotingMembers returns the members that count towards quorum
func (c Config) VotingMembers() []Member {
	voting := make([]Member, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Voting() {
			voting = append(voting, m)
		}
	}
	return voting
}

// Hosts returns member endpoints in configuration order
func (c Config) Hosts() []string {
	hosts := make([]string, len(c.Members))
	for i, m := range c.Members {
		hosts[i] = m.Host
	}
	return hosts
}

// SameMembers reports whether both configurations hold exactly the same
// (id, host, role) triples, ignoring order and version
func (c Config) SameMembers(other Config) bool {
	if len(c.Members) != len(other.Members) {
		return false
	}
	idx := make(map[int]Member, len(c.Members))
	for _, m := range c.Members {
		idx[m.ID] = m
	}
	for _, m := range other.Members {
		if mine, ok := idx[m.ID]; !ok || mine != m {
			return false
		}
	}
	return true
}

// Fingerprint hashes the membership (not the version) so two configurations
// with the same members compare equal regardless of ordering
func (c Config) Fingerprint() uint64 {
	members := append([]Member(nil), c.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	d := xxhash.New()
	d.WriteString(c.Name)
	for _, m := range members {
		d.WriteString("|")
		d.WriteString(strconv.Itoa(m.ID))
		d.WriteString("=")
		d.WriteString(m.Host)
		d.WriteString("/")
		d.WriteString(m.Role.String())
	}
	return d.Sum64()
}

// Validate checks the structural invariants of a configuration
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("replica set name is required")
	}
	if c.Version < 1 {
		return fmt.Errorf("invalid config version %d: must be >= 1", c.Version)
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("config %s has no members", c.Name)
	}

	ids := make(map[int]struct{}, len(c.Members))
	hosts := make(map[string]struct{}, len(c.Members))
	voting := 0
	for _, m := range c.Members {
		if m.ID < 0 {
			return fmt.Errorf("member %s has negative id %d", m.Host, m.ID)
		}
		if _, dup := ids[m.ID]; dup {
			return fmt.Errorf("duplicate member id %d", m.ID)
		}
		if _, dup := hosts[m.Host]; dup {
			return fmt.Errorf("duplicate member host %s", m.Host)
		}
		ids[m.ID] = struct{}{}
		hosts[m.Host] = struct{}{}
		if m.Voting() {
			voting++
		}
	}

	if voting == 0 {
		return fmt.Errorf("config %s has no voting members", c.Name)
	}
	if voting > MaxVotingMembers {
		return fmt.Errorf("config %s has %d voting members, max is %d", c.Name, voting, MaxVotingMembers)
	}
	return nil
}
