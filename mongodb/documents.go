package mongodb

import "github.com/maxpert/quorumkeeper/replset"

// Member states reported by replSetGetStatus
const (
	StateStartup    = 0
	StatePrimary    = 1
	StateSecondary  = 2
	StateRecovering = 3
	StateStartup2   = 5
	StateUnknown    = 6
	StateArbiter    = 7
	StateDown       = 8
	StateRollback   = 9
	StateRemoved    = 10
)

// StatusMember is one entry of replSetGetStatus.members
type StatusMember struct {
	ID       int     `bson:"_id"`
	Name     string  `bson:"name"`
	Health   float64 `bson:"health"`
	State    int     `bson:"state"`
	StateStr string  `bson:"stateStr"`
	Self     bool    `bson:"self,omitempty"`
}

// Status is the subset of replSetGetStatus this operator reads
type Status struct {
	Set     string         `bson:"set"`
	MyState int            `bson:"myState"`
	Members []StatusMember `bson:"members"`
}

// Primary returns the name of the current primary, if any
func (s *Status) Primary() (string, bool) {
	for _, m := range s.Members {
		if m.State == StatePrimary {
			return m.Name, true
		}
	}
	return "", false
}

type memberDocument struct {
	ID       int      `bson:"_id"`
	Host     string   `bson:"host"`
	Votes    *int     `bson:"votes,omitempty"`
	Priority *float64 `bson:"priority,omitempty"`
}

type configDocument struct {
	ID              string           `bson:"_id"`
	Version         int64            `bson:"version"`
	ProtocolVersion int64            `bson:"protocolVersion,omitempty"`
	Members         []memberDocument `bson:"members"`
}

type configReply struct {
	Config configDocument `bson:"config"`
}

func (d configDocument) toConfig() replset.Config {
	cfg := replset.Config{
		Name:            d.ID,
		Version:         d.Version,
		ProtocolVersion: d.ProtocolVersion,
		Members:         make([]replset.Member, 0, len(d.Members)),
	}
	for _, m := range d.Members {
		role := replset.RoleVoting
		if m.Votes != nil && *m.Votes == 0 {
			role = replset.RoleNonVoting
		}
		cfg.Members = append(cfg.Members, replset.Member{ID: m.ID, Host: m.Host, Role: role})
	}
	return cfg
}

// documentFromConfig renders the command document; non-voting members must
// also carry priority 0
func documentFromConfig(cfg replset.Config) configDocument {
	doc := configDocument{
		ID:              cfg.Name,
		Version:         cfg.Version,
		ProtocolVersion: cfg.ProtocolVersion,
		Members:         make([]memberDocument, 0, len(cfg.Members)),
	}
	for _, m := range cfg.Members {
		md := memberDocument{ID: m.ID, Host: m.Host}
		if !m.Voting() {
			votes, priority := 0, 0.0
			md.Votes = &votes
			md.Priority = &priority
		}
		doc.Members = append(doc.Members, md)
	}
	return doc
}
