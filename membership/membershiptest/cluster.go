// Package membershiptest provides an in-memory replica set that implements
// mongodb.Dialer for tests. Reconfigurations are compare-and-set on version
// and quorum-checked against hosts marked down.
package membershiptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
	"go.mongodb.org/mongo-driver/mongo"
)

// Cluster is a fake replica set shared by every session it hands out
type Cluster struct {
	mu     sync.Mutex
	config  *replset.Config
	down    map[string]bool
	evicted map[string]bool

	submits []replset.Config
	dials   int
	open    int

	// OnConfigRead runs after a configuration read, outside the lock
	OnConfigRead func()
}

// NewCluster creates an uninitialized fake replica set
func NewCluster() *Cluster {
	return &Cluster{down: make(map[string]bool), evicted: make(map[string]bool)}
}

// Seed installs an existing configuration
func (c *Cluster) Seed(cfg replset.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := cfg.Clone()
	c.config = &clone
}

// SetDown marks endpoints unreachable (or reachable again when down is false)
func (c *Cluster) SetDown(down bool, hosts ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hosts {
		c.down[h] = down
	}
}

// SetEvicted marks endpoints that still hold a configuration they are no
// longer part of, as a removed member restarted on its old data does
func (c *Cluster) SetEvicted(evicted bool, hosts ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hosts {
		c.evicted[h] = evicted
	}
}

// Stored returns the current configuration, if initialized
func (c *Cluster) Stored() (replset.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config == nil {
		return replset.Config{}, false
	}
	return c.config.Clone(), true
}

// Submits returns every accepted initiate/reconfig configuration in order
func (c *Cluster) Submits() []replset.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]replset.Config(nil), c.submits...)
}

// OpenSessions returns the number of sessions not yet closed
func (c *Cluster) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Dials returns the total number of sessions opened
func (c *Cluster) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// DialDirect implements mongodb.Dialer
func (c *Cluster) DialDirect(_ context.Context, host string) (mongodb.Session, error) {
	return c.newSession([]string{host}, true), nil
}

// DialReplicaSet implements mongodb.Dialer
func (c *Cluster) DialReplicaSet(_ context.Context, _ string, hosts []string) (mongodb.Session, error) {
	if len(hosts) == 0 {
		return nil, &mongodb.DialError{Err: fmt.Errorf("no hosts")}
	}
	return c.newSession(hosts, false), nil
}

func (c *Cluster) newSession(hosts []string, direct bool) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	c.open++
	return &session{cluster: c, hosts: append([]string(nil), hosts...), direct: direct}
}

func unreachable(host string) error {
	return fmt.Errorf("server selection for %s: %w", host, context.DeadlineExceeded)
}

// isMember must be called with mu held
func (c *Cluster) isMember(host string) bool {
	if c.config == nil {
		return false
	}
	_, ok := c.config.Member(host)
	return ok
}

// reachableVoters must be called with mu held
func (c *Cluster) reachableVoters(cfg replset.Config) (reachable, total int) {
	for _, m := range cfg.VotingMembers() {
		total++
		if !c.down[m.Host] {
			reachable++
		}
	}
	return reachable, total
}

// primaryReachable must be called with mu held: some session host must be a
// reachable member and the stored config must have a voting majority up
func (c *Cluster) primaryReachable(hosts []string) error {
	found := false
	for _, h := range hosts {
		if !c.down[h] && c.isMember(h) {
			found = true
			break
		}
	}
	if !found {
		return unreachable(fmt.Sprint(hosts))
	}
	up, total := c.reachableVoters(*c.config)
	if up < total/2+1 {
		return mongo.CommandError{Code: mongodb.CodeNotWritablePrimary, Message: "not primary"}
	}
	return nil
}

type session struct {
	cluster *Cluster
	hosts   []string
	direct  bool
	closed  bool
}

func (s *session) Status(context.Context) (*mongodb.Status, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	host := s.hosts[0]
	if c.down[host] {
		return nil, unreachable(host)
	}
	if c.evicted[host] && !c.isMember(host) {
		return nil, mongo.CommandError{Code: mongodb.CodeInvalidReplicaSetConfig, Message: "Our replica set config is invalid or we are not a member of it"}
	}
	if !c.isMember(host) {
		return nil, mongo.CommandError{Code: mongodb.CodeNotYetInitialized, Message: "no replset config has been received"}
	}

	status := &mongodb.Status{Set: c.config.Name, MyState: mongodb.StateSecondary}
	for _, m := range c.config.Members {
		state := mongodb.StateSecondary
		if c.down[m.Host] {
			state = mongodb.StateDown
		}
		status.Members = append(status.Members, mongodb.StatusMember{ID: m.ID, Name: m.Host, State: state})
	}
	return status, nil
}

func (s *session) Config(context.Context) (replset.Config, error) {
	c := s.cluster
	c.mu.Lock()
	var (
		cfg replset.Config
		err error
	)
	found := false
	for _, h := range s.hosts {
		if !c.down[h] && c.isMember(h) {
			found = true
			break
		}
	}
	switch {
	case !found && c.config == nil:
		err = mongo.CommandError{Code: mongodb.CodeNotYetInitialized}
	case !found:
		err = unreachable(fmt.Sprint(s.hosts))
	default:
		cfg = c.config.Clone()
	}
	hook := c.OnConfigRead
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return cfg, err
}

func (s *session) Initiate(_ context.Context, cfg replset.Config) error {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	host := s.hosts[0]
	if c.down[host] {
		return unreachable(host)
	}
	if c.config != nil {
		return mongo.CommandError{Code: mongodb.CodeAlreadyInitialized, Message: "already initialized"}
	}
	if err := cfg.Validate(); err != nil {
		return mongo.CommandError{Code: mongodb.CodeInvalidReplicaSetConfig, Message: err.Error()}
	}
	if _, ok := cfg.Member(host); !ok {
		return mongo.CommandError{Code: mongodb.CodeInvalidReplicaSetConfig, Message: "seed is not in config"}
	}
	for _, m := range cfg.Members {
		if c.down[m.Host] {
			return mongo.CommandError{Code: mongodb.CodeNodeNotFound, Message: "replSetInitiate quorum check failed"}
		}
	}

	clone := cfg.Clone()
	c.config = &clone
	c.submits = append(c.submits, clone)
	return nil
}

func (s *session) Reconfig(_ context.Context, cfg replset.Config) error {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config == nil {
		return mongo.CommandError{Code: mongodb.CodeNotYetInitialized}
	}
	if err := c.primaryReachable(s.hosts); err != nil {
		return err
	}
	if cfg.Version != c.config.Version+1 {
		return mongo.CommandError{
			Code:    mongodb.CodeNewReplicaSetConfigurationIncompatible,
			Message: fmt.Sprintf("version %d is not current version %d + 1", cfg.Version, c.config.Version),
		}
	}
	if err := cfg.Validate(); err != nil {
		return mongo.CommandError{Code: mongodb.CodeInvalidReplicaSetConfig, Message: err.Error()}
	}
	if up, total := c.reachableVoters(cfg); up < total/2+1 {
		return mongo.CommandError{Code: mongodb.CodeNodeNotFound, Message: "Quorum check failed"}
	}

	clone := cfg.Clone()
	c.config = &clone
	c.submits = append(c.submits, clone)
	return nil
}

func (s *session) Close(context.Context) error {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session already closed")
	}
	s.closed = true
	c.open--
	return nil
}
