package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/rs/zerolog/log"
)

// DefaultCommandTimeout bounds one administrative command including connect
const DefaultCommandTimeout = 10 * time.Second

// CommandError is a classified administrative command failure
type CommandError struct {
	Command string
	Hosts   []string
	Kind    mongodb.FailureKind
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s via [%s] failed (%s): %v", e.Command, strings.Join(e.Hosts, ","), e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure classification from an error returned by Admin
func KindOf(err error) mongodb.FailureKind {
	if err == nil {
		return mongodb.FailureNone
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return mongodb.Classify(err)
}

// Admin executes membership commands. It never retries; callers decide.
type Admin struct {
	dialer  mongodb.Dialer
	timeout time.Duration
}

// NewAdmin creates an Admin; timeout <= 0 uses DefaultCommandTimeout
func NewAdmin(dialer mongodb.Dialer, timeout time.Duration) *Admin {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Admin{dialer: dialer, timeout: timeout}
}

// CurrentConfig reads the stored configuration through a connection built
// from known member hosts only
func (a *Admin) CurrentConfig(ctx context.Context, name string, members []string) (replset.Config, error) {
	if len(members) == 0 {
		return replset.Config{}, &CommandError{
			Command: "replSetGetConfig",
			Kind:    mongodb.FailureUnreachable,
			Err:     errors.New("no member hosts to read configuration from"),
		}
	}

	var cfg replset.Config
	err := a.withSession(ctx, name, members, func(ctx context.Context, sess mongodb.Session) error {
		var err error
		cfg, err = sess.Config(ctx)
		return err
	})
	if err != nil {
		return replset.Config{}, a.classify("replSetGetConfig", members, err)
	}
	return cfg, nil
}

// Initialize submits the bootstrap configuration through the seed host
func (a *Admin) Initialize(ctx context.Context, seed replset.Host, cfg replset.Config) error {
	hosts := []string{seed.Endpoint()}
	err := a.withSession(ctx, "", hosts, func(ctx context.Context, sess mongodb.Session) error {
		return sess.Initiate(ctx, cfg)
	})
	if err != nil {
		return a.classify("replSetInitiate", hosts, err)
	}

	log.Info().
		Str("replica_set", cfg.Name).
		Str("seed", seed.ID).
		Int("members", len(cfg.Members)).
		Msg("Initialized replica set")
	return nil
}

// Reconfigure submits cfg through a replica set connection over quorumHosts
func (a *Admin) Reconfigure(ctx context.Context, quorumHosts []string, cfg replset.Config) error {
	err := a.withSession(ctx, cfg.Name, quorumHosts, func(ctx context.Context, sess mongodb.Session) error {
		return sess.Reconfig(ctx, cfg)
	})
	if err != nil {
		return a.classify("replSetReconfig", quorumHosts, err)
	}

	log.Info().
		Str("replica_set", cfg.Name).
		Int64("version", cfg.Version).
		Int("members", len(cfg.Members)).
		Msg("Reconfigured replica set")
	return nil
}

// withSession scopes one connection to fn; name == "" dials the single host directly
func (a *Admin) withSession(ctx context.Context, name string, hosts []string, fn func(context.Context, mongodb.Session) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		sess mongodb.Session
		err  error
	)
	if name == "" && len(hosts) == 1 {
		sess, err = a.dialer.DialDirect(ctx, hosts[0])
	} else {
		sess, err = a.dialer.DialReplicaSet(ctx, name, hosts)
	}
	if err != nil {
		return err
	}
	defer closeSession(sess, strings.Join(hosts, ","))

	return fn(ctx, sess)
}

func (a *Admin) classify(command string, hosts []string, err error) error {
	return &CommandError{
		Command: command,
		Hosts:   append([]string(nil), hosts...),
		Kind:    mongodb.Classify(err),
		Err:     err,
	}
}
