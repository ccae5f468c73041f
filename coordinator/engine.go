package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maxpert/quorumkeeper/id"
	"github.com/maxpert/quorumkeeper/membership"
	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/maxpert/quorumkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

// Default engine settings
const (
	DefaultMaxConflictRetries = 3
	DefaultRetryBackoff       = 200 * time.Millisecond
	DefaultCommandTimeout     = 10 * time.Second
)

// HostInventory lists the live hosts of a deployment
type HostInventory interface {
	ListLiveHosts(ctx context.Context, deployment, namespace string) ([]replset.Host, error)
}

// MembershipProbe classifies hosts against the stored configuration
type MembershipProbe interface {
	Classify(ctx context.Context, hosts []replset.Host) replset.ObservedMembership
}

// MembershipAdmin reads and submits configurations
type MembershipAdmin interface {
	CurrentConfig(ctx context.Context, name string, members []string) (replset.Config, error)
	Initialize(ctx context.Context, seed replset.Host, cfg replset.Config) error
	Reconfigure(ctx context.Context, quorumHosts []string, cfg replset.Config) error
}

// Recorder receives every reconciliation outcome
type Recorder interface {
	Record(outcome *Outcome)
}

// EngineConfig configures the reconciliation engine
type EngineConfig struct {
	ReplicaSetName     string
	MaxConflictRetries int           // retries after a version conflict; < 0 disables
	RetryBackoff       time.Duration // base backoff, doubled per retry
	MaxVotingMembers   int
	BootstrapPartial   bool          // bootstrap before every replica of the scale target is running
	CommandTimeout     time.Duration // bounds lock acquisition and each inventory query
	Locker             Locker
	Clock              clock.Clock
	IDs                *id.Generator // Outcome IDs; nil derives one from Clock
	Recorders          []Recorder
}

// Request describes one reconciliation
type Request struct {
	Namespace  string
	Deployment string
	Desired    replset.DesiredTopology
	// ExpectedVersion pins the stored version the caller planned against;
	// 0 means "whatever is current". A pinned request is never retried.
	ExpectedVersion int64
	Reason          string
}

// Engine computes and applies membership configurations
type Engine struct {
	config    EngineConfig
	inventory HostInventory
	probe     MembershipProbe
	admin     MembershipAdmin
	clock     clock.Clock
	locker    Locker
	ids       *id.Generator
}

// NewEngine wires the engine to its collaborators
func NewEngine(config EngineConfig, inventory HostInventory, probe MembershipProbe, admin MembershipAdmin) (*Engine, error) {
	if config.ReplicaSetName == "" {
		return nil, fmt.Errorf("replica set name is required")
	}
	if inventory == nil || probe == nil || admin == nil {
		return nil, fmt.Errorf("inventory, probe and admin are required")
	}
	if config.MaxConflictRetries == 0 {
		config.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}

	e := &Engine{
		config:    config,
		inventory: inventory,
		probe:     probe,
		admin:     admin,
		clock:     config.Clock,
		locker:    config.Locker,
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	e.ids = config.IDs
	if e.ids == nil {
		e.ids = id.NewGenerator(0, e.clock)
	}
	return e, nil
}

// AddRecorder attaches another outcome recorder
func (e *Engine) AddRecorder(r Recorder) {
	e.config.Recorders = append(e.config.Recorders, r)
}

// Reconcile runs one reconciliation for a deployment. Version conflicts are
// retried from a fresh read up to MaxConflictRetries times; every other
// failure ends the run. The returned outcome is never nil.
func (e *Engine) Reconcile(ctx context.Context, req Request) (*Outcome, error) {
	started := e.clock.Now()
	out := &Outcome{
		ID:         fmt.Sprintf("%s-%d", DeploymentKey(req.Namespace, req.Deployment), e.ids.NextID()),
		Namespace:  req.Namespace,
		Deployment: req.Deployment,
		Reason:     req.Reason,
		Started:    started,
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.config.CommandTimeout)
	unlock, err := e.locker.Lock(lockCtx, DeploymentKey(req.Namespace, req.Deployment))
	cancel()
	if err != nil {
		out.Action = ActionWaiting
		return e.finish(out, err)
	}
	defer unlock()

	backoff := e.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		err = e.attempt(ctx, req, out)

		if !errors.Is(err, ErrVersionConflict) || req.ExpectedVersion != 0 || attempt > e.config.MaxConflictRetries {
			break
		}

		telemetry.ReconcileConflictRetriesTotal.Inc()
		log.Warn().
			Err(err).
			Str("namespace", req.Namespace).
			Str("deployment", req.Deployment).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Version conflict, retrying reconciliation from a fresh read")

		if backoff > 0 {
			select {
			case <-ctx.Done():
				return e.finish(out, fmt.Errorf("reconciliation cancelled during retry backoff: %w", err))
			case <-e.clock.After(backoff):
			}
			backoff *= 2
		}
	}

	return e.finish(out, err)
}

func (e *Engine) finish(out *Outcome, err error) (*Outcome, error) {
	out.Finished = e.clock.Now()

	switch {
	case err == nil && out.Action == ActionWaiting:
		out.Result = ResultDeferred
	case err == nil:
		out.Result = ResultSuccess
	case errors.Is(err, ErrNotReady):
		out.Result = ResultDeferred
		out.Error = err.Error()
		out.ErrorKind = KindNotReady
	default:
		out.Result = ResultFailed
		out.Error = err.Error()
		if out.ErrorKind == "" {
			out.ErrorKind = errorKind(err)
		}
	}

	telemetry.ReconcileTotal.With(string(out.Action), string(out.Result)).Inc()
	telemetry.ReconcileDurationSeconds.With(string(out.Action)).Observe(out.Duration().Seconds())
	if out.Version > 0 {
		telemetry.ReplsetVersion.With(out.Key()).Set(float64(out.Version))
		telemetry.ReplsetMembers.With(out.Key()).Set(float64(len(out.Members)))
	}

	evt := log.Info()
	if out.Result == ResultFailed {
		evt = log.Error().Err(err).Str("error_kind", out.ErrorKind)
	}
	evt.Str("namespace", out.Namespace).
		Str("deployment", out.Deployment).
		Str("action", string(out.Action)).
		Str("result", string(out.Result)).
		Int64("version", out.Version).
		Int("joined", len(out.Joined)).
		Int("removed", len(out.Removed)).
		Int("attempts", out.Attempts).
		Dur("duration", out.Duration()).
		Msg("Reconciliation finished")

	for _, r := range e.config.Recorders {
		r.Record(out)
	}
	return out, err
}

func (e *Engine) planOptions() replset.PlanOptions {
	return replset.PlanOptions{MaxVotingMembers: e.config.MaxVotingMembers}
}

// attempt runs one read-plan-submit cycle
func (e *Engine) attempt(ctx context.Context, req Request, out *Outcome) error {
	// reset per-attempt fields so a retried run reports only its last attempt
	out.Action, out.ErrorKind = "", ""
	out.Joined, out.Removed, out.Members, out.States = nil, nil, nil, nil

	listCtx, cancel := context.WithTimeout(ctx, e.config.CommandTimeout)
	hosts, err := e.inventory.ListLiveHosts(listCtx, req.Deployment, req.Namespace)
	cancel()
	if err != nil {
		out.Action = ActionWaiting
		out.ErrorKind = KindPlatform
		return err
	}
	hosts = replset.LiveHosts(hosts)
	replset.SortHosts(hosts)

	observed := e.probe.Classify(ctx, hosts)
	out.setObserved(observed)

	if len(observed.Member) == 0 {
		return e.bootstrap(ctx, req, hosts, observed, out)
	}
	return e.reconfigure(ctx, req, hosts, observed, out)
}

func (e *Engine) bootstrap(ctx context.Context, req Request, hosts []replset.Host, observed replset.ObservedMembership, out *Outcome) error {
	out.Action = ActionWaiting

	// an unreachable host may already hold a configuration; never form a second set
	if len(observed.Unreachable) > 0 {
		return &NotReadyError{Reason: fmt.Sprintf("%d hosts unreachable and no member answered", len(observed.Unreachable))}
	}

	wanted := req.Desired.Filter(hosts)
	if len(wanted) == 0 {
		out.Action = ActionNoChange
		return nil
	}
	if req.Desired.Replicas > 0 && len(wanted) < req.Desired.Replicas && !e.config.BootstrapPartial {
		return &NotReadyError{Reason: fmt.Sprintf("%d of %d hosts running", len(wanted), req.Desired.Replicas)}
	}
	if req.ExpectedVersion != 0 {
		return &VersionConflictError{Expected: req.ExpectedVersion}
	}

	cfg, err := replset.PlanBootstrap(e.config.ReplicaSetName, wanted, e.planOptions())
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidTarget, err)
	}

	out.Action = ActionBootstrap
	plan := replset.Plan{Target: cfg, Joining: cfg.Members}
	lc := replset.NewLifecycle(replset.Config{})
	tr, err := lc.Begin(plan)
	if err != nil {
		return err
	}

	seed := wanted[0]
	log.Info().
		Str("namespace", req.Namespace).
		Str("deployment", req.Deployment).
		Str("seed", seed.ID).
		Int("members", len(cfg.Members)).
		Msg("Bootstrapping replica set")

	if err := e.admin.Initialize(ctx, seed, cfg); err != nil {
		tr.Abort()
		out.setStates(lc)
		switch membership.KindOf(err) {
		case mongodb.FailureAlreadyInitialized:
			// another actor formed the set between our probe and submit
			return &VersionConflictError{Cause: err}
		case mongodb.FailureQuorum:
			return &QuorumUnreachableError{Phase: "submit", Cause: err}
		}
		return err
	}

	if err := tr.Commit(); err != nil {
		return err
	}
	out.setStates(lc)
	out.Version = cfg.Version
	out.Joined = cfg.Members
	out.Members = cfg.Members
	out.Fingerprint = cfg.Fingerprint()
	return nil
}

func (e *Engine) reconfigure(ctx context.Context, req Request, hosts []replset.Host, observed replset.ObservedMembership, out *Outcome) error {
	out.Action = ActionReconfigure

	members := make([]string, len(observed.Member))
	for i, h := range observed.Member {
		members[i] = h.Endpoint()
	}

	current, err := e.admin.CurrentConfig(ctx, e.config.ReplicaSetName, members)
	if err != nil {
		return err
	}
	out.PreviousVersion = current.Version
	out.Version = current.Version
	out.Members = current.Members
	out.Fingerprint = current.Fingerprint()

	if req.ExpectedVersion != 0 && current.Version != req.ExpectedVersion {
		return &VersionConflictError{Expected: req.ExpectedVersion, Observed: current.Version}
	}

	plan, err := replset.PlanReconfigure(current, hosts, req.Desired, observed, e.planOptions())
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidTarget, err)
	}
	if plan.Empty() {
		out.Action = ActionNoChange
		return nil
	}
	if err := plan.Target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidTarget, err)
	}

	reachable := observed.Reachable()
	if err := checkQuorum("current", current, reachable); err != nil {
		return err
	}
	if err := checkQuorum("target", plan.Target, reachable); err != nil {
		return err
	}

	lc := replset.NewLifecycle(current)
	tr, err := lc.Begin(plan)
	if err != nil {
		return err
	}

	via := quorumHosts(plan, reachable)
	log.Info().
		Str("namespace", req.Namespace).
		Str("deployment", req.Deployment).
		Int64("version", plan.Target.Version).
		Int("joining", len(plan.Joining)).
		Int("leaving", len(plan.Leaving)).
		Strs("via", via).
		Msg("Submitting replica set reconfiguration")

	if err := e.admin.Reconfigure(ctx, via, plan.Target); err != nil {
		tr.Abort()
		out.setStates(lc)
		switch membership.KindOf(err) {
		case mongodb.FailureVersionConflict:
			if mongodb.IsIncompatibleConfig(err) {
				return e.confirmConflict(ctx, members, current.Version, err)
			}
			return &VersionConflictError{Expected: current.Version, Cause: err}
		case mongodb.FailureQuorum:
			return &QuorumUnreachableError{Phase: "submit", Cause: err}
		}
		return err
	}

	if err := tr.Commit(); err != nil {
		return err
	}
	out.setStates(lc)
	out.Version = plan.Target.Version
	out.Joined = plan.Joining
	out.Removed = plan.Leaving
	out.Members = plan.Target.Members
	out.Fingerprint = plan.Target.Fingerprint()
	return nil
}

// confirmConflict re-reads the stored version after the database refused a
// proposal as incompatible. Only a version that moved counts as a conflict;
// a refusal at the same version is final and not retried.
func (e *Engine) confirmConflict(ctx context.Context, members []string, expected int64, cause error) error {
	stored, err := e.admin.CurrentConfig(ctx, e.config.ReplicaSetName, members)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to re-read config after rejected proposal")
		return &VersionConflictError{Expected: expected, Cause: cause}
	}
	if stored.Version != expected {
		return &VersionConflictError{Expected: expected, Observed: stored.Version, Cause: cause}
	}
	return fmt.Errorf("proposal rejected at unchanged version %d: %w", expected, cause)
}
