package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maxpert/quorumkeeper/membership"
	"github.com/maxpert/quorumkeeper/membership/membershiptest"
	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	testNamespace  = "default"
	testDeployment = "mongo"
)

type staticInventory struct {
	mu    sync.Mutex
	hosts []replset.Host
	err   error
}

func (s *staticInventory) ListLiveHosts(_ context.Context, _, _ string) ([]replset.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]replset.Host(nil), s.hosts...), nil
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (r *recordingRecorder) Record(o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingRecorder) all() []*Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Outcome(nil), r.outcomes...)
}

func testHost(i int) replset.Host {
	return replset.Host{
		ID:      fmt.Sprintf("mongo-%d", i),
		Address: fmt.Sprintf("mongo-%d.mongo-service.default.svc.cluster.local", i),
		Port:    replset.DefaultPort,
		Phase:   replset.PhaseRunning,
	}
}

func testHosts(ids ...int) []replset.Host {
	out := make([]replset.Host, len(ids))
	for i, id := range ids {
		out[i] = testHost(id)
	}
	return out
}

type harness struct {
	cluster   *membershiptest.Cluster
	inventory *staticInventory
	recorder  *recordingRecorder
	engine    *Engine
}

func newHarness(t *testing.T, cluster *membershiptest.Cluster, retries int, hosts ...int) *harness {
	t.Helper()
	h := &harness{
		cluster:   cluster,
		inventory: &staticInventory{hosts: testHosts(hosts...)},
		recorder:  &recordingRecorder{},
	}
	h.engine = h.newEngine(t, retries)
	return h
}

func (h *harness) newEngine(t *testing.T, retries int) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		ReplicaSetName:     "rs1",
		MaxConflictRetries: retries,
		Clock:              clock.NewMock(),
		Locker:             NewLocalLocker(),
		Recorders:          []Recorder{h.recorder},
	}, h.inventory, membership.NewProber(h.cluster, time.Second), membership.NewAdmin(h.cluster, time.Second))
	require.NoError(t, err)
	return engine
}

func seeded(t *testing.T, hosts ...int) *membershiptest.Cluster {
	t.Helper()
	cfg, err := replset.PlanBootstrap("rs1", testHosts(hosts...), replset.PlanOptions{})
	require.NoError(t, err)
	c := membershiptest.NewCluster()
	c.Seed(cfg)
	return c
}

func request(desired replset.DesiredTopology) Request {
	return Request{Namespace: testNamespace, Deployment: testDeployment, Desired: desired, Reason: "test"}
}

func idsByHost(cfg replset.Config) map[string]int {
	out := make(map[string]int, len(cfg.Members))
	for _, m := range cfg.Members {
		out[m.Host] = m.ID
	}
	return out
}

func TestEngine_Bootstrap(t *testing.T) {
	h := newHarness(t, membershiptest.NewCluster(), 0, 2, 0, 1)

	out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.NoError(t, err)

	assert.Equal(t, ActionBootstrap, out.Action)
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, int64(1), out.Version)

	stored, ok := h.cluster.Stored()
	require.True(t, ok)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, map[string]int{
		testHost(0).Endpoint(): 0,
		testHost(1).Endpoint(): 1,
		testHost(2).Endpoint(): 2,
	}, idsByHost(stored))

	for _, m := range stored.Members {
		assert.Equal(t, "MEMBER", out.States[m.Host])
	}
	assert.Len(t, h.cluster.Submits(), 1)
	assert.Zero(t, h.cluster.OpenSessions())
}

func TestEngine_BootstrapWaitsForScaleTarget(t *testing.T) {
	h := newHarness(t, membershiptest.NewCluster(), 0, 0, 1)

	out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.ErrorIs(t, err, ErrNotReady)

	assert.Equal(t, ResultDeferred, out.Result)
	assert.Equal(t, ActionWaiting, out.Action)
	assert.Empty(t, h.cluster.Submits())
}

func TestEngine_BootstrapPartialAllowed(t *testing.T) {
	cluster := membershiptest.NewCluster()
	h := &harness{cluster: cluster, inventory: &staticInventory{hosts: testHosts(0, 1)}, recorder: &recordingRecorder{}}
	engine, err := NewEngine(EngineConfig{
		ReplicaSetName:   "rs1",
		BootstrapPartial: true,
		Clock:            clock.NewMock(),
	}, h.inventory, membership.NewProber(cluster, time.Second), membership.NewAdmin(cluster, time.Second))
	require.NoError(t, err)

	out, err := engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.NoError(t, err)
	assert.Equal(t, ActionBootstrap, out.Action)
	assert.Len(t, out.Members, 2)
}

func TestEngine_BootstrapBlockedByUnreachableHost(t *testing.T) {
	cluster := membershiptest.NewCluster()
	cluster.SetDown(true, testHost(2).Endpoint())
	h := newHarness(t, cluster, 0, 0, 1, 2)

	_, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, cluster.Submits())
}

func TestEngine_ScaleUpAssignsNextID(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0, 0, 1, 2, 3)
	before, _ := h.cluster.Stored()

	out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(4)))
	require.NoError(t, err)

	stored, _ := h.cluster.Stored()
	assert.Equal(t, before.Version+1, stored.Version)
	assert.Equal(t, before.ProtocolVersion, stored.ProtocolVersion)
	assert.Equal(t, map[string]int{
		testHost(0).Endpoint(): 0,
		testHost(1).Endpoint(): 1,
		testHost(2).Endpoint(): 2,
		testHost(3).Endpoint(): 3,
	}, idsByHost(stored))

	assert.Equal(t, ActionReconfigure, out.Action)
	assert.Equal(t, before.Version, out.PreviousVersion)
	require.Len(t, out.Joined, 1)
	assert.Equal(t, 3, out.Joined[0].ID)
	assert.Equal(t, "MEMBER", out.States[testHost(3).Endpoint()])
	assert.Zero(t, h.cluster.OpenSessions())
}

func TestEngine_RemovalPreservesIDs(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0, 0, 1, 2)

	out, err := h.engine.Reconcile(context.Background(),
		request(replset.NewDesiredTopology(replset.UnknownReplicas, "mongo-1")))
	require.NoError(t, err)

	stored, _ := h.cluster.Stored()
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, map[string]int{
		testHost(0).Endpoint(): 0,
		testHost(2).Endpoint(): 2,
	}, idsByHost(stored))

	require.Len(t, out.Removed, 1)
	assert.Equal(t, testHost(1).Endpoint(), out.Removed[0].Host)
	assert.Equal(t, "REMOVED", out.States[testHost(1).Endpoint()])
}

func TestEngine_NoDeltaDoesNotSubmit(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0, 0, 1, 2)

	for i := 0; i < 2; i++ {
		out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
		require.NoError(t, err)
		assert.Equal(t, ActionNoChange, out.Action)
		assert.Equal(t, int64(1), out.Version)
	}

	assert.Empty(t, h.cluster.Submits())
	stored, _ := h.cluster.Stored()
	assert.Equal(t, int64(1), stored.Version)
}

func TestEngine_UnreachableMemberIsNotRemoved(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	cluster.SetDown(true, testHost(2).Endpoint())
	h := newHarness(t, cluster, 0, 0, 1, 2)

	out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.NoError(t, err)
	assert.Equal(t, ActionNoChange, out.Action)
	assert.Equal(t, "UNREACHABLE", out.Observed["mongo-2"])
	assert.Empty(t, cluster.Submits())
}

func TestEngine_QuorumGuardRejectsRemoval(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	cluster.SetDown(true, testHost(2).Endpoint())
	h := newHarness(t, cluster, 0, 0, 1, 2)
	before, _ := cluster.Stored()

	// dropping mongo-1 leaves {mongo-0, mongo-2} with only mongo-0 reachable
	out, err := h.engine.Reconcile(context.Background(),
		request(replset.NewDesiredTopology(replset.UnknownReplicas, "mongo-1")))

	var qe *QuorumUnreachableError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "target", qe.Phase)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, KindQuorumUnreachable, out.ErrorKind)

	after, _ := cluster.Stored()
	assert.Equal(t, before, after)
	assert.Empty(t, cluster.Submits())
}

func TestEngine_QuorumGuardRejectsWhenCurrentMajorityLost(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	cluster.SetDown(true, testHost(1).Endpoint(), testHost(2).Endpoint())
	h := newHarness(t, cluster, 0, 0, 1, 2, 3)

	_, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(4)))

	var qe *QuorumUnreachableError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "current", qe.Phase)
	assert.Empty(t, cluster.Submits())
}

func TestEngine_ExpectedVersionMismatch(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0, 0, 1, 2, 3)

	req := request(replset.NewDesiredTopology(4))
	req.ExpectedVersion = 7
	out, err := h.engine.Reconcile(context.Background(), req)

	var vc *VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, int64(7), vc.Expected)
	assert.Equal(t, int64(1), vc.Observed)
	assert.Equal(t, 1, out.Attempts, "pinned requests are not retried")
	assert.Empty(t, h.cluster.Submits())
}

func TestEngine_InventoryErrorPropagatesUnchanged(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0)
	platformErr := errors.New("pods is forbidden")
	h.inventory.err = platformErr

	out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	assert.Equal(t, platformErr, err)
	assert.Equal(t, KindPlatform, out.ErrorKind)
	assert.Equal(t, ResultFailed, out.Result)
}

func TestEngine_RecordsEveryOutcome(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0, 0, 1, 2)

	_, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.NoError(t, err)

	h.inventory.err = errors.New("boom")
	_, err = h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
	require.Error(t, err)

	outcomes := h.recorder.all()
	require.Len(t, outcomes, 2)
	assert.Equal(t, ResultSuccess, outcomes[0].Result)
	assert.Equal(t, ResultFailed, outcomes[1].Result)
	assert.Equal(t, "boom", outcomes[1].Error)
	// The mock clock never advances, IDs still differ
	assert.NotEqual(t, outcomes[0].ID, outcomes[1].ID)
	assert.True(t, strings.HasPrefix(outcomes[0].ID, "default/mongo-"))
}

// barrierOnFirstReads makes the first n configuration reads wait for each other
func barrierOnFirstReads(cluster *membershiptest.Cluster, n int) {
	var reads atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	cluster.OnConfigRead = func() {
		if int(reads.Add(1)) <= n {
			wg.Done()
			wg.Wait()
		}
	}
}

func runConcurrently(t *testing.T, engines []*Engine, req Request) ([]*Outcome, []error) {
	t.Helper()
	outcomes := make([]*Outcome, len(engines))
	errs := make([]error, len(engines))

	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			outcomes[i], errs[i] = e.Reconcile(context.Background(), req)
		}(i, e)
	}
	wg.Wait()
	return outcomes, errs
}

func TestEngine_ConcurrentStaleAttempts(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	h := newHarness(t, cluster, -1, 0, 1, 2, 3)
	// a second engine with its own locker models an uncoordinated operator replica
	other := h.newEngine(t, -1)
	barrierOnFirstReads(cluster, 2)

	_, errs := runConcurrently(t, []*Engine{h.engine, other}, request(replset.NewDesiredTopology(4)))

	successes, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	stored, _ := cluster.Stored()
	assert.Equal(t, int64(2), stored.Version)
	assert.NoError(t, stored.Validate())
	assert.Len(t, cluster.Submits(), 1)
}

func TestEngine_ConflictRetryConverges(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	h := newHarness(t, cluster, 2, 0, 1, 2, 3)
	other := h.newEngine(t, 2)
	barrierOnFirstReads(cluster, 2)

	outcomes, errs := runConcurrently(t, []*Engine{h.engine, other}, request(replset.NewDesiredTopology(4)))
	for _, err := range errs {
		require.NoError(t, err)
	}

	actions := map[Action]int{}
	for _, o := range outcomes {
		actions[o.Action]++
	}
	assert.Equal(t, map[Action]int{ActionReconfigure: 1, ActionNoChange: 1}, actions)

	stored, _ := cluster.Stored()
	assert.Equal(t, int64(2), stored.Version)
	assert.Len(t, cluster.Submits(), 1)
}

// refusingAdmin refuses every reconfiguration the way mongod refuses a
// change it will not apply, leaving the stored version alone
type refusingAdmin struct {
	*membership.Admin
	submits atomic.Int32
}

func (a *refusingAdmin) Reconfigure(_ context.Context, hosts []string, _ replset.Config) error {
	a.submits.Add(1)
	return &membership.CommandError{
		Command: "replSetReconfig",
		Hosts:   hosts,
		Kind:    mongodb.FailureVersionConflict,
		Err: mongo.CommandError{
			Code:    mongodb.CodeNewReplicaSetConfigurationIncompatible,
			Message: "Non force replica set reconfig can only add or remove at most 1 voting member",
		},
	}
}

func TestEngine_RefusedProposalIsNotRetried(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	inventory := &staticInventory{hosts: testHosts(0, 1, 2, 3)}
	admin := &refusingAdmin{Admin: membership.NewAdmin(cluster, time.Second)}

	engine, err := NewEngine(EngineConfig{
		ReplicaSetName:     "rs1",
		MaxConflictRetries: 3,
		Clock:              clock.NewMock(),
	}, inventory, membership.NewProber(cluster, time.Second), admin)
	require.NoError(t, err)

	out, err := engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(4)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionConflict)
	assert.ErrorContains(t, err, "unchanged version 1")

	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, KindUnclassified, out.ErrorKind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), admin.submits.Load())

	stored, _ := cluster.Stored()
	assert.Equal(t, int64(1), stored.Version)
}

func TestEngine_StaleProposalReportsObservedVersion(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	h := newHarness(t, cluster, -1, 0, 1, 2, 3)
	other := h.newEngine(t, -1)
	barrierOnFirstReads(cluster, 2)

	_, errs := runConcurrently(t, []*Engine{h.engine, other}, request(replset.NewDesiredTopology(4)))

	var vc *VersionConflictError
	for _, err := range errs {
		if errors.As(err, &vc) {
			break
		}
	}
	require.NotNil(t, vc)
	assert.Equal(t, int64(1), vc.Expected)
	assert.Equal(t, int64(2), vc.Observed)
}

// stalledInventory models an API server that never answers
type stalledInventory struct{}

func (stalledInventory) ListLiveHosts(ctx context.Context, _, _ string) ([]replset.Host, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_CommandTimeoutBoundsWaits(t *testing.T) {
	tests := []struct {
		name      string
		holdLock  bool
		inventory HostInventory
		kind      string
	}{
		{"held lock", true, &staticInventory{hosts: testHosts(0, 1, 2)}, KindUnclassified},
		{"stalled inventory", false, stalledInventory{}, KindPlatform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := seeded(t, 0, 1, 2)
			locker := NewLocalLocker()
			if tt.holdLock {
				unlock, err := locker.Lock(context.Background(), DeploymentKey(testNamespace, testDeployment))
				require.NoError(t, err)
				defer unlock()
			}

			engine, err := NewEngine(EngineConfig{
				ReplicaSetName: "rs1",
				CommandTimeout: 50 * time.Millisecond,
				Clock:          clock.NewMock(),
				Locker:         locker,
			}, tt.inventory, membership.NewProber(cluster, time.Second), membership.NewAdmin(cluster, time.Second))
			require.NoError(t, err)

			started := time.Now()
			out, err := engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(3)))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(started), 2*time.Second)

			assert.Equal(t, ActionWaiting, out.Action)
			assert.Equal(t, ResultFailed, out.Result)
			assert.Equal(t, tt.kind, out.ErrorKind)
			assert.Empty(t, cluster.Submits())
		})
	}
}

func TestEngine_DefaultCommandTimeout(t *testing.T) {
	h := newHarness(t, seeded(t, 0, 1, 2), 0, 0, 1, 2)
	assert.Equal(t, DefaultCommandTimeout, h.engine.config.CommandTimeout)
}

func TestEngine_EvictedHostStaysOutUntilWiped(t *testing.T) {
	cluster := seeded(t, 0, 1, 2)
	cluster.SetEvicted(true, testHost(3).Endpoint())
	h := newHarness(t, cluster, 0, 0, 1, 2, 3)

	out, err := h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(4)))
	require.NoError(t, err)
	assert.Equal(t, ActionNoChange, out.Action)
	assert.Equal(t, "UNREACHABLE", out.Observed["mongo-3"])
	assert.Empty(t, cluster.Submits())

	// wiping the pod's data turns it into a fresh host that can join
	cluster.SetEvicted(false, testHost(3).Endpoint())
	out, err = h.engine.Reconcile(context.Background(), request(replset.NewDesiredTopology(4)))
	require.NoError(t, err)
	assert.Equal(t, ActionReconfigure, out.Action)
	require.Len(t, out.Joined, 1)
	assert.Equal(t, testHost(3).Endpoint(), out.Joined[0].Host)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()

	unlock, err := l.Lock(context.Background(), "default/mongo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "default/mongo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are independent
	unlockOther, err := l.Lock(context.Background(), "default/other")
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock2, err := l.Lock(context.Background(), "default/mongo")
	require.NoError(t, err)
	unlock2()
}
