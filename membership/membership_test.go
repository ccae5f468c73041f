package membership

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/maxpert/quorumkeeper/membership/membershiptest"
	"github.com/maxpert/quorumkeeper/mongodb"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHost(i int) replset.Host {
	return replset.Host{
		ID:      fmt.Sprintf("mongo-%d", i),
		Address: fmt.Sprintf("10.0.0.%d", i+1),
		Phase:   replset.PhaseRunning,
	}
}

func testHosts(n int) []replset.Host {
	out := make([]replset.Host, n)
	for i := range out {
		out[i] = testHost(i)
	}
	return out
}

func seededCluster(t *testing.T, n int) *membershiptest.Cluster {
	t.Helper()
	cfg, err := replset.PlanBootstrap("rs1", testHosts(n), replset.PlanOptions{})
	require.NoError(t, err)
	c := membershiptest.NewCluster()
	c.Seed(cfg)
	return c
}

func TestProber_ThreeWayClassification(t *testing.T) {
	cluster := seededCluster(t, 3)
	cluster.SetDown(true, testHost(2).Endpoint())

	hosts := append(testHosts(3), testHost(3))
	observed := NewProber(cluster, time.Second).Classify(context.Background(), hosts)

	assert.Equal(t, []replset.Host{testHost(0), testHost(1)}, observed.Member)
	assert.Equal(t, []replset.Host{testHost(3)}, observed.NotYetMember)
	assert.Equal(t, []replset.Host{testHost(2)}, observed.Unreachable)
	assert.Error(t, observed.Errors["mongo-2"])
	assert.Zero(t, cluster.OpenSessions(), "probe sessions must be closed")
}

func TestProber_UninitializedSetIsAllNotYetMember(t *testing.T) {
	cluster := membershiptest.NewCluster()
	observed := NewProber(cluster, 0).Classify(context.Background(), testHosts(3))

	assert.Len(t, observed.NotYetMember, 3)
	assert.Empty(t, observed.Member)
	assert.Empty(t, observed.Unreachable)
}

func TestAdmin_CurrentConfig(t *testing.T) {
	cluster := seededCluster(t, 3)
	admin := NewAdmin(cluster, time.Second)

	cfg, err := admin.CurrentConfig(context.Background(), "rs1", []string{testHost(0).Endpoint()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.Version)
	assert.Len(t, cfg.Members, 3)

	_, err = admin.CurrentConfig(context.Background(), "rs1", nil)
	assert.Equal(t, mongodb.FailureUnreachable, KindOf(err))
	assert.Zero(t, cluster.OpenSessions())
}

func TestAdmin_Initialize(t *testing.T) {
	cluster := membershiptest.NewCluster()
	admin := NewAdmin(cluster, time.Second)

	cfg, err := replset.PlanBootstrap("rs1", testHosts(3), replset.PlanOptions{})
	require.NoError(t, err)

	require.NoError(t, admin.Initialize(context.Background(), testHost(0), cfg))
	stored, ok := cluster.Stored()
	require.True(t, ok)
	assert.Equal(t, cfg, stored)

	err = admin.Initialize(context.Background(), testHost(0), cfg)
	assert.Equal(t, mongodb.FailureAlreadyInitialized, KindOf(err))
}

func TestAdmin_ReconfigureClassifiesFailures(t *testing.T) {
	cluster := seededCluster(t, 3)
	admin := NewAdmin(cluster, time.Second)
	quorum := []string{testHost(0).Endpoint(), testHost(1).Endpoint()}

	current, _ := cluster.Stored()
	next := current.Clone()
	next.Version = current.Version + 1
	next.Members = next.Members[:2]

	require.NoError(t, admin.Reconfigure(context.Background(), quorum, next))

	// resubmitting the same version is a stale proposal
	err := admin.Reconfigure(context.Background(), quorum, next)
	assert.Equal(t, mongodb.FailureVersionConflict, KindOf(err))

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "replSetReconfig", ce.Command)
	assert.Equal(t, quorum, ce.Hosts)

	cluster.SetDown(true, quorum...)
	err = admin.Reconfigure(context.Background(), quorum, next)
	assert.Equal(t, mongodb.FailureUnreachable, KindOf(err))
	assert.Zero(t, cluster.OpenSessions())
}
