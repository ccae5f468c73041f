package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

type fakeDeployments struct {
	mu       sync.Mutex
	replicas map[string]int32
	calls    []string
	scaleErr error
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{replicas: make(map[string]int32)}
}

func (f *fakeDeployments) Name() string { return "mongo" }

func (f *fakeDeployments) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDeployments) EnsureDeployment(ctx context.Context, namespace string, replicas int32) error {
	f.record(fmt.Sprintf("ensure %s %d", namespace, replicas))
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.replicas[namespace]; !ok {
		f.replicas[namespace] = replicas
	}
	return nil
}

func (f *fakeDeployments) Scale(ctx context.Context, namespace string, replicas int32) error {
	f.record(fmt.Sprintf("scale %s %d", namespace, replicas))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scaleErr != nil {
		return f.scaleErr
	}
	f.replicas[namespace] = replicas
	return nil
}

func (f *fakeDeployments) DeleteDeployment(ctx context.Context, namespace string) error {
	f.record(fmt.Sprintf("delete %s", namespace))
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replicas, namespace)
	return nil
}

func (f *fakeDeployments) DesiredReplicas(ctx context.Context, namespace string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	replicas, ok := f.replicas[namespace]
	if !ok {
		return 0, apierrors.NewNotFound(schema.GroupResource{Group: "apps", Resource: "statefulsets"}, "mongo")
	}
	return replicas, nil
}

func (f *fakeDeployments) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []coordinator.Request
	err      error
	onCall   func()
}

func (f *fakeEngine) Reconcile(ctx context.Context, req coordinator.Request) (*coordinator.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	out := &coordinator.Outcome{Namespace: req.Namespace, Deployment: req.Deployment}
	if err != nil {
		out.Result = coordinator.ResultFailed
		return out, err
	}
	out.Result = coordinator.ResultSuccess
	return out, nil
}

func (f *fakeEngine) getRequests() []coordinator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.Request(nil), f.requests...)
}

func removedIDs(req coordinator.Request) []string {
	ids := make([]string, 0, len(req.Desired.Removed))
	for id := range req.Desired.Removed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newTestController(t *testing.T, deployments Deployments, engine Reconciler) *Controller {
	t.Helper()
	c, err := New(Config{Namespace: "db", LabelSelector: "app=MongoStatefulSet"}, nil, nil, deployments, engine)
	require.NoError(t, err)
	return c
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, &fakeEngine{})
	assert.Error(t, err)
	_, err = New(Config{}, nil, nil, newFakeDeployments(), nil)
	assert.Error(t, err)
}

func TestHandleClusterLifecycle(t *testing.T) {
	deployments := newFakeDeployments()
	c := newTestController(t, deployments, &fakeEngine{})
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, Event{Kind: EventClusterAdded, Namespace: "db", Name: "prod", NewReplicas: 3}))
	c.markRemoved("db", "mongo-1", removalDeleted)
	require.NoError(t, c.handle(ctx, Event{Kind: EventClusterDeleted, Namespace: "db", Name: "prod"}))

	assert.Equal(t, []string{"ensure db 3", "delete db"}, deployments.getCalls())
	all, _ := c.pendingRemovals("db")
	assert.Empty(t, all)
}

func TestReconcileNowUsesScaleTargetAndRemovals(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.replicas["db"] = 3
	engine := &fakeEngine{}
	c := newTestController(t, deployments, engine)

	c.markRemoved("db", "mongo-1", removalDeleted)
	c.markRemoved("other", "mongo-0", removalDeleted)

	out, err := c.ReconcileNow(context.Background(), "db", "test")
	require.NoError(t, err)
	require.NotNil(t, out)

	reqs := engine.getRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "db", reqs[0].Namespace)
	assert.Equal(t, "mongo", reqs[0].Deployment)
	assert.Equal(t, 3, reqs[0].Desired.Replicas)
	assert.Equal(t, []string{"mongo-1"}, removedIDs(reqs[0]))

	// deletion marks are one-shot so a recreated pod can rejoin
	all, _ := c.pendingRemovals("db")
	assert.Empty(t, all)
	other, _ := c.pendingRemovals("other")
	assert.Equal(t, []string{"mongo-0"}, other)
}

func TestReconcileNowKeepsRemovalsOnFailure(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.replicas["db"] = 3
	engine := &fakeEngine{err: &coordinator.QuorumUnreachableError{Phase: "target", Reachable: 1, Required: 2, Voting: 3}}
	c := newTestController(t, deployments, engine)

	c.markRemoved("db", "mongo-2", removalDeleted)

	_, err := c.ReconcileNow(context.Background(), "db", "test")
	assert.ErrorIs(t, err, coordinator.ErrQuorumUnreachable)

	all, _ := c.pendingRemovals("db")
	assert.Equal(t, []string{"mongo-2"}, all)
}

func TestReconcileNowWithoutDeployment(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestController(t, newFakeDeployments(), engine)

	out, err := c.ReconcileNow(context.Background(), "db", "test")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, engine.getRequests())
}

// stalledDeployments models an API server that never answers
type stalledDeployments struct {
	*fakeDeployments
}

func (s stalledDeployments) DesiredReplicas(ctx context.Context, _ string) (int32, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (s stalledDeployments) Scale(ctx context.Context, _ string, _ int32) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPlatformCallsAreBounded(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestController(t, stalledDeployments{newFakeDeployments()}, engine)
	assert.Equal(t, DefaultPlatformTimeout, c.config.PlatformTimeout)
	c.config.PlatformTimeout = 50 * time.Millisecond

	started := time.Now()
	_, err := c.ReconcileNow(context.Background(), "db", "test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = c.handle(context.Background(), Event{Kind: EventClusterScaled, Namespace: "db", OldReplicas: 3, NewReplicas: 5})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Empty(t, engine.getRequests())
}

func TestScaleDownShrinksMembershipFirst(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.replicas["db"] = 5
	engine := &fakeEngine{}
	engine.onCall = func() {
		// membership must shrink while the pods still exist
		assert.Empty(t, deployments.getCalls())
	}
	c := newTestController(t, deployments, engine)

	require.NoError(t, c.handle(context.Background(), Event{Kind: EventClusterScaled, Namespace: "db", OldReplicas: 5, NewReplicas: 3}))

	reqs := engine.getRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 3, reqs[0].Desired.Replicas)
	assert.Equal(t, []string{"mongo-3", "mongo-4"}, removedIDs(reqs[0]))
	assert.Equal(t, []string{"scale db 3"}, deployments.getCalls())

	engine.mu.Lock()
	engine.onCall = nil
	engine.mu.Unlock()

	// scale-down marks survive reconciles until a scale-up
	_, err := c.ReconcileNow(context.Background(), "db", "pod lifecycle")
	require.NoError(t, err)
	all, _ := c.pendingRemovals("db")
	assert.ElementsMatch(t, []string{"mongo-3", "mongo-4"}, all)
}

func TestScaleDownAbortsWhenMembershipCannotShrink(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.replicas["db"] = 3
	engine := &fakeEngine{err: errors.New("quorum lost")}
	c := newTestController(t, deployments, engine)

	err := c.handle(context.Background(), Event{Kind: EventClusterScaled, Namespace: "db", OldReplicas: 3, NewReplicas: 1})
	require.Error(t, err)
	assert.Empty(t, deployments.getCalls(), "statefulset must not shrink")
}

func TestScaleUpClearsMarks(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.replicas["db"] = 1
	engine := &fakeEngine{}
	c := newTestController(t, deployments, engine)

	c.markRemoved("db", "mongo-1", removalScaledDown)
	c.markRemoved("db", "mongo-2", removalScaledDown)

	require.NoError(t, c.handle(context.Background(), Event{Kind: EventClusterScaled, Namespace: "db", OldReplicas: 1, NewReplicas: 2}))

	all, _ := c.pendingRemovals("db")
	assert.Equal(t, []string{"mongo-2"}, all)
	assert.Empty(t, engine.getRequests(), "scale-up grows the statefulset first")
	assert.Equal(t, []string{"scale db 2"}, deployments.getCalls())
}

func TestMarkRemovedKeepsScaleDown(t *testing.T) {
	c := newTestController(t, newFakeDeployments(), &fakeEngine{})

	c.markRemoved("db", "mongo-2", removalScaledDown)
	c.markRemoved("db", "mongo-2", removalDeleted)

	all, deleted := c.pendingRemovals("db")
	assert.Equal(t, []string{"mongo-2"}, all)
	assert.Empty(t, deleted)
}

func TestProcessNextItemRequeuesFailures(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.replicas["db"] = 3
	engine := &fakeEngine{err: errors.New("transient")}

	c, err := New(Config{Namespace: "db", MaxRequeues: 2, RequeueBase: time.Millisecond, RequeueMax: time.Millisecond}, nil, nil, deployments, engine)
	require.NoError(t, err)
	defer c.queue.ShutDown()

	ev := Event{Kind: EventReconcile, Namespace: "db"}
	c.Enqueue(ev)
	c.Enqueue(ev) // coalesced
	assert.Equal(t, 1, c.Len())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, c.processNextItem(ctx))
	}

	assert.Len(t, engine.getRequests(), 3)
	assert.Equal(t, 0, c.queue.NumRequeues(ev), "dropped after max requeues")
	assert.Equal(t, 0, c.Len())
}

func TestSpecReplicas(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]interface{}
		want int32
	}{
		{"set", map[string]interface{}{"replicas": int64(5)}, 5},
		{"missing", map[string]interface{}{}, DefaultReplicas},
		{"negative", map[string]interface{}{"replicas": int64(-1)}, DefaultReplicas},
		{"wrong type", map[string]interface{}{"replicas": "five"}, DefaultReplicas},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &unstructured.Unstructured{Object: map[string]interface{}{"spec": tt.spec}}
			assert.Equal(t, tt.want, specReplicas(u))
		})
	}
}

func mongoCluster(namespace, name string, replicas int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "adamtoy.io/v1alpha1",
		"kind":       "MongoCluster",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]interface{}{
			"replicas": replicas,
		},
	}}
}

func runningPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "db",
			Labels:    map[string]string{"app": "MongoStatefulSet"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.0.0.1"},
	}
}

func TestRunDispatchesInformerEvents(t *testing.T) {
	kube := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{MongoClusterResource: "MongoClusterList"},
	)

	deployments := newFakeDeployments()
	engine := &fakeEngine{}
	synced := make(chan struct{})
	c, err := New(Config{
		Namespace:      "db",
		LabelSelector:  "app=MongoStatefulSet",
		WatchResources: true,
		Resync:         time.Hour,
		OnSynced:       func() { close(synced) },
	}, kube, dyn, deployments, engine)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("informer caches never synced")
	}

	_, err = dyn.Resource(MongoClusterResource).Namespace("db").Create(ctx, mongoCluster("db", "prod", 3), metav1.CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		calls := deployments.getCalls()
		return len(calls) > 0 && calls[0] == "ensure db 3"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = kube.CoreV1().Pods("db").Create(ctx, runningPod("mongo-0"), metav1.CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(engine.getRequests()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "mongo", engine.getRequests()[0].Deployment)

	require.NoError(t, kube.CoreV1().Pods("db").Delete(ctx, "mongo-0", metav1.DeleteOptions{}))
	require.Eventually(t, func() bool {
		for _, req := range engine.getRequests() {
			if req.Desired.IsRemoved("mongo-0") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}
