// Package controller turns Kubernetes lifecycle events for MongoCluster
// resources and their pods into deployment changes and reconciliations.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/maxpert/quorumkeeper/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
)

// MongoClusterResource is the custom resource that declares a deployment
var MongoClusterResource = schema.GroupVersionResource{
	Group:    "adamtoy.io",
	Version:  "v1alpha1",
	Resource: "mongoclusters",
}

// Default controller settings
const (
	DefaultWorkers     = 2
	DefaultResync      = 30 * time.Second
	DefaultRequeueBase = 500 * time.Millisecond
	DefaultRequeueMax  = 60 * time.Second
	DefaultMaxRequeues = 15

	DefaultPlatformTimeout = 10 * time.Second
)

// Deployments creates, scales and deletes the database StatefulSet
type Deployments interface {
	Name() string
	EnsureDeployment(ctx context.Context, namespace string, replicas int32) error
	Scale(ctx context.Context, namespace string, replicas int32) error
	DeleteDeployment(ctx context.Context, namespace string) error
	DesiredReplicas(ctx context.Context, namespace string) (int32, error)
}

// Reconciler runs one reconciliation
type Reconciler interface {
	Reconcile(ctx context.Context, req coordinator.Request) (*coordinator.Outcome, error)
}

// Config configures the controller
type Config struct {
	Namespace       string
	LabelSelector   string
	Workers         int
	Resync          time.Duration
	WatchResources  bool // Watch MongoCluster resources; pods are always watched
	RequeueBase     time.Duration
	RequeueMax      time.Duration
	MaxRequeues     int
	PlatformTimeout time.Duration // bounds each StatefulSet query or update
	OnSynced        func()        // Called once informer caches are warm
}

type removalKind uint8

const (
	// removalDeleted marks a pod deletion; cleared once a reconcile succeeds.
	// A recreated pod rejoins only if it starts without the old config on
	// its volume, otherwise it probes as unreachable.
	removalDeleted removalKind = iota
	// removalScaledDown marks an ordinal above the scale target; cleared on scale-up
	removalScaledDown
)

// Controller consumes informer events through a rate-limited work queue
type Controller struct {
	config      Config
	deployments Deployments
	engine      Reconciler
	queue       workqueue.TypedRateLimitingInterface[Event]
	removals    *xsync.MapOf[string, removalKind] // namespace/pod

	podFactory     informers.SharedInformerFactory
	clusterFactory dynamicinformer.DynamicSharedInformerFactory
	synced         []cache.InformerSynced
}

// New wires informers for pods and, optionally, MongoCluster resources
func New(config Config, kube kubernetes.Interface, dyn dynamic.Interface, deployments Deployments, engine Reconciler) (*Controller, error) {
	if deployments == nil || engine == nil {
		return nil, fmt.Errorf("deployments and engine are required")
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Resync <= 0 {
		config.Resync = DefaultResync
	}
	if config.RequeueBase <= 0 {
		config.RequeueBase = DefaultRequeueBase
	}
	if config.RequeueMax <= 0 {
		config.RequeueMax = DefaultRequeueMax
	}
	if config.MaxRequeues <= 0 {
		config.MaxRequeues = DefaultMaxRequeues
	}
	if config.PlatformTimeout <= 0 {
		config.PlatformTimeout = DefaultPlatformTimeout
	}

	c := &Controller{
		config:      config,
		deployments: deployments,
		engine:      engine,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.NewTypedItemExponentialFailureRateLimiter[Event](config.RequeueBase, config.RequeueMax),
			workqueue.TypedRateLimitingQueueConfig[Event]{Name: "quorumkeeper"},
		),
		removals: xsync.NewMapOf[string, removalKind](),
	}

	if kube != nil {
		c.podFactory = informers.NewSharedInformerFactoryWithOptions(kube, config.Resync,
			informers.WithNamespace(config.Namespace),
			informers.WithTweakListOptions(func(o *metav1.ListOptions) {
				o.LabelSelector = config.LabelSelector
			}),
		)
		podInformer := c.podFactory.Core().V1().Pods().Informer()
		if _, err := podInformer.AddEventHandler(c.podHandlers()); err != nil {
			return nil, fmt.Errorf("failed to register pod handler: %w", err)
		}
		c.synced = append(c.synced, podInformer.HasSynced)
	}

	if dyn != nil && config.WatchResources {
		c.clusterFactory = dynamicinformer.NewFilteredDynamicSharedInformerFactory(dyn, config.Resync, config.Namespace, nil)
		clusterInformer := c.clusterFactory.ForResource(MongoClusterResource).Informer()
		if _, err := clusterInformer.AddEventHandler(c.clusterHandlers()); err != nil {
			return nil, fmt.Errorf("failed to register cluster handler: %w", err)
		}
		c.synced = append(c.synced, clusterInformer.HasSynced)
	}

	return c, nil
}

// Enqueue schedules an event
func (c *Controller) Enqueue(ev Event) {
	c.queue.Add(ev)
	telemetry.ControllerQueueDepth.Set(float64(c.queue.Len()))
}

// Len reports queued events
func (c *Controller) Len() int {
	return c.queue.Len()
}

// Run starts the informers and workers and blocks until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	defer c.queue.ShutDown()

	if c.podFactory != nil {
		c.podFactory.Start(ctx.Done())
		defer c.podFactory.Shutdown()
	}
	if c.clusterFactory != nil {
		c.clusterFactory.Start(ctx.Done())
		defer c.clusterFactory.Shutdown()
	}

	if !cache.WaitForCacheSync(ctx.Done(), c.synced...) {
		return fmt.Errorf("failed to sync informer caches")
	}
	if c.config.OnSynced != nil {
		c.config.OnSynced()
	}

	log.Info().
		Str("namespace", c.config.Namespace).
		Int("workers", c.config.Workers).
		Bool("watch_resources", c.clusterFactory != nil).
		Msg("Controller started")

	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, c.runWorker, time.Second)
		}()
	}

	<-ctx.Done()
	c.queue.ShutDown()
	wg.Wait()

	log.Info().Msg("Controller stopped")
	return nil
}

func (c *Controller) runWorker(ctx context.Context) {
	for c.processNextItem(ctx) {
	}
}

func (c *Controller) processNextItem(ctx context.Context) bool {
	ev, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(ev)

	err := c.handle(ctx, ev)
	switch {
	case err == nil:
		c.queue.Forget(ev)
	case c.queue.NumRequeues(ev) < c.config.MaxRequeues:
		log.Warn().
			Err(err).
			Str("namespace", ev.Namespace).
			Str("event", string(ev.Kind)).
			Int("requeues", c.queue.NumRequeues(ev)).
			Msg("Event failed, requeueing")
		c.queue.AddRateLimited(ev)
	default:
		log.Error().
			Err(err).
			Str("namespace", ev.Namespace).
			Str("event", string(ev.Kind)).
			Msg("Event failed too many times, dropping")
		c.queue.Forget(ev)
	}

	telemetry.ControllerQueueDepth.Set(float64(c.queue.Len()))
	return true
}

func (c *Controller) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventClusterAdded:
		return c.platform(ctx, func(ctx context.Context) error {
			return c.deployments.EnsureDeployment(ctx, ev.Namespace, ev.NewReplicas)
		})
	case EventClusterDeleted:
		c.clearNamespace(ev.Namespace)
		return c.platform(ctx, func(ctx context.Context) error {
			return c.deployments.DeleteDeployment(ctx, ev.Namespace)
		})
	case EventClusterScaled:
		return c.scale(ctx, ev)
	case EventReconcile:
		_, err := c.ReconcileNow(ctx, ev.Namespace, "pod lifecycle")
		return err
	default:
		return fmt.Errorf("unknown event kind: %s", ev.Kind)
	}
}

// scale shrinks membership before the StatefulSet drops pods, and grows the
// StatefulSet first so new pods join as they start
func (c *Controller) scale(ctx context.Context, ev Event) error {
	name := c.deployments.Name()

	if ev.NewReplicas >= ev.OldReplicas {
		for ord := int32(0); ord < ev.NewReplicas; ord++ {
			c.clearRemoval(ev.Namespace, fmt.Sprintf("%s-%d", name, ord))
		}
		return c.platform(ctx, func(ctx context.Context) error {
			return c.deployments.Scale(ctx, ev.Namespace, ev.NewReplicas)
		})
	}

	for ord := ev.NewReplicas; ord < ev.OldReplicas; ord++ {
		c.markRemoved(ev.Namespace, fmt.Sprintf("%s-%d", name, ord), removalScaledDown)
	}

	removed, _ := c.pendingRemovals(ev.Namespace)
	_, err := c.engine.Reconcile(ctx, coordinator.Request{
		Namespace:  ev.Namespace,
		Deployment: name,
		Desired:    replset.NewDesiredTopology(int(ev.NewReplicas), removed...),
		Reason:     fmt.Sprintf("scale %d -> %d", ev.OldReplicas, ev.NewReplicas),
	})
	if err != nil {
		return fmt.Errorf("failed to shrink membership before scale-down: %w", err)
	}

	return c.platform(ctx, func(ctx context.Context) error {
		return c.deployments.Scale(ctx, ev.Namespace, ev.NewReplicas)
	})
}

// platform runs one API server call under PlatformTimeout
func (c *Controller) platform(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.PlatformTimeout)
	defer cancel()
	return fn(ctx)
}

// ReconcileNow reconciles a namespace's deployment against its current
// scale target and pending removals. A missing StatefulSet is not an error.
func (c *Controller) ReconcileNow(ctx context.Context, namespace, reason string) (*coordinator.Outcome, error) {
	var replicas int32
	err := c.platform(ctx, func(ctx context.Context) (err error) {
		replicas, err = c.deployments.DesiredReplicas(ctx, namespace)
		return err
	})
	if apierrors.IsNotFound(err) {
		log.Debug().Str("namespace", namespace).Msg("No deployment to reconcile")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scale target: %w", err)
	}

	removed, deleted := c.pendingRemovals(namespace)
	outcome, err := c.engine.Reconcile(ctx, coordinator.Request{
		Namespace:  namespace,
		Deployment: c.deployments.Name(),
		Desired:    replset.NewDesiredTopology(int(replicas), removed...),
		Reason:     reason,
	})
	if err != nil {
		return outcome, err
	}

	for _, pod := range deleted {
		c.removals.Compute(removalKey(namespace, pod), func(kind removalKind, loaded bool) (removalKind, bool) {
			// keep marks that were upgraded to scale-down meanwhile
			return kind, !loaded || kind == removalDeleted
		})
	}
	return outcome, nil
}

func removalKey(namespace, pod string) string {
	return namespace + "/" + pod
}

func (c *Controller) markRemoved(namespace, pod string, kind removalKind) {
	c.removals.Compute(removalKey(namespace, pod), func(old removalKind, loaded bool) (removalKind, bool) {
		if loaded && old == removalScaledDown {
			return old, false
		}
		return kind, false
	})
}

func (c *Controller) clearRemoval(namespace, pod string) {
	c.removals.Delete(removalKey(namespace, pod))
}

func (c *Controller) clearNamespace(namespace string) {
	prefix := namespace + "/"
	c.removals.Range(func(key string, _ removalKind) bool {
		if strings.HasPrefix(key, prefix) {
			c.removals.Delete(key)
		}
		return true
	})
}

// pendingRemovals returns every marked pod and the subset marked by deletion
func (c *Controller) pendingRemovals(namespace string) (all, deleted []string) {
	prefix := namespace + "/"
	c.removals.Range(func(key string, kind removalKind) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		pod := strings.TrimPrefix(key, prefix)
		all = append(all, pod)
		if kind == removalDeleted {
			deleted = append(deleted, pod)
		}
		return true
	})
	return all, deleted
}
