package controller

import (
	"github.com/maxpert/quorumkeeper/inventory"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/maxpert/quorumkeeper/telemetry"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/cache"
)

// DefaultReplicas is used when a MongoCluster omits spec.replicas
const DefaultReplicas = 3

// EventKind is the unit of work the controller queues
type EventKind string

const (
	EventClusterAdded   EventKind = "cluster-added"
	EventClusterDeleted EventKind = "cluster-deleted"
	EventClusterScaled  EventKind = "cluster-scaled"
	EventReconcile      EventKind = "reconcile"
)

// Event is a queued lifecycle event. Identical events coalesce in the queue,
// so pod changes in one namespace collapse into a single reconcile.
type Event struct {
	Kind        EventKind
	Namespace   string
	Name        string
	OldReplicas int32
	NewReplicas int32
}

func (c *Controller) podHandlers() cache.ResourceEventHandlerFuncs {
	return cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			pod, ok := obj.(*corev1.Pod)
			if !ok {
				return
			}
			telemetry.ControllerEventsTotal.With("pod", "add").Inc()
			c.clearRemoval(pod.Namespace, pod.Name)
			if inventory.PhaseOf(pod) == replset.PhaseRunning {
				c.Enqueue(Event{Kind: EventReconcile, Namespace: pod.Namespace})
			}
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			oldPod, ok1 := oldObj.(*corev1.Pod)
			newPod, ok2 := newObj.(*corev1.Pod)
			if !ok1 || !ok2 {
				return
			}
			telemetry.ControllerEventsTotal.With("pod", "update").Inc()

			resync := oldPod.ResourceVersion == newPod.ResourceVersion
			changed := inventory.PhaseOf(oldPod) != inventory.PhaseOf(newPod) || oldPod.Status.PodIP != newPod.Status.PodIP
			if resync || changed {
				c.Enqueue(Event{Kind: EventReconcile, Namespace: newPod.Namespace})
			}
		},
		DeleteFunc: func(obj interface{}) {
			pod, ok := obj.(*corev1.Pod)
			if !ok {
				tombstone, isTombstone := obj.(cache.DeletedFinalStateUnknown)
				if !isTombstone {
					return
				}
				if pod, ok = tombstone.Obj.(*corev1.Pod); !ok {
					return
				}
			}
			telemetry.ControllerEventsTotal.With("pod", "delete").Inc()
			c.markRemoved(pod.Namespace, pod.Name, removalDeleted)
			c.Enqueue(Event{Kind: EventReconcile, Namespace: pod.Namespace})
		},
	}
}

func (c *Controller) clusterHandlers() cache.ResourceEventHandlerFuncs {
	return cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			u, ok := obj.(*unstructured.Unstructured)
			if !ok {
				return
			}
			telemetry.ControllerEventsTotal.With("cluster", "add").Inc()
			c.Enqueue(Event{
				Kind:        EventClusterAdded,
				Namespace:   u.GetNamespace(),
				Name:        u.GetName(),
				NewReplicas: specReplicas(u),
			})
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			oldU, ok1 := oldObj.(*unstructured.Unstructured)
			newU, ok2 := newObj.(*unstructured.Unstructured)
			if !ok1 || !ok2 {
				return
			}
			telemetry.ControllerEventsTotal.With("cluster", "update").Inc()

			oldReplicas, newReplicas := specReplicas(oldU), specReplicas(newU)
			if oldReplicas == newReplicas {
				return
			}
			c.Enqueue(Event{
				Kind:        EventClusterScaled,
				Namespace:   newU.GetNamespace(),
				Name:        newU.GetName(),
				OldReplicas: oldReplicas,
				NewReplicas: newReplicas,
			})
		},
		DeleteFunc: func(obj interface{}) {
			u, ok := obj.(*unstructured.Unstructured)
			if !ok {
				tombstone, isTombstone := obj.(cache.DeletedFinalStateUnknown)
				if !isTombstone {
					return
				}
				if u, ok = tombstone.Obj.(*unstructured.Unstructured); !ok {
					return
				}
			}
			telemetry.ControllerEventsTotal.With("cluster", "delete").Inc()
			c.Enqueue(Event{Kind: EventClusterDeleted, Namespace: u.GetNamespace(), Name: u.GetName()})
		},
	}
}

// specReplicas reads spec.replicas from a MongoCluster
func specReplicas(u *unstructured.Unstructured) int32 {
	replicas, found, err := unstructured.NestedInt64(u.Object, "spec", "replicas")
	if err != nil {
		log.Warn().
			Err(err).
			Str("namespace", u.GetNamespace()).
			Str("cluster", u.GetName()).
			Msg("Invalid spec.replicas, using default")
		return DefaultReplicas
	}
	if !found || replicas < 0 {
		return DefaultReplicas
	}
	return int32(replicas)
}
