// Package inventory reads database hosts from Kubernetes and manages the
// StatefulSet, Service and ConfigMap that run them.
package inventory

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Clients bundles the typed and dynamic API clients
type Clients struct {
	Kube    kubernetes.Interface
	Dynamic dynamic.Interface
}

// NewClients builds API clients from a kubeconfig path, or from the
// in-cluster service account when the path is empty
func NewClients(kubeconfig string) (*Clients, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	restCfg.UserAgent = "quorumkeeper"
	// Timeout stays unset since it would also cut informer watches; callers
	// bound each request with a context deadline instead

	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	log.Info().
		Str("host", restCfg.Host).
		Bool("in_cluster", kubeconfig == "").
		Msg("Kubernetes clients ready")

	return &Clients{Kube: kube, Dynamic: dyn}, nil
}
