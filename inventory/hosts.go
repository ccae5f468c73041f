package inventory

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/gobwas/glob"
	"github.com/maxpert/quorumkeeper/replset"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// PodInventoryConfig configures how pods map to hosts
type PodInventoryConfig struct {
	LabelSelector string
	Service       string
	Port          uint16
	// AddressTemplate renders a host address; fields are Pod, Service,
	// Namespace and IP. Empty uses the pod IP.
	AddressTemplate string
	ExcludeHosts    []string // glob patterns over pod names
}

// addressData feeds AddressTemplate
type addressData struct {
	Pod       string
	Service   string
	Namespace string
	IP        string
}

// PodInventory lists the pods of a StatefulSet as hosts
type PodInventory struct {
	client   kubernetes.Interface
	selector string
	service  string
	port     uint16
	address  *template.Template
	exclude  []glob.Glob
}

// NewPodInventory compiles the address template and exclusion patterns
func NewPodInventory(client kubernetes.Interface, config PodInventoryConfig) (*PodInventory, error) {
	inv := &PodInventory{
		client:   client,
		selector: config.LabelSelector,
		service:  config.Service,
		port:     config.Port,
	}
	if inv.port == 0 {
		inv.port = replset.DefaultPort
	}

	if config.AddressTemplate != "" {
		tmpl, err := template.New("address").Option("missingkey=error").Parse(config.AddressTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid address template: %w", err)
		}
		inv.address = tmpl
	}

	for _, pattern := range config.ExcludeHosts {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid host exclusion pattern %q: %w", pattern, err)
		}
		inv.exclude = append(inv.exclude, g)
	}

	return inv, nil
}

// ListLiveHosts returns the Running pods of the named StatefulSet in ordinal
// order. API errors are returned unchanged.
func (p *PodInventory) ListLiveHosts(ctx context.Context, deployment, namespace string) ([]replset.Host, error) {
	hosts, err := p.ListHosts(ctx, deployment, namespace)
	if err != nil {
		return nil, err
	}
	return replset.LiveHosts(hosts), nil
}

// ListHosts returns every pod of the StatefulSet regardless of phase
func (p *PodInventory) ListHosts(ctx context.Context, deployment, namespace string) ([]replset.Host, error) {
	pods, err := p.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: p.selector})
	if err != nil {
		return nil, err
	}

	hosts := make([]replset.Host, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !ownedBy(pod.Name, deployment) || p.excluded(pod.Name) {
			continue
		}

		host, err := p.hostFor(pod)
		if err != nil {
			log.Warn().
				Err(err).
				Str("namespace", namespace).
				Str("pod", pod.Name).
				Msg("Skipping pod without an address")
			continue
		}
		hosts = append(hosts, host)
	}

	replset.SortHosts(hosts)
	return hosts, nil
}

func (p *PodInventory) hostFor(pod *corev1.Pod) (replset.Host, error) {
	host := replset.Host{
		ID:    pod.Name,
		Port:  p.port,
		Phase: PhaseOf(pod),
	}

	if p.address == nil {
		if pod.Status.PodIP == "" && host.Phase == replset.PhaseRunning {
			return host, fmt.Errorf("pod has no IP")
		}
		host.Address = pod.Status.PodIP
		return host, nil
	}

	var buf bytes.Buffer
	err := p.address.Execute(&buf, addressData{
		Pod:       pod.Name,
		Service:   p.service,
		Namespace: pod.Namespace,
		IP:        pod.Status.PodIP,
	})
	if err != nil {
		return host, fmt.Errorf("failed to render address: %w", err)
	}
	host.Address = buf.String()
	return host, nil
}

func (p *PodInventory) excluded(name string) bool {
	for _, g := range p.exclude {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// ownedBy reports whether a pod name is "<statefulset>-<ordinal>"
func ownedBy(pod, statefulSet string) bool {
	if !strings.HasPrefix(pod, statefulSet+"-") {
		return false
	}
	_, ok := replset.Ordinal(pod)
	return ok && strings.LastIndexByte(pod, '-') == len(statefulSet)
}

// PhaseOf maps a pod onto the host lifecycle
func PhaseOf(pod *corev1.Pod) replset.HostPhase {
	if pod.DeletionTimestamp != nil {
		return replset.PhaseTerminating
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return replset.PhaseRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return replset.PhaseGone
	default:
		return replset.PhasePending
	}
}
