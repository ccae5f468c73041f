package inventory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

const (
	configFileName  = "mongod.conf"
	configMountPath = "/etc/mongo"
	dataMountPath   = "/data/db"
	configVolume    = "mongo-config-volume"
	dataVolume      = "mongo-data"
	containerName   = "mongo-container"
)

// DeploymentConfig names and sizes the resources of one database deployment
type DeploymentConfig struct {
	StatefulSet    string
	Service        string
	ConfigMap      string
	Image          string
	StorageSize    string
	StorageClass   string
	LabelSelector  string // equality selector; becomes the pod labels
	ReplicaSetName string
	Port           int32
}

// DeploymentManager creates, scales and deletes the StatefulSet that runs
// the database processes. Creates are idempotent; deletes tolerate NotFound.
type DeploymentManager struct {
	client  kubernetes.Interface
	config  DeploymentConfig
	labels  map[string]string
	storage resource.Quantity
}

// NewDeploymentManager validates the resource settings
func NewDeploymentManager(client kubernetes.Interface, config DeploymentConfig) (*DeploymentManager, error) {
	if config.StatefulSet == "" {
		return nil, fmt.Errorf("statefulset name is required")
	}
	if config.Port == 0 {
		config.Port = 27017
	}

	podLabels, err := labels.ConvertSelectorToLabelsMap(config.LabelSelector)
	if err != nil {
		return nil, fmt.Errorf("label selector must be a list of key=value pairs: %w", err)
	}
	if len(podLabels) == 0 {
		return nil, fmt.Errorf("label selector is required")
	}

	storage, err := resource.ParseQuantity(config.StorageSize)
	if err != nil {
		return nil, fmt.Errorf("invalid storage size %q: %w", config.StorageSize, err)
	}

	return &DeploymentManager{
		client:  client,
		config:  config,
		labels:  podLabels,
		storage: storage,
	}, nil
}

// Name returns the StatefulSet name, which is also the deployment name
func (m *DeploymentManager) Name() string {
	return m.config.StatefulSet
}

// EnsureDeployment creates the ConfigMap, headless Service and StatefulSet
func (m *DeploymentManager) EnsureDeployment(ctx context.Context, namespace string, replicas int32) error {
	if err := m.ensureConfigMap(ctx, namespace); err != nil {
		return err
	}
	if err := m.ensureService(ctx, namespace); err != nil {
		return err
	}

	_, err := m.client.AppsV1().StatefulSets(namespace).Create(ctx, m.statefulSet(namespace, replicas), metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create statefulset: %w", err)
	}
	if apierrors.IsAlreadyExists(err) {
		log.Debug().Str("namespace", namespace).Str("statefulset", m.config.StatefulSet).Msg("StatefulSet already exists")
		return nil
	}

	log.Info().
		Str("namespace", namespace).
		Str("statefulset", m.config.StatefulSet).
		Int32("replicas", replicas).
		Msg("Created database StatefulSet")
	return nil
}

func (m *DeploymentManager) ensureConfigMap(ctx context.Context, namespace string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.config.ConfigMap,
			Namespace: namespace,
			Labels:    m.labels,
		},
		Data: map[string]string{
			configFileName: m.mongodConf(),
		},
	}

	_, err := m.client.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create configmap: %w", err)
	}
	return nil
}

func (m *DeploymentManager) ensureService(ctx context.Context, namespace string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.config.Service,
			Namespace: namespace,
			Labels:    m.labels,
		},
		Spec: corev1.ServiceSpec{
			ClusterIP:                corev1.ClusterIPNone,
			Selector:                 m.labels,
			PublishNotReadyAddresses: true,
			Ports: []corev1.ServicePort{{
				Name:     "mongo",
				Port:     m.config.Port,
				Protocol: corev1.ProtocolTCP,
			}},
		},
	}

	_, err := m.client.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (m *DeploymentManager) mongodConf() string {
	return fmt.Sprintf(`net:
  bindIpAll: true
  port: %d
storage:
  dbPath: %s
replication:
  replSetName: %s
`, m.config.Port, dataMountPath, m.config.ReplicaSetName)
}

func (m *DeploymentManager) statefulSet(namespace string, replicas int32) *appsv1.StatefulSet {
	configMode := int32(0o555)

	pvc := corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: dataVolume},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: m.storage},
			},
		},
	}
	if m.config.StorageClass != "" {
		class := m.config.StorageClass
		pvc.Spec.StorageClassName = &class
	}

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.config.StatefulSet,
			Namespace: namespace,
			Labels:    m.labels,
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:             &replicas,
			ServiceName:          m.config.Service,
			Selector:             &metav1.LabelSelector{MatchLabels: m.labels},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{pvc},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: m.labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            containerName,
						Image:           m.config.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"mongod", "-f", configMountPath + "/" + configFileName},
						Ports: []corev1.ContainerPort{{
							Name:          "mongo",
							ContainerPort: m.config.Port,
							Protocol:      corev1.ProtocolTCP,
						}},
						VolumeMounts: []corev1.VolumeMount{
							{Name: configVolume, MountPath: configMountPath},
							{Name: dataVolume, MountPath: dataMountPath},
						},
					}},
					Volumes: []corev1.Volume{{
						Name: configVolume,
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: m.config.ConfigMap},
								DefaultMode:          &configMode,
							},
						},
					}},
				},
			},
		},
	}
}

// Scale sets the StatefulSet replica count
func (m *DeploymentManager) Scale(ctx context.Context, namespace string, replicas int32) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	_, err := m.client.AppsV1().StatefulSets(namespace).Patch(ctx, m.config.StatefulSet, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return err
	}

	log.Info().
		Str("namespace", namespace).
		Str("statefulset", m.config.StatefulSet).
		Int32("replicas", replicas).
		Msg("Scaled database StatefulSet")
	return nil
}

// DesiredReplicas returns the StatefulSet's scale target
func (m *DeploymentManager) DesiredReplicas(ctx context.Context, namespace string) (int32, error) {
	sts, err := m.client.AppsV1().StatefulSets(namespace).Get(ctx, m.config.StatefulSet, metav1.GetOptions{})
	if err != nil {
		return 0, err
	}
	if sts.Spec.Replicas == nil {
		return 1, nil
	}
	return *sts.Spec.Replicas, nil
}

// DeleteDeployment removes the StatefulSet, Service and ConfigMap.
// Missing resources are not an error.
func (m *DeploymentManager) DeleteDeployment(ctx context.Context, namespace string) error {
	deletes := []struct {
		kind string
		fn   func() error
	}{
		{"statefulset", func() error {
			return m.client.AppsV1().StatefulSets(namespace).Delete(ctx, m.config.StatefulSet, metav1.DeleteOptions{})
		}},
		{"service", func() error {
			return m.client.CoreV1().Services(namespace).Delete(ctx, m.config.Service, metav1.DeleteOptions{})
		}},
		{"configmap", func() error {
			return m.client.CoreV1().ConfigMaps(namespace).Delete(ctx, m.config.ConfigMap, metav1.DeleteOptions{})
		}},
	}

	for _, d := range deletes {
		if err := d.fn(); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete %s: %w", d.kind, err)
		}
	}

	log.Info().
		Str("namespace", namespace).
		Str("statefulset", m.config.StatefulSet).
		Msg("Deleted database deployment")
	return nil
}
