package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/types"
)

const (
	labelApp       = "app"
	labelComponent = "component"
	appName        = "flowdeck"
	componentName  = "editor"
)

// managedSelector matches every pod this controller owns
var managedSelector = fmt.Sprintf("%s=%s,%s=%s", labelApp, appName, labelComponent, componentName)

// KubeClient implements Client against a Kubernetes control plane
type KubeClient struct {
	clientset kubernetes.Interface
	metrics   metricsclient.Interface
	cfg       *config.Config
}

// NewKubeClient builds a client from in-cluster config, falling back to the
// given kubeconfig path for development.
func NewKubeClient(cfg *config.Config, kubeconfig string) (*KubeClient, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build cluster config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	metricsClientset, err := metricsclient.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics clientset: %w", err)
	}

	return &KubeClient{
		clientset: clientset,
		metrics:   metricsClientset,
		cfg:       cfg,
	}, nil
}

// callCtx bounds one unary API-server call so a hung apiserver cannot
// stall a control loop. The watch stream manages its own lifetime and is
// exempt.
func (k *KubeClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, k.cfg.ClusterCallTimeout)
}

func (k *KubeClient) CreatePod(ctx context.Context, name string) error {
	ctx, cancel := k.callCtx(ctx)
	defer cancel()

	pod := k.buildPodSpec(name)
	_, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create pod %s: %w", name, err)
	}
	return nil
}

func (k *KubeClient) DeletePod(ctx context.Context, name string) error {
	ctx, cancel := k.callCtx(ctx)
	defer cancel()

	policy := metav1.DeletePropagationBackground
	err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", name, err)
	}
	return nil
}

func (k *KubeClient) GetPod(ctx context.Context, name string) (*PodState, error) {
	ctx, cancel := k.callCtx(ctx)
	defer cancel()

	pod, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrPodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pod %s: %w", name, err)
	}
	state := toPodState(pod)
	return &state, nil
}

func (k *KubeClient) ListPods(ctx context.Context) ([]PodState, error) {
	ctx, cancel := k.callCtx(ctx)
	defer cancel()

	podList, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	states := make([]PodState, 0, len(podList.Items))
	for i := range podList.Items {
		states = append(states, toPodState(&podList.Items[i]))
	}
	return states, nil
}

func (k *KubeClient) WatchPods(ctx context.Context) (<-chan PodEvent, error) {
	watcher, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: managedSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pod watch: %w", err)
	}

	events := make(chan PodEvent)
	go func() {
		defer close(events)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				pod, ok := ev.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				var kind EventKind
				switch ev.Type {
				case watch.Added:
					kind = EventAdded
				case watch.Modified:
					kind = EventModified
				case watch.Deleted:
					kind = EventDeleted
				default:
					continue
				}
				select {
				case events <- PodEvent{Kind: kind, Pod: toPodState(pod)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

func (k *KubeClient) PodMetrics(ctx context.Context) ([]types.PodUsage, error) {
	ctx, cancel := k.callCtx(ctx)
	defer cancel()

	metricsList, err := k.metrics.MetricsV1beta1().PodMetricses(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pod metrics: %w", err)
	}

	usages := make([]types.PodUsage, 0, len(metricsList.Items))
	for _, item := range metricsList.Items {
		var cpuMillis, memBytes int64
		for _, c := range item.Containers {
			cpuMillis += c.Usage.Cpu().MilliValue()
			memBytes += c.Usage.Memory().Value()
		}
		usages = append(usages, types.PodUsage{
			PodName:     item.Name,
			CPUMillis:   cpuMillis,
			MemoryBytes: memBytes,
		})
	}
	return usages, nil
}

// buildPodSpec builds the single-container editor pod the controller
// provisions for every tenant session.
func (k *KubeClient) buildPodSpec(name string) *corev1.Pod {
	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if q, err := resource.ParseQuantity(k.cfg.CPURequest); err == nil {
		resources.Requests[corev1.ResourceCPU] = q
	}
	if q, err := resource.ParseQuantity(k.cfg.MemoryRequest); err == nil {
		resources.Requests[corev1.ResourceMemory] = q
	}
	if q, err := resource.ParseQuantity(k.cfg.CPULimit); err == nil {
		resources.Limits[corev1.ResourceCPU] = q
	}
	if q, err := resource.ParseQuantity(k.cfg.MemoryLimit); err == nil {
		resources.Limits[corev1.ResourceMemory] = q
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.cfg.Namespace,
			Labels: map[string]string{
				labelApp:       appName,
				labelComponent: componentName,
			},
		},
		Spec: corev1.PodSpec{
			// The controller owns replacement; failed editors are
			// discarded, not restarted in place.
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  componentName,
					Image: k.cfg.EditorImage,
					Ports: []corev1.ContainerPort{
						{ContainerPort: int32(k.cfg.EditorPort)},
					},
					Env: []corev1.EnvVar{
						{Name: "FLOWDECK_POD_NAME", Value: name},
					},
					Resources: resources,
				},
			},
		},
	}
}

func toPodState(pod *corev1.Pod) PodState {
	state := PodState{
		Name:    pod.Name,
		Phase:   string(pod.Status.Phase),
		Address: pod.Status.PodIP,
	}

	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			state.Ready = true
		}
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting == nil {
			continue
		}
		switch cs.State.Waiting.Reason {
		case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull", "InvalidImageName":
			state.Failure = cs.State.Waiting.Reason
		}
	}

	return state
}
