// Package k8s implements the Kubernetes Backend Driver (§4.6): it spawns
// one Kubernetes Job per worker and reports status through a Job informer.
// Image spawn limits are applied by the scheduler before Spawn is called,
// not by this driver, and the Jobs it builds carry no node affinity. Adapted from the
// connection and job-submission logic of a plain kubeserver prototype.
package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gabaker/thorium/packages/backend"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/resources"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClient builds a clientset from a kubeconfig file if present,
// otherwise falls back to in-cluster config.
func NewClient(kubeconfigPath string) (*kubernetes.Clientset, error) {
	if kubeconfigPath == "" {
		if env := os.Getenv("KUBECONFIG"); env != "" {
			kubeconfigPath = env
		} else {
			home, _ := os.UserHomeDir()
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}

	abs, _ := filepath.Abs(kubeconfigPath)
	if _, err := os.Stat(abs); err == nil {
		cfg, err := clientcmd.BuildConfigFromFlags("", abs)
		if err != nil {
			return nil, fmt.Errorf("build config from kubeconfig: %w", err)
		}
		cs, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("create clientset from kubeconfig: %w", err)
		}
		return cs, nil
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config failed: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset from in-cluster: %w", err)
	}
	return cs, nil
}

// jobState is the driver's internal view of one spawned Job, used to
// answer Observe without round-tripping to the API server on every call
// and to dedupe Spawn by claim (P6).
type jobState struct {
	workerID string
	claim    models.ClaimToken
	worker   models.Worker
	terminal *backend.ObserveResult
}

// Driver implements backend.Driver by creating one Kubernetes Job per
// worker and watching a Job informer for completion.
type Driver struct {
	clientset *kubernetes.Clientset
	namespace string
	logger    *slog.Logger

	mu      sync.Mutex
	byClaim map[string]string // claim key -> workerID, for Spawn dedup (P6)
	jobs    map[string]*jobState

	stopCh chan struct{}
}

// NewDriver constructs a Driver and starts its Job informer.
func NewDriver(clientset *kubernetes.Clientset, namespace string, logger *slog.Logger) *Driver {
	d := &Driver{
		clientset: clientset,
		namespace: namespace,
		logger:    logger,
		byClaim:   make(map[string]string),
		jobs:      make(map[string]*jobState),
		stopCh:    make(chan struct{}),
	}
	go d.runInformer()
	return d
}

// Close stops the Job informer.
func (d *Driver) Close() { close(d.stopCh) }

func (d *Driver) Kind() models.BackendKind { return models.BackendKindK8s }

func claimKey(c models.ClaimToken) string {
	return fmt.Sprintf("%s/%d/%s", c.ReactionID, c.StageIdx, c.Image)
}

// Snapshot reports node capacity as a single aggregate pseudo-node backed
// by the namespace's resource quota; a real deployment would enumerate
// actual cluster nodes via the Nodes API, but the scheduler only needs an
// admission-shaped view.
func (d *Driver) Snapshot(ctx context.Context) (backend.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var workers []models.Worker
	for _, js := range d.jobs {
		if js.terminal == nil {
			workers = append(workers, js.worker)
		}
	}
	return backend.Snapshot{
		Nodes: []backend.Node{{
			ID:      d.namespace,
			Workers: workers,
		}},
	}, nil
}

// Spawn creates a Kubernetes Job for the worker spec. Repeated calls with
// the same claim return the previously assigned worker id (P6).
func (d *Driver) Spawn(ctx context.Context, spec backend.WorkerSpec) (backend.SpawnResult, error) {
	claim := models.ClaimToken{ReactionID: spec.ReactionID, StageIdx: spec.StageIdx, Image: spec.Image.Name}
	key := claimKey(claim)

	d.mu.Lock()
	if wid, ok := d.byClaim[key]; ok {
		d.mu.Unlock()
		return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: wid}, nil
	}
	d.mu.Unlock()

	workerID := fmt.Sprintf("%s-%s-%d-%s", spec.Image.Name, spec.ReactionID, spec.StageIdx, shortHash(key))
	job := buildJob(d.namespace, workerID, spec)

	_, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		d.logger.Error("failed to create job", slog.String("worker", workerID), slog.String("error", err.Error()))
		return backend.SpawnResult{Outcome: backend.SpawnRejected, Reason: err.Error()}, nil
	}

	d.mu.Lock()
	d.byClaim[key] = workerID
	d.jobs[workerID] = &jobState{
		workerID: workerID,
		claim:    claim,
		worker: models.Worker{
			ID:          workerID,
			Backend:     models.BackendKindK8s,
			Node:        d.namespace,
			Reserved:    spec.Image.Resources,
			Claim:       claim,
			SpawnedAt:   time.Now(),
			HeartbeatBy: time.Now().Add(60 * time.Second),
		},
	}
	d.mu.Unlock()

	d.logger.Info("job created", slog.String("worker", workerID), slog.String("image", spec.Image.Name))
	return backend.SpawnResult{Outcome: backend.SpawnOK, WorkerID: workerID}, nil
}

// Observe reports a worker's last-known state as tracked by the informer.
func (d *Driver) Observe(ctx context.Context, workerID string) (backend.ObserveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	js, ok := d.jobs[workerID]
	if !ok {
		return backend.ObserveResult{State: backend.ObserveLost}, nil
	}
	if js.terminal != nil {
		return *js.terminal, nil
	}
	return backend.ObserveResult{State: backend.ObserveRunning}, nil
}

// Kill deletes the worker's Job. Idempotent: deleting an already-gone Job
// is treated as success.
func (d *Driver) Kill(ctx context.Context, workerID string, reason string) error {
	d.logger.Info("killing worker", slog.String("worker", workerID), slog.String("reason", reason))
	policy := metav1.DeletePropagationForeground
	err := d.clientset.BatchV1().Jobs(d.namespace).Delete(ctx, workerID, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", workerID, err)
	}
	d.mu.Lock()
	delete(d.jobs, workerID)
	for k, v := range d.byClaim {
		if v == workerID {
			delete(d.byClaim, k)
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) runInformer() {
	factory := informers.NewSharedInformerFactoryWithOptions(d.clientset, 0, informers.WithNamespace(d.namespace))
	jobInformer := factory.Batch().V1().Jobs().Informer()

	jobInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		UpdateFunc: func(_, newObj interface{}) {
			job, ok := newObj.(*batchv1.Job)
			if !ok {
				return
			}
			if job.Status.Succeeded == 0 && job.Status.Failed == 0 {
				return
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			js, ok := d.jobs[job.Name]
			if !ok || js.terminal != nil {
				return
			}
			result := backend.ObserveResult{State: backend.ObserveFinished}
			if job.Status.Failed > 0 {
				result.ExitCode = 1
			}
			js.terminal = &result
			d.logger.Info("job finished", slog.String("worker", job.Name),
				slog.Int("succeeded", int(job.Status.Succeeded)),
				slog.Int("failed", int(job.Status.Failed)))
		},
		DeleteFunc: func(obj interface{}) {
			job, ok := obj.(*batchv1.Job)
			if !ok {
				return
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			if js, ok := d.jobs[job.Name]; ok && js.terminal == nil {
				result := backend.ObserveResult{State: backend.ObserveLost}
				js.terminal = &result
			}
		},
	})

	stopInformerCh := make(chan struct{})
	factory.Start(stopInformerCh)
	factory.WaitForCacheSync(stopInformerCh)

	<-d.stopCh
	close(stopInformerCh)
}

func buildJob(namespace, workerID string, spec backend.WorkerSpec) *batchv1.Job {
	res := spec.Image.Resources
	container := corev1.Container{
		Name:      "tool",
		Image:     spec.Image.Container,
		Resources: resourceRequirements(res),
	}
	backoff := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workerID,
			Namespace: namespace,
			Labels: map[string]string{
				"thorium/reaction": spec.ReactionID,
				"thorium/stage":    strconv.Itoa(spec.StageIdx),
				"thorium/image":    spec.Image.Name,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"thorium/reaction": spec.ReactionID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
				},
			},
		},
	}
}

func resourceRequirements(r resources.Resources) corev1.ResourceRequirements {
	reqs := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(r.CPU, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(r.Memory, resource.BinarySI),
	}
	limits := reqs
	if r.Burstable != nil {
		limits = corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(r.CPUEffective(), resource.DecimalSI),
			corev1.ResourceMemory: *resource.NewQuantity(r.MemoryEffective(), resource.BinarySI),
		}
	}
	return corev1.ResourceRequirements{Requests: reqs, Limits: limits}
}

func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%06x", h&0xffffff)
}

