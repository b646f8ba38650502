package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/logging"
	batchv1 "k8s.io/api/batch/v1"
	k8sv1 "k8s.io/api/core/v1"
	k8sResource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchtypev1 "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// this file contains the container backend
// each batch script runs as its own k8s job, with the pipeline root mounted
// into the pod so the script writes its markers where the dispatcher waits

// k8s job states
const (
	jobUnknown   = "UNKNOWN"
	jobCompleted = "COMPLETED"
	jobFailed    = "FAILED"
	jobRunning   = "RUNNING"
)

const (
	batchAppLabel      = "bosun-batch"
	pipelineLabel      = "bosun/pipeline"
	moduleLabel        = "bosun/module"
	batchContainerName = "batch"
	rootVolumeName     = "pipeline-root"

	maxNameLength = 63
)

var (
	dnsUnsafe   = regexp.MustCompile(`[^a-z0-9-]+`)
	labelUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// ContainerBackend runs batches as k8s jobs.
type ContainerBackend struct {
	Jobs batchtypev1.JobInterface
	// Metrics is optional; without it no resource usage is sampled
	Metrics  metricsclient.Interface
	Conf     config.Container
	Shell    string
	Paths    PathMapper
	Pipeline string

	mu   sync.Mutex
	jobs map[string]string // script path -> job name
}

// NewContainerBackend connects to the cluster named by container.kubeConfig,
// or to the cluster this process runs in when that is empty.
func NewContainerBackend(conf *config.Config, pipeline string) (*ContainerBackend, error) {
	restConfig, err := kubeConfig(conf.Container.KubeConfig)
	if err != nil {
		return nil, &EnvironmentError{Backend: config.BackendContainer, Err: err}
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, &EnvironmentError{Backend: config.BackendContainer, Err: err}
	}
	b := newContainerBackend(clientset.BatchV1().Jobs(conf.Container.Namespace), conf, pipeline)
	if b.Metrics, err = metricsclient.NewForConfig(restConfig); err != nil {
		b.Metrics = nil
	}
	return b, nil
}

func newContainerBackend(jobs batchtypev1.JobInterface, conf *config.Config, pipeline string) *ContainerBackend {
	return &ContainerBackend{
		Jobs:     jobs,
		Conf:     conf.Container,
		Shell:    conf.Script.Shell,
		Paths:    PrefixMapper{HostRoot: conf.Container.HostRoot, ContainerRoot: conf.Container.ContainerRoot},
		Pipeline: pipeline,
		jobs:     make(map[string]string),
	}
}

func kubeConfig(path string) (*rest.Config, error) {
	if path == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", path)
}

func (b *ContainerBackend) Name() string {
	return config.BackendContainer
}

func (b *ContainerBackend) Submit(ctx context.Context, task *Task, scripts []*Script, res Resources) error {
	for _, script := range scripts {
		spec, err := b.jobSpec(task, script, res)
		if err != nil {
			return err
		}
		job, err := b.Jobs.Create(ctx, spec, metav1.CreateOptions{})
		if err != nil {
			return &EnvironmentError{Backend: b.Name(), Err: fmt.Errorf("failed to create job for %s: %v", script.Name(), err)}
		}
		b.mu.Lock()
		b.jobs[script.Path] = job.Name
		b.mu.Unlock()
		if task.Run != nil {
			task.Run.JobNames = append(task.Run.JobNames, job.Name)
			task.Run.ContainerImage = b.Conf.Image
		}
		task.Log.Infof("created job %s for %s", job.Name, script.Name())
	}
	if task.Run != nil {
		task.Run.Stats.CPUReq = logging.ResourceRequirement{Min: b.cpu(res)}
		task.Run.Stats.MemoryReq = logging.ResourceRequirement{Min: b.Conf.Memory}
	}
	return nil
}

// Probe reports batches whose job failed, e.g. an image pull error or an OOM
// kill, since the script never got to write its own marker.
func (b *ContainerBackend) Probe(ctx context.Context, task *Task, pending []*Script) ([]*Script, error) {
	b.sampleUsage(ctx, task)
	dead := []*Script{}
	for _, script := range pending {
		b.mu.Lock()
		name, ok := b.jobs[script.Path]
		b.mu.Unlock()
		if !ok {
			continue
		}
		job, err := b.Jobs.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return dead, fmt.Errorf("failed to get job %s: %v", name, err)
		}
		if jobStatusToString(&job.Status) == jobFailed {
			dead = append(dead, script)
		}
	}
	return dead, nil
}

// Release deletes the jobs of a terminal module along with their pods.
func (b *ContainerBackend) Release(ctx context.Context, task *Task, scripts []*Script) error {
	var deletionPropagation metav1.DeletionPropagation = metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &deletionPropagation}
	var firstErr error
	for _, script := range scripts {
		b.mu.Lock()
		name, ok := b.jobs[script.Path]
		delete(b.jobs, script.Path)
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := b.Jobs.Delete(ctx, name, opts); err != nil {
			task.Log.Warnf("error deleting job %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *ContainerBackend) jobSpec(task *Task, script *Script, res Resources) (*batchv1.Job, error) {
	resources, err := b.resourceReqs(res)
	if err != nil {
		return nil, err
	}
	labels := b.labels(task)
	backoffLimit := int32(0)

	job := new(batchv1.Job)
	job.Kind, job.APIVersion = "Job", "batch/v1"
	job.Name, job.Labels = b.jobName(task, script), labels
	job.Spec.BackoffLimit = &backoffLimit
	job.Spec.Template.Labels = labels
	job.Spec.Template.Spec.RestartPolicy = b.restartPolicy()
	job.Spec.Template.Spec.ServiceAccountName = b.Conf.ServiceAccount
	job.Spec.Template.Spec.Volumes = b.volumes()
	job.Spec.Template.Spec.Containers = []k8sv1.Container{
		{
			Name:            batchContainerName,
			Image:           b.Conf.Image,
			ImagePullPolicy: b.pullPolicy(),
			Command:         []string{b.Shell, b.Paths.Map(script.Path)},
			WorkingDir:      b.Paths.Map(task.TempDir()),
			Resources:       resources,
			VolumeMounts:    b.volumeMounts(),
			Env: []k8sv1.EnvVar{
				{Name: "BOSUN_PIPELINE", Value: b.Pipeline},
				{Name: "BOSUN_MODULE", Value: task.Name},
			},
		},
	}
	return job, nil
}

// jobName is "bosun-<module>-<batch>-<id>", lowercased and cut to a valid DNS label.
func (b *ContainerBackend) jobName(task *Task, script *Script) string {
	module := strings.Trim(dnsUnsafe.ReplaceAllString(strings.ToLower(task.Name), "-"), "-")
	suffix := fmt.Sprintf("-%d-%s", script.Index, uuid.New().String()[:8])
	prefix := "bosun-" + module
	if len(prefix)+len(suffix) > maxNameLength {
		prefix = strings.TrimRight(prefix[:maxNameLength-len(suffix)], "-")
	}
	return prefix + suffix
}

func labelValue(s string) string {
	s = labelUnsafe.ReplaceAllString(s, "_")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return strings.Trim(s, "._-")
}

func (b *ContainerBackend) labels(task *Task) map[string]string {
	labels := map[string]string{}
	for k, v := range b.Conf.Labels {
		labels[k] = v
	}
	labels["app"] = batchAppLabel
	labels[pipelineLabel] = labelValue(b.Pipeline)
	labels[moduleLabel] = labelValue(task.Name)
	return labels
}

func (b *ContainerBackend) selector(task *Task) string {
	return fmt.Sprintf("app=%s,%s=%s,%s=%s", batchAppLabel, pipelineLabel, labelValue(b.Pipeline), moduleLabel, labelValue(task.Name))
}

// cpu is container.cpu cores when set, else the module's thread count.
func (b *ContainerBackend) cpu(res Resources) int64 {
	if b.Conf.CPU > 0 {
		return b.Conf.CPU
	}
	return int64(res.Threads)
}

// for info on quantities, see: https://godoc.org/k8s.io/apimachinery/pkg/api/resource#Quantity
func (b *ContainerBackend) resourceReqs(res Resources) (k8sv1.ResourceRequirements, error) {
	requests := make(k8sv1.ResourceList)
	if cpu := b.cpu(res); cpu > 0 {
		requests[k8sv1.ResourceCPU] = *k8sResource.NewQuantity(cpu, k8sResource.DecimalSI)
	}
	switch {
	case res.Memory != "":
		q, err := k8sResource.ParseQuantity(res.Memory)
		if err != nil {
			return k8sv1.ResourceRequirements{}, &config.Error{Property: "cluster.memory", Reason: fmt.Sprintf("%q is not a quantity: %v", res.Memory, err)}
		}
		requests[k8sv1.ResourceMemory] = q
	case b.Conf.Memory > 0:
		requests[k8sv1.ResourceMemory] = *k8sResource.NewQuantity(b.Conf.Memory, k8sResource.DecimalSI)
	}
	return k8sv1.ResourceRequirements{Requests: requests}, nil
}

func (b *ContainerBackend) volumes() []k8sv1.Volume {
	switch {
	case b.Conf.VolumeClaim != "":
		return []k8sv1.Volume{{
			Name: rootVolumeName,
			VolumeSource: k8sv1.VolumeSource{
				PersistentVolumeClaim: &k8sv1.PersistentVolumeClaimVolumeSource{ClaimName: b.Conf.VolumeClaim},
			},
		}}
	case b.Conf.HostRoot != "":
		return []k8sv1.Volume{{
			Name: rootVolumeName,
			VolumeSource: k8sv1.VolumeSource{
				HostPath: &k8sv1.HostPathVolumeSource{Path: b.Conf.HostRoot},
			},
		}}
	}
	return nil
}

func (b *ContainerBackend) volumeMounts() []k8sv1.VolumeMount {
	if len(b.volumes()) == 0 {
		return nil
	}
	mountPath := b.Conf.ContainerRoot
	if mountPath == "" {
		mountPath = b.Conf.HostRoot
	}
	return []k8sv1.VolumeMount{{Name: rootVolumeName, MountPath: mountPath}}
}

func (b *ContainerBackend) pullPolicy() (policy k8sv1.PullPolicy) {
	switch b.Conf.PullPolicy {
	case "always":
		policy = k8sv1.PullAlways
	case "never":
		policy = k8sv1.PullNever
	default:
		policy = k8sv1.PullIfNotPresent
	}
	return policy
}

// jobs only allow Never and OnFailure
func (b *ContainerBackend) restartPolicy() (policy k8sv1.RestartPolicy) {
	switch b.Conf.RestartPolicy {
	case "on_failure":
		policy = k8sv1.RestartPolicyOnFailure
	default:
		policy = k8sv1.RestartPolicyNever
	}
	return policy
}

// sampleUsage adds one point of summed cpu (millicores) and memory (bytes)
// across the module's running pods.
func (b *ContainerBackend) sampleUsage(ctx context.Context, task *Task) {
	if b.Metrics == nil || task.Run == nil {
		return
	}
	podMetrics, err := b.Metrics.MetricsV1beta1().PodMetricses(b.Conf.Namespace).List(ctx, metav1.ListOptions{LabelSelector: b.selector(task)})
	if err != nil {
		task.Log.Debugf("no pod metrics: %v", err)
		return
	}
	var cpu, mem int64
	for _, pod := range podMetrics.Items {
		for _, c := range pod.Containers {
			cpu += c.Usage.Cpu().MilliValue()
			mem += c.Usage.Memory().Value()
		}
	}
	usage := &task.Run.Stats.ResourceUsage
	if usage.Series == nil {
		usage.Init()
	}
	usage.Series.Append(logging.ResourceUsageSamplePoint{CPU: cpu, Memory: mem})
}

func jobStatusToString(status *batchv1.JobStatus) string {
	if status == nil {
		return jobUnknown
	}
	if status.Succeeded >= 1 {
		return jobCompleted
	}
	if status.Failed >= 1 {
		return jobFailed
	}
	if status.Active >= 1 {
		return jobRunning
	}
	return jobUnknown
}
