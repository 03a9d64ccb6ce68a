package fleet

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for fleet workers
	DefaultNamespace = "havoc"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// stopTimeout is how long a worker gets to exit after SIGTERM before
	// it is killed.
	stopTimeout = 10 * time.Second
)

// Containerd implements Provider against a containerd socket. Workers run
// in host network mode, so a placement's addresses are the node's own.
type Containerd struct {
	client    *containerd.Client
	namespace string
}

// NewContainerd connects to containerd.
func NewContainerd(socketPath, namespace string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Containerd{client: client, namespace: namespace}, nil
}

// Close closes the containerd client connection
func (c *Containerd) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Launch pulls the worker image, creates the container, and starts its
// task. The placement handle is the container ID.
func (c *Containerd) Launch(ctx context.Context, spec *Spec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	image, err := c.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}

	container, err := c.client.NewContainer(
		ctx,
		spec.TaskName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.TaskName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			"havoc.task_type":    spec.TaskType,
			"havoc.task_context": spec.TaskContext,
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx, containerd.WithProcessKill)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return container.ID(), nil
}

// Stop terminates the worker and removes its container.
func (c *Containerd) Stop(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", handle, err)
	}

	task, err := container.Task(ctx, nil)
	if err == nil {
		exitCh, werr := task.Wait(ctx)
		if kerr := task.Kill(ctx, syscall.SIGTERM); kerr == nil && werr == nil {
			select {
			case <-exitCh:
			case <-time.After(stopTimeout):
				task.Kill(ctx, syscall.SIGKILL)
			}
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// Describe returns the placement's network attachment. Host-network
// workers share the node's interfaces.
func (c *Containerd) Describe(ctx context.Context, handle string) (*Attachment, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	if _, err := c.client.LoadContainer(ctx, handle); err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", handle, err)
	}

	attachment := &Attachment{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return attachment, nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		attachment.LocalIPs = append(attachment.LocalIPs, ipNet.IP.String())
	}
	if len(attachment.LocalIPs) > 0 {
		attachment.PublicIP = attachment.LocalIPs[0]
	}
	return attachment, nil
}
