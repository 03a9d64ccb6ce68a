package fleet

import "context"

// Spec describes the worker process to launch.
type Spec struct {
	TaskName    string
	TaskType    string
	TaskContext string
	Image       string
	Env         []string
}

// Attachment is the network attachment info of a placed worker.
type Attachment struct {
	PublicIP string
	LocalIPs []string
}

// Provider is the compute-fleet collaborator. Launch returns an opaque
// placement handle; Stop and Describe take that handle back.
type Provider interface {
	Launch(ctx context.Context, spec *Spec) (string, error)
	Stop(ctx context.Context, handle string) error
	Describe(ctx context.Context, handle string) (*Attachment, error)
}
