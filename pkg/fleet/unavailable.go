package fleet

import (
	"context"
	"fmt"
)

// Unavailable is the provider used when no compute runtime is reachable.
// Launch fails; externally registered workers are unaffected. Stop and
// Describe succeed as no-ops so termination teardown of stale handles does
// not wedge.
type Unavailable struct {
	Reason string
}

func (u *Unavailable) Launch(ctx context.Context, spec *Spec) (string, error) {
	return "", fmt.Errorf("compute fleet unavailable: %s", u.Reason)
}

func (u *Unavailable) Stop(ctx context.Context, handle string) error {
	return nil
}

func (u *Unavailable) Describe(ctx context.Context, handle string) (*Attachment, error) {
	return &Attachment{}, nil
}
