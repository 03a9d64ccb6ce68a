package tasks

import (
	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/config"
)

// TypeRegistry resolves task types and their declared capability sets.
// Instruction admission consults it before any state mutation so the state
// machine never observes an unknown command.
type TypeRegistry struct {
	byName map[string]config.TaskType
}

// NewTypeRegistry builds a registry from configured task types
func NewTypeRegistry(taskTypes []config.TaskType) *TypeRegistry {
	r := &TypeRegistry{byName: make(map[string]config.TaskType)}
	for _, tt := range taskTypes {
		r.byName[tt.Name] = tt
	}
	return r
}

// Resolve returns the declared task type
func (r *TypeRegistry) Resolve(name string) (*config.TaskType, error) {
	tt, ok := r.byName[name]
	if !ok {
		return nil, apierr.NotFound("task type %s not found", name)
	}
	cp := tt
	return &cp, nil
}

// ValidateCommand checks that the command is in the task type's
// capability set.
func (r *TypeRegistry) ValidateCommand(typeName, command string) error {
	tt, err := r.Resolve(typeName)
	if err != nil {
		return err
	}
	for _, cap := range tt.Capabilities {
		if cap == command {
			return nil
		}
	}
	return apierr.Conflict("command %s is not a capability of task type %s", command, typeName)
}
