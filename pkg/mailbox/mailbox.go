package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/havocsh/havoc-sub000/pkg/blob"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Exchange is the blob-backed drop box instructions and results move
// through. Instructions are written under {task_name}/{instruct_id}; the
// task drains its own prefix and deletes what it consumed.
type Exchange struct {
	blobs blob.Store
}

// NewExchange creates an exchange over the given blob store.
func NewExchange(blobs blob.Store) *Exchange {
	return &Exchange{blobs: blobs}
}

func instructionKey(taskName, instructID string) string {
	return taskName + "/" + instructID
}

// PutInstruction drops one instruction object for the task to pick up.
func (e *Exchange) PutInstruction(ins *types.Instruction) error {
	data, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("failed to marshal instruction: %w", err)
	}
	return e.blobs.Put(instructionKey(ins.TaskName, ins.InstructID), data)
}

// Drain reads every pending instruction under the task's prefix, then
// deletes each consumed object. Deletion happens only after the full set
// has been assembled, so a crash mid-drain re-delivers on the next poll;
// consumers must tolerate seeing an instruction more than once.
func (e *Exchange) Drain(taskName string) ([]*types.Instruction, error) {
	keys, err := e.blobs.List(taskName + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to list instructions: %w", err)
	}

	var pending []*types.Instruction
	var consumed []string
	for _, key := range keys {
		data, err := e.blobs.Get(key)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read instruction %s: %w", key, err)
		}
		var ins types.Instruction
		if err := json.Unmarshal(data, &ins); err != nil {
			log.WithTask(taskName).Warn().Str("key", key).Err(err).Msg("dropping undecodable instruction object")
			consumed = append(consumed, key)
			continue
		}
		pending = append(pending, &ins)
		consumed = append(consumed, key)
	}

	for _, key := range consumed {
		if err := e.blobs.Delete(key); err != nil {
			log.WithTask(taskName).Warn().Str("key", key).Err(err).Msg("failed to delete consumed instruction")
		}
	}

	return pending, nil
}

// Discard removes any instruction objects still pending for the task.
// Used on termination so a name reuse does not inherit stale instructions.
func (e *Exchange) Discard(taskName string) error {
	keys, err := e.blobs.List(taskName + "/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.blobs.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
