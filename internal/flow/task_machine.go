package flow

import (
	"github.com/BTreeMap/CareNudge/internal/models"
)

type taskTrigger string

const (
	taskTriggerEvidence taskTrigger = "evidence"
	taskTriggerExpired  taskTrigger = "expired"
)

var taskTransitions = table[models.SubjectState, taskTrigger]{
	{models.TaskStateAwaiting, taskTriggerEvidence}: models.TaskStateCompleted,
	{models.TaskStateAwaiting, taskTriggerExpired}:  models.TaskStateMissed,
}

// TaskMachine enforces the awaiting -> completed | missed lifecycle of one task
// occurrence. Sentiment does not matter: any reply with text or media completes it.
type TaskMachine struct{}

// OnReply returns the state a reply moves an occurrence to.
func (TaskMachine) OnReply(current models.SubjectState, reply models.InboundReply) (models.SubjectState, error) {
	if !reply.HasEvidence() {
		return current, ErrNoEvidence
	}
	return taskTransitions.next(current, taskTriggerEvidence)
}

// OnExpired returns the state of an occurrence nobody answered.
func (TaskMachine) OnExpired(current models.SubjectState) (models.SubjectState, error) {
	return taskTransitions.next(current, taskTriggerExpired)
}
