package session

import (
	"coordinator/pkg/coorderr"
	"coordinator/pkg/proto"
)

// sessionTransitions is the session lifecycle table. Completed is terminal.
var sessionTransitions = map[proto.SessionStatus][]proto.SessionStatus{
	proto.SessionActive:    {proto.SessionPaused, proto.SessionCompleted},
	proto.SessionPaused:    {proto.SessionActive, proto.SessionCompleted},
	proto.SessionCompleted: {},
}

// taskTransitions is the task lifecycle table. Completed, failed, and
// cancelled are terminal; cancel is reachable from every pre-terminal state.
var taskTransitions = map[proto.TaskStatus][]proto.TaskStatus{
	proto.TaskPending:    {proto.TaskAssigned, proto.TaskCancelled},
	proto.TaskAssigned:   {proto.TaskInProgress, proto.TaskPending, proto.TaskCancelled},
	proto.TaskInProgress: {proto.TaskCompleted, proto.TaskFailed, proto.TaskCancelled},
	proto.TaskCompleted:  {},
	proto.TaskFailed:     {},
	proto.TaskCancelled:  {},
}

func validateSessionTransition(from, to proto.SessionStatus) error {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	if from == proto.SessionCompleted {
		return coorderr.New(coorderr.KindSessionClosed, "session is completed")
	}
	return coorderr.New(coorderr.KindInvalidTransition, "invalid session transition %s -> %s", from, to)
}

func validateTaskTransition(from, to proto.TaskStatus) error {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return coorderr.New(coorderr.KindInvalidTransition, "invalid task transition %s -> %s", from, to)
}
