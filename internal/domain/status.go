package domain

import (
	"fmt"
	"strings"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskReady      TaskStatus = "ready"
	TaskCollected  TaskStatus = "collected"
	TaskCancelled  TaskStatus = "cancelled"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch v := TaskStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case TaskPending, TaskInProgress, TaskReady, TaskCollected, TaskCancelled:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown task status %q", ErrValidation, s)
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCollected || s == TaskCancelled
}

// next holds the only forward step out of each non-terminal state.
var next = map[TaskStatus]TaskStatus{
	TaskPending:    TaskInProgress,
	TaskInProgress: TaskReady,
	TaskReady:      TaskCollected,
}

// CheckTransition reports whether a task may move from one status to another.
func CheckTransition(from, to TaskStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == TaskCancelled || next[from] == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// DecideTransition is evaluated by every store while it holds the task's
// write lock. seen is true when token is already recorded for the task.
// It returns apply=false with a nil error for a duplicate delivery.
func DecideTransition(current, to TaskStatus, token string, seen bool) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, fmt.Errorf("%w: idempotency token is required", ErrValidation)
	}
	if seen {
		return false, nil
	}
	if err := CheckTransition(current, to); err != nil {
		return false, err
	}
	return true, nil
}
