package task

import "errors"

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidStatus       = errors.New("invalid task status")
	ErrProcessingFailed    = errors.New("task processing failed")
	ErrUnsupportedTaskType = errors.New("unsupported task type")
	ErrStoreSave           = errors.New("failed to save task state")
	ErrStoreLoad           = errors.New("failed to load task state")
	ErrCanceled            = errors.New("task was canceled")
	ErrInvalidArgument     = errors.New("invalid argument")
)
