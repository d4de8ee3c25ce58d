package scheduler

import "errors"

var (
	ErrSubjectImmune       = errors.New("subject is immune")
	ErrStoreUnavailable    = errors.New("task store unavailable")
	ErrBrokerPublishFailed = errors.New("broker publish failed")
	ErrNothingScheduled    = errors.New("nothing scheduled")
	ErrInvalidSubject      = errors.New("subject id is required")
	ErrClosed              = errors.New("scheduler is shut down")
	// ErrStaleTask marks a delivery whose task id no longer matches the stored record.
	ErrStaleTask = errors.New("stale task")
)
