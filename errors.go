package txwork

import "errors"

var (
	// Configuration errors.
	ErrNoSessionFactory = errors.New("txwork: no session factory configured")
	ErrNoClient         = errors.New("txwork: no scheduler client configured")

	// Scope errors.
	ErrScopeClosed = errors.New("txwork: resource scope already closed")
	ErrNoResource  = errors.New("txwork: bound activity invoked without a resource scope")

	// Transaction state errors.
	ErrNoTransaction = errors.New("txwork: no transaction in progress")
	ErrTxFinished    = errors.New("txwork: transaction already committed or aborted")
	ErrAlreadyActive = errors.New("txwork: transaction already active")
	ErrTxDoomed      = errors.New("txwork: transaction doomed, commit refused")

	// Registration errors.
	ErrActivityNotFound  = errors.New("txwork: no activity registered for task type")
	ErrDuplicateActivity = errors.New("txwork: activity already registered")

	// Client errors.
	ErrClientClosed = errors.New("txwork: client closed")
	ErrTaskNotFound = errors.New("txwork: task not found")
)
