package eventbus

import "time"

// Event types emitted by the core components.
const (
	TypeTaskDispatched     = "task.dispatched"
	TypeTaskSucceeded      = "task.succeeded"
	TypeTaskRetryScheduled = "task.retry_scheduled"
	TypeTaskExhausted      = "task.exhausted"
	TypeTaskHardFailed     = "task.hard_failed"

	TypeKeepaliveRefreshed = "keepalive.refreshed"
	TypeKeepaliveFailed    = "keepalive.failed"

	TypeCredentialUpdated  = "credential.updated"
	TypeCredentialRestored = "credential.restored"

	TypeConfigReloaded = "config.reloaded"

	TypeNotifyQueued  = "notify.queued"
	TypeNotifySent    = "notify.sent"
	TypeNotifyFailed  = "notify.failed"
	TypeNotifyDeduped = "notify.deduped"
	TypeNotifyDropped = "notify.dropped"

	TypeMaintenanceFinished = "maintenance.finished"
	TypeMaintenanceFailed   = "maintenance.failed"
)

// TaskEvent accompanies the task.* event types.
type TaskEvent struct {
	TaskID  string `json:"task_id"`
	Site    string `json:"site"`
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// KeepaliveEvent accompanies the keepalive.* event types.
type KeepaliveEvent struct {
	Site     string        `json:"site"`
	Source   string        `json:"source,omitempty"`
	Failures int           `json:"failures,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// CredentialEvent accompanies the credential.* event types.
type CredentialEvent struct {
	Site       string    `json:"site"`
	Source     string    `json:"source"`
	ValidUntil time.Time `json:"valid_until"`
}

// ConfigEvent accompanies config.reloaded.
type ConfigEvent struct {
	Path  string `json:"path"`
	Sites int    `json:"sites"`
}

// NotifyEvent accompanies the notify.* event types.
type NotifyEvent struct {
	Channel string `json:"channel"`
	Site    string `json:"site,omitempty"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MaintenanceEvent accompanies the maintenance.* event types.
type MaintenanceEvent struct {
	Job     string        `json:"job"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Error   string        `json:"error,omitempty"`
}
