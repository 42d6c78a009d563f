package core

// TaskID uniquely identifies a unit of retryable work tracked by a control plane.
type TaskID string
