package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// TaskType identifies one of the photo-analysis pipelines.
type TaskType string

const (
	TypePhotoAnalysis TaskType = "photo_analysis"
	TypeFaceDetection TaskType = "face_detection"
	TypeClustering    TaskType = "clustering"
	TypeCuration      TaskType = "curation"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypePhotoAnalysis, TypeFaceDetection, TypeClustering, TypeCuration:
		return true
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status can no longer change
// (a forced requeue is the one sanctioned exception).
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Seq         uint64          `json:"seq"`
	Progress    int             `json:"progress"`
	Status      TaskStatus      `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Fingerprint identifies a unit of work regardless of task id, so a second
// enqueue of the same type+payload resolves to the already-queued task.
func (t *Task) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(t.Type))
	h.Write([]byte{0})
	h.Write(t.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// RunDuration is the wall-clock run time, zero until the task has both
// started and reached a terminal state.
func (t *Task) RunDuration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// ThermalState mirrors the platform thermal classification.
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalFair     ThermalState = "fair"
	ThermalSerious  ThermalState = "serious"
	ThermalCritical ThermalState = "critical"
)

// Severity orders thermal states; SERIOUS and above trips the
// thermal pause policy.
func (t ThermalState) Severity() int {
	switch t {
	case ThermalFair:
		return 1
	case ThermalSerious:
		return 2
	case ThermalCritical:
		return 3
	}
	return 0
}

// ResourceStatus is a point-in-time device snapshot taken by the
// resource monitor. Battery level and memory usage are ratios in [0,1].
type ResourceStatus struct {
	BatteryLevel float64      `json:"battery_level"`
	Charging     bool         `json:"charging"`
	MemoryUsage  float64      `json:"memory_usage"`
	Thermal      ThermalState `json:"thermal"`
}

// EngineState is the scheduler's top-level state.
type EngineState string

const (
	StateActive         EngineState = "active"
	StatePausedUser     EngineState = "paused_user"
	StatePausedResource EngineState = "paused_resource"
	StateIdle           EngineState = "idle"
)

func (s EngineState) Paused() bool {
	return s == StatePausedUser || s == StatePausedResource
}

// ProcessingState is the aggregate published to observers on every change.
type ProcessingState struct {
	State         EngineState    `json:"state"`
	Processing    bool           `json:"processing"`
	QueueLength   int            `json:"queue_length"`
	TotalProgress float64        `json:"total_progress"`
	CurrentTask   *Task          `json:"current_task,omitempty"`
	ETASeconds    float64        `json:"eta_seconds,omitempty"`
	HasETA        bool           `json:"has_eta"`
	Resource      ResourceStatus `json:"resource"`
}

// TaskStats summarizes queue history for the stats endpoint. TotalTime is
// the cumulative run time of completed tasks.
type TaskStats struct {
	Pending   int           `json:"pending"`
	Paused    int           `json:"paused"`
	Running   int           `json:"running"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	TotalTime time.Duration `json:"total_time"`
}
