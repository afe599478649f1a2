// Package types holds the data model shared across every Taskforge
// component: Task (schedule template), Run (one invocation), Worker (remote
// agent), Project (versioned artifact), NodeProject (per-worker distribution
// state) and ControlEvent (control-bus record). All identifiers that cross a
// component or process boundary are opaque strings minted with uuid.NewString.
package types

import "time"

// TaskType selects which runtime a Task's Project expects.
type TaskType string

const (
	TaskTypeFile   TaskType = "file"
	TaskTypeCode   TaskType = "code"
	TaskTypeRule   TaskType = "rule"
	TaskTypeSpider TaskType = "spider"
)

// ScheduleKind selects how a Task is triggered.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleManual   ScheduleKind = "manual"
)

// Schedule describes when a Task fires. Exactly one of the kind-specific
// fields is meaningful for a given Kind.
type Schedule struct {
	Kind        ScheduleKind
	At          time.Time // ScheduleOnce
	CronExpr    string    // ScheduleCron
	IntervalSec int64     // ScheduleInterval
}

// RetryPolicy controls the Scheduler's retry orchestration.
type RetryPolicy struct {
	MaxRetries   int // task-template cap on attempts; distinct from Run.Attempt
	InitialDelay time.Duration
	Backoff      string // "exponential" | "fixed"
}

// ExecutionStrategy selects how the Scheduler's resolver picks a Worker.
type ExecutionStrategy string

const (
	StrategyLocal       ExecutionStrategy = "local"
	StrategyFixed       ExecutionStrategy = "fixed"
	StrategyAuto        ExecutionStrategy = "auto"
	StrategyPreferBound ExecutionStrategy = "prefer-bound"
)

// Task is a reusable template describing what to run and when. It is never
// destroyed while Runs reference it; deletion cascades to Run.
type Task struct {
	PublicID                string
	Name                    string // globally unique
	ProjectRef              string
	TaskType                TaskType
	Schedule                Schedule
	MaxConcurrentInstances  int // >= 1
	TimeoutSeconds          int64
	RetryPolicy             RetryPolicy
	IsActive                bool
	ExecutionStrategy       ExecutionStrategy
	FallbackEnabled         bool
	BoundWorkerRef          string
	OwnerRef                string
	SuccessCount            int64
	FailureCount            int64
	LastRun                 time.Time
	NextRun                 time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// DispatchStatus is the dispatch axis of a Run.
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "pending"
	DispatchDispatching DispatchStatus = "dispatching"
	DispatchQueued      DispatchStatus = "queued"
	DispatchFailed      DispatchStatus = "failed"
	DispatchTimeout     DispatchStatus = "timeout"
)

// RuntimeStatus is the runtime axis of a Run. The zero value means "unset" —
// only meaningful once DispatchStatus has reached DispatchQueued.
type RuntimeStatus string

const (
	RuntimeUnset     RuntimeStatus = ""
	RuntimeRunning   RuntimeStatus = "running"
	RuntimeSuccess   RuntimeStatus = "success"
	RuntimeFailed    RuntimeStatus = "failed"
	RuntimeCancelled RuntimeStatus = "cancelled"
	RuntimeTimeout   RuntimeStatus = "timeout"
)

// AggregateStatus is the derived status exposed to operators, per the table
// below.
type AggregateStatus string

const (
	AggPending     AggregateStatus = "pending"
	AggDispatching AggregateStatus = "dispatching"
	AggQueued      AggregateStatus = "queued"
	AggRunning     AggregateStatus = "running"
	AggSuccess     AggregateStatus = "success"
	AggFailed      AggregateStatus = "failed"
	AggTimeout     AggregateStatus = "timeout"
	AggCancelled   AggregateStatus = "cancelled"
)

// Aggregate derives the externally visible status from the two axes.
func Aggregate(dispatch DispatchStatus, runtime RuntimeStatus) AggregateStatus {
	switch dispatch {
	case DispatchPending:
		return AggPending
	case DispatchDispatching:
		return AggDispatching
	case DispatchFailed:
		return AggFailed
	case DispatchTimeout:
		return AggTimeout
	case DispatchQueued:
		switch runtime {
		case RuntimeUnset:
			return AggQueued
		case RuntimeRunning:
			return AggRunning
		case RuntimeSuccess:
			return AggSuccess
		case RuntimeFailed:
			return AggFailed
		case RuntimeCancelled:
			return AggCancelled
		case RuntimeTimeout:
			return AggTimeout
		}
	}
	return AggPending
}

// IsTerminal reports whether status admits no further writes except an
// administrative purge.
func (s AggregateStatus) IsTerminal() bool {
	switch s {
	case AggSuccess, AggFailed, AggTimeout, AggCancelled:
		return true
	default:
		return false
	}
}

// Run is one invocation of a Task; it carries the two-axis state.
type Run struct {
	PublicID       string
	RunID          string // external UUID, unique
	TaskRef        string
	WorkerRef      string
	DispatchStatus DispatchStatus
	RuntimeStatus  RuntimeStatus
	StartTime      time.Time
	EndTime        time.Time
	DurationMS     int64
	ExitCode       *int32
	Attempt        int // run-level attempt counter; distinct from Task.RetryPolicy.MaxRetries
	ErrorMessage   string
	ErrorReason    string // taskerr.Kind string, when terminal-failed
	ResultData     map[string]any
	LastHeartbeat  time.Time
	LogFileRef     string
	ErrorLogRef    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Status derives the aggregate status of r.
func (r *Run) Status() AggregateStatus { return Aggregate(r.DispatchStatus, r.RuntimeStatus) }

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerOffline     WorkerStatus = "offline"
	WorkerOnline      WorkerStatus = "online"
	WorkerUnreachable WorkerStatus = "unreachable"
)

// WorkerMetrics is the latest self-reported resource snapshot of a Worker.
type WorkerMetrics struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	RunningTasks      int
	MaxConcurrentTask int
	ObservedAt        time.Time
}

// Worker is a remote agent that executes Runs and streams their logs.
type Worker struct {
	PublicID       string
	Name           string
	Host           string
	Port           int
	Status         WorkerStatus
	Draining       bool // stops new dispatch without cancelling live Runs
	Region         string
	Tags           []string
	OSInfo         string
	Capabilities   map[string]string
	ResourceLimits map[string]string
	LastHeartbeat  time.Time
	Metrics        WorkerMetrics
	APIKey         string
	SecretKey      string
	CreatedAt      time.Time
}

// ProjectType selects which detail payload a Project carries.
type ProjectType string

const (
	ProjectFile ProjectType = "file"
	ProjectCode ProjectType = "code"
	ProjectRule ProjectType = "rule"
)

// ProjectStatus is the lifecycle of a Project.
type ProjectStatus string

const (
	ProjectDraft    ProjectStatus = "draft"
	ProjectActive   ProjectStatus = "active"
	ProjectInactive ProjectStatus = "inactive"
	ProjectArchived ProjectStatus = "archived"
)

// FileDetail is type-specific payload for ProjectFile.
type FileDetail struct {
	FilePath        string // object-store key/prefix for the unpacked tree
	FileHash        string
	EntryPoint      string
	IsCompressed    bool
	DraftManifestKey string
	PublishedVersion int
	Dirty            bool
}

// CodeDetail is type-specific payload for ProjectCode.
type CodeDetail struct {
	Content     string
	Language    string
	ContentHash string
	EntryPoint  string
}

// RuleEngine selects the crawler execution engine for a ProjectRule.
type RuleEngine string

const (
	EngineBrowser   RuleEngine = "browser"
	EngineRequests  RuleEngine = "requests"
	EngineCurlCFFI  RuleEngine = "curl_cffi"
)

// RuleDetail is type-specific payload for ProjectRule.
type RuleDetail struct {
	Engine          RuleEngine
	TargetURL       string
	ExtractRules    map[string]string
	PaginationURLs  []string // expanded URL-pattern pages, one child dispatch per entry
	RequestHeaders  map[string]string
}

// Project is a draft/published-version artifact.
type Project struct {
	PublicID          string
	Type              ProjectType
	Status            ProjectStatus
	EnvLocation       string
	WorkerRef         string
	WorkerEnvName     string
	PythonVersion     string
	VenvScope         string
	ExecutionStrategy ExecutionStrategy
	BoundWorkerRef    string
	File              *FileDetail
	Code              *CodeDetail
	Rule              *RuleDetail
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ManifestEntry is one file record inside a published version's manifest.
type ManifestEntry struct {
	Path  string
	Hash  string
	Size  int64
	Mtime time.Time
}

// Manifest is the per-file hash index produced on publish.
type Manifest struct {
	Version   int
	Files     []ManifestEntry
	TotalSize int64
	FileCount int
}

// NodeProjectStatus tracks whether a Worker's copy of a Project matches the
// latest published hash.
type NodeProjectStatus string

const (
	NodeProjectSynced NodeProjectStatus = "synced"
	NodeProjectStale  NodeProjectStatus = "stale"
)

// FileSync is per-file child tracking inside a NodeProject.
type FileSync struct {
	Path string
	Hash string
	Size int64
}

// NodeProject is the distribution state of one (worker, project) pair.
type NodeProject struct {
	WorkerRef       string
	ProjectPublicID string
	FileHash        string
	FileSize        int64
	TransferMethod  string
	SyncedAt        time.Time
	Status          NodeProjectStatus
	SyncCount       int64
	LastUsedAt      time.Time
	Files           []FileSync
}

// ControlEventType selects what a ControlEvent means to the active scheduler.
type ControlEventType string

const (
	EventTaskChanged ControlEventType = "task_changed"
	EventTaskTrigger ControlEventType = "task_trigger"
)

// ControlEvent is an append-only record on the scheduler_events stream.
type ControlEvent struct {
	Event     ControlEventType
	TaskID    string
	Timestamp time.Time
}
