package domain

import "buildline/internal/policy"

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run scopes and trigger types.
const (
	ScopeWorkflow = "workflow"
	ScopeCard     = "card"

	TriggerCard     = "card"
	TriggerWorkflow = "workflow"
	TriggerManual   = "manual"
)

// Assignment statuses. Blocked is resumable back to queued.
const (
	AssignmentQueued    = "queued"
	AssignmentRunning   = "running"
	AssignmentCompleted = "completed"
	AssignmentFailed    = "failed"
	AssignmentBlocked   = "blocked"
)

// Agent execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Check types.
const (
	CheckLint        = "lint"
	CheckUnit        = "unit"
	CheckIntegration = "integration"
	CheckE2E         = "e2e"
	CheckSecurity    = "security"
	CheckDependency  = "dependency"
	CheckPolicy      = "policy"
)

// CheckTypes lists every recognised check type.
var CheckTypes = []string{CheckLint, CheckUnit, CheckIntegration, CheckE2E, CheckSecurity, CheckDependency, CheckPolicy}

// Check statuses.
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

// Approval types and statuses.
const (
	ApprovalCreatePR = "create_pr"
	ApprovalMergePR  = "merge_pr"

	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Pull request candidate statuses.
const (
	PRNotCreated = "not_created"
	PRDraftOpen  = "draft_open"
	PROpen       = "open"
	PRMerged     = "merged"
	PRClosed     = "closed"
)

// Planned file statuses.
const (
	PlannedProposed = "proposed"
	PlannedApproved = "approved"
	PlannedRejected = "rejected"
)

// Card build states.
const (
	CardIdle      = "idle"
	CardBuilding  = "building"
	CardCompleted = "completed"
	CardFailed    = "failed"
)

type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	RepoURL       string `json:"repo_url,omitempty"`
	DefaultBranch string `json:"default_branch"`
	RepoToken     string `json:"-"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Card struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	WorkflowID     *string  `json:"workflow_id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Requirements   []string `json:"requirements,omitempty"`
	FinalizedAt    *string  `json:"finalized_at,omitempty" format:"date-time"`
	BuildState     string   `json:"build_state" enum:"idle,building,completed,failed"`
	LastBuildError string   `json:"last_build_error,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type PlannedFile struct {
	ID        string `json:"id"`
	CardID    string `json:"card_id"`
	Path      string `json:"path"`
	Intent    string `json:"intent,omitempty"`
	Status    string `json:"status" enum:"proposed,approved,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RunInputSnapshot is the frozen scope of a run, captured once at creation.
type RunInputSnapshot struct {
	WorkflowID     string   `json:"workflow_id,omitempty"`
	CardID         string   `json:"card_id,omitempty"`
	CardIDs        []string `json:"card_ids"`
	AllowedPaths   []string `json:"allowed_paths,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	CapturedAt     string   `json:"captured_at" format:"date-time"`
}

type Run struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	Scope          string           `json:"scope" enum:"workflow,card"`
	WorkflowID     *string          `json:"workflow_id,omitempty"`
	CardID         *string          `json:"card_id,omitempty"`
	TriggerType    string           `json:"trigger_type" enum:"card,workflow,manual"`
	Status         string           `json:"status" enum:"queued,running,completed,failed"`
	InitiatedBy    string           `json:"initiated_by"`
	RepoURL        string           `json:"repo_url,omitempty"`
	BaseBranch     string           `json:"base_branch"`
	PolicySnapshot policy.Snapshot  `json:"system_policy_snapshot"`
	InputSnapshot  RunInputSnapshot `json:"run_input_snapshot"`
	WorktreeRoot   string           `json:"worktree_root,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
	StartedAt      *string          `json:"started_at,omitempty" format:"date-time"`
	EndedAt        *string          `json:"ended_at,omitempty" format:"date-time"`
	// ClaimsLock marks a build's run: it holds the project's build lock from
	// creation, while still queued.
	ClaimsLock bool `json:"claims_lock"`
}

type Assignment struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	CardID         string         `json:"card_id"`
	AgentRole      string         `json:"agent_role"`
	AgentProfile   string         `json:"agent_profile,omitempty"`
	FeatureBranch  string         `json:"feature_branch"`
	WorktreePath   *string        `json:"worktree_path,omitempty"`
	AllowedPaths   []string       `json:"allowed_paths"`
	ForbiddenPaths []string       `json:"forbidden_paths"`
	InputSnapshot  map[string]any `json:"assignment_input_snapshot,omitempty"`
	Status         string         `json:"status" enum:"queued,running,completed,failed,blocked"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

type AgentExecution struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	Attempt      int     `json:"attempt"`
	ExternalID   string  `json:"external_id,omitempty"`
	Status       string  `json:"status" enum:"running,completed,failed"`
	StartedAt    *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt      *string `json:"ended_at,omitempty" format:"date-time"`
	Summary      string  `json:"summary,omitempty"`
	Error        string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type AssignmentCommit struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	SHA          string `json:"sha"`
	Message      string `json:"message,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type RunCheck struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	CheckType  string `json:"check_type" enum:"lint,unit,integration,e2e,security,dependency,policy"`
	Status     string `json:"status" enum:"passed,failed,skipped"`
	Output     string `json:"output,omitempty"`
	LogURI     string `json:"log_uri,omitempty"`
	ExecutedAt string `json:"executed_at" format:"date-time"`
}

type ApprovalRequest struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id"`
	ApprovalType    string  `json:"approval_type" enum:"create_pr,merge_pr"`
	Status          string  `json:"status" enum:"pending,approved,rejected"`
	RequestedBy     string  `json:"requested_by"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	ResolutionNotes string  `json:"resolution_notes,omitempty"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type PullRequestCandidate struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	BaseBranch  string `json:"base_branch"`
	HeadBranch  string `json:"head_branch"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"not_created,draft_open,open,merged,closed"`
	PRURL       string `json:"pr_url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type MemorySnippet struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	CardID    string `json:"card_id,omitempty"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
