package server

import (
	"buildline/internal/domain"
	"buildline/internal/engine"
)

// Request payloads

type TriggerBuildRequest struct {
	Scope       string `json:"scope" enum:"card,workflow"`
	CardID      string `json:"card_id,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	TriggerType string `json:"trigger_type,omitempty" enum:"card,workflow,manual"`
}

type CreateRunRequest struct {
	Scope          string   `json:"scope" enum:"card,workflow"`
	WorkflowID     string   `json:"workflow_id,omitempty"`
	CardID         string   `json:"card_id,omitempty"`
	CardIDs        []string `json:"card_ids,omitempty"`
	TriggerType    string   `json:"trigger_type,omitempty" enum:"card,workflow,manual"`
	AllowedPaths   []string `json:"allowed_paths,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	BaseBranch     string   `json:"base_branch,omitempty"`
}

type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateApprovalRequest struct {
	ApprovalType string `json:"approval_type" enum:"create_pr,merge_pr"`
}

type ResolveApprovalRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Notes    string `json:"notes,omitempty"`
}

type CreatePRCandidateRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	HeadBranch  string `json:"head_branch,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
	Push        bool   `json:"push,omitempty"`
}

type UpdatePRCandidateRequest struct {
	Status string `json:"status" enum:"draft_open,open,merged,closed"`
	PRURL  string `json:"pr_url,omitempty"`
}

type BlockAssignmentRequest struct {
	Reason string `json:"reason"`
}

// Response payloads

type RunListResponse struct {
	Items []domain.Run `json:"items"`
}

type CheckListResponse struct {
	RunID  string            `json:"run_id"`
	Checks []domain.RunCheck `json:"checks"`
}

type RecoverResponse struct {
	FailedRunIDs []string `json:"failed_run_ids"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func runDetailResponse(d engine.RunDetail) engine.RunDetail {
	if d.Assignments == nil {
		d.Assignments = []domain.Assignment{}
	}
	if d.Checks == nil {
		d.Checks = []domain.RunCheck{}
	}
	if d.Approvals == nil {
		d.Approvals = []domain.ApprovalRequest{}
	}
	return d
}
