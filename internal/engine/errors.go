package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPolicyMissing     = errors.New("project has no active policy profile")
	ErrNotQueued         = errors.New("assignment is not queued")
	ErrNoApprovedFiles   = errors.New("card has no approved planned files")
	ErrBuildRunning      = errors.New("a build is already running for this project")
	ErrNoRepository      = errors.New("project has no connected repository")
	ErrCardsNotFinalized = errors.New("cards are not finalized")
	ErrUnknownEventType  = errors.New("unknown webhook event type")
	ErrPRCandidateExists = errors.New("run already has a pull request candidate")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrGateBlocked       = errors.New("required checks have not passed")
	ErrApprovalRequired  = errors.New("an approved request is required")
)

// ValidationError carries every problem found, so callers can show them all
// at once. Reason, when set, classifies the failure for errors.Is.
type ValidationError struct {
	Problems []string
	Reason   error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func validationError(reason error, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems, Reason: reason}
}

// DecisionRequiredError is a precondition the caller can resolve and retry.
type DecisionRequiredError struct {
	Reason  error
	Message string
	Details map[string]any
}

func (e *DecisionRequiredError) Error() string {
	if e.Message == "" {
		return e.Reason.Error()
	}
	return e.Message
}

func (e *DecisionRequiredError) Unwrap() error {
	return e.Reason
}

func decisionRequired(reason error, message string, details map[string]any) error {
	return &DecisionRequiredError{Reason: reason, Message: message, Details: details}
}

// CardFailure is one card that could not be assigned or dispatched.
type CardFailure struct {
	CardID       string `json:"card_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Stage        string `json:"stage"`
	Error        string `json:"error"`
}

// BuildError reports per-card failures of a triggered build. RunFailed is
// set when no card was dispatched and the run was failed.
type BuildError struct {
	RunID      string
	Failures   []CardFailure
	Dispatched []string
	RunFailed  bool
}

func (e *BuildError) Error() string {
	total := len(e.Failures) + len(e.Dispatched)
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", f.CardID, f.Stage, f.Error))
	}
	return fmt.Sprintf("build %s: %d of %d cards failed: %s", e.RunID, len(e.Failures), total, strings.Join(parts, "; "))
}
