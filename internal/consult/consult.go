// Package consult implements the consult barrier: a worker suspends a task,
// asks the consult agent for a verdict over the bus, and resumes when the
// matching response packet arrives. Payloads travel in the packets'
// references under the "opus" key.
package consult

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload version accepted by both sides.
const Version = "v1"

// Consult modes: before the engine turn, or after the review gate.
const (
	ModePreExec    = "pre_exec"
	ModePostReview = "post_review"
)

// Verdicts.
const (
	VerdictPass  = "pass"
	VerdictWarn  = "warn"
	VerdictBlock = "block"
)

// Reason codes carried on responses and gate records.
const (
	ReasonPass            = "opus_consult_pass"
	ReasonWarn            = "opus_consult_warn"
	ReasonBlock           = "opus_consult_block"
	ReasonIterate         = "opus_consult_iterate"
	ReasonResponseTimeout = "opus_consult_response_timeout"
	ReasonDispatchFailed  = "opus_consult_dispatch_failed"
	ReasonSchemaInvalid   = "opus_consult_schema_invalid"
)

// ReferenceKey is the packet references key carrying consult payloads.
const ReferenceKey = "opus"

// ErrInvalidResponse wraps consult response schema violations.
var ErrInvalidResponse = errors.New("invalid consult response")

// Request is the references.opus payload of an OPUS_CONSULT_REQUEST.
type Request struct {
	Version             string   `json:"version"`
	ConsultID           string   `json:"consultId"`
	Round               int      `json:"round"`
	MaxRounds           int      `json:"maxRounds"`
	Mode                string   `json:"mode"`
	AutopilotHypothesis string   `json:"autopilotHypothesis"`
	TaskContext         string   `json:"taskContext"`
	PriorRoundSummary   string   `json:"priorRoundSummary,omitempty"`
	Questions           []string `json:"questions"`
}

// Response is the references.opus payload of an OPUS_CONSULT_RESPONSE.
type Response struct {
	Version                     string   `json:"version"`
	ConsultID                   string   `json:"consultId"`
	Round                       int      `json:"round"`
	Final                       bool     `json:"final"`
	Verdict                     string   `json:"verdict"`
	Rationale                   string   `json:"rationale"`
	SuggestedPlan               []string `json:"suggested_plan"`
	RequiredQuestions           []string `json:"required_questions"`
	RequiredActions             []string `json:"required_actions"`
	RetryPromptPatch            string   `json:"retry_prompt_patch"`
	UnresolvedCriticalQuestions []string `json:"unresolved_critical_questions"`
	ReasonCode                  string   `json:"reasonCode"`
}

// Validate enforces the response schema rules:
//
//	block          => final=true and required_actions non-empty
//	iterate reason => final=false and at least one open question
//	final=false    => reasonCode must be the iterate code
func (r *Response) Validate() error {
	switch r.Verdict {
	case VerdictPass, VerdictWarn, VerdictBlock:
	default:
		return fmt.Errorf("%w: verdict %q is not one of pass, warn, block", ErrInvalidResponse, r.Verdict)
	}

	if r.Verdict == VerdictBlock {
		if !r.Final {
			return fmt.Errorf("%w: block verdict requires final=true", ErrInvalidResponse)
		}
		if len(r.RequiredActions) == 0 {
			return fmt.Errorf("%w: block verdict requires non-empty required_actions", ErrInvalidResponse)
		}
	}

	if r.ReasonCode == ReasonIterate {
		if r.Final {
			return fmt.Errorf("%w: reasonCode %s requires final=false", ErrInvalidResponse, ReasonIterate)
		}
		if len(r.RequiredQuestions) == 0 && len(r.UnresolvedCriticalQuestions) == 0 {
			return fmt.Errorf("%w: reasonCode %s requires at least one open question", ErrInvalidResponse, ReasonIterate)
		}
	}

	if !r.Final && r.ReasonCode != ReasonIterate {
		return fmt.Errorf("%w: final=false requires reasonCode %s, got %q", ErrInvalidResponse, ReasonIterate, r.ReasonCode)
	}
	return nil
}

// SynthesizedWarn builds the advisory-mode fallback response used when
// dispatch to the consult agent fails.
func SynthesizedWarn(consultID string, round int, reason string) *Response {
	return &Response{
		Version:    Version,
		ConsultID:  consultID,
		Round:      round,
		Final:      true,
		Verdict:    VerdictWarn,
		Rationale:  reason,
		ReasonCode: ReasonWarn,
	}
}

// DecodeResponse parses a references.opus value into a Response.
func DecodeResponse(raw json.RawMessage) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}
