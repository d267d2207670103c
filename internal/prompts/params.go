package prompts

import "encoding/json"

// AnalyzeParams renders the hardening initial-analysis prompt.
type AnalyzeParams struct {
	TargetName string
	Source     string
}

// ApplyParams renders the hardening/enhance write-phase prompt.
type ApplyParams struct {
	TargetName string
	Source     string
	Analysis   json.RawMessage
	Decision   json.RawMessage
	StagingDir string
}

// FixParams renders the shared test/ci fix-loop prompt.
type FixParams struct {
	TargetName string
	Source     string
	Output     string
	Analysis   json.RawMessage
	StagingDir string
}

// VerifyParams renders the shared final-verification prompt.
type VerifyParams struct {
	TargetName     string
	OriginalSource string
	CurrentSource  string
	Analysis       json.RawMessage
}

// QuestionParams renders an ad-hoc operator question/explain-finding prompt.
type QuestionParams struct {
	TargetName string
	Question   string
	FindingID  string
	Analysis   json.RawMessage
}

// EAnalyzeParams renders the enhance analysis prompt.
type EAnalyzeParams struct {
	TargetName string
	Source     string
}

// ResearchAPIParams renders the enhance research web-search prompt.
type ResearchAPIParams struct {
	TargetName string
	Topic      string
}

// ResearchResult pairs a completed research topic with its finding, for the
// extract prompt's context.
type ResearchResult struct {
	Topic  string
	Result string
}

// ExtractParams renders the enhance extraction prompt.
type ExtractParams struct {
	TargetName string
	Source     string
	EAnalysis  json.RawMessage
	Research   []ResearchResult
}

// SynthesizeParams renders the enhance synthesis prompt.
type SynthesizeParams struct {
	TargetName    string
	PossibleItems json.RawMessage
}

// AuditParams renders the enhance audit prompt.
type AuditParams struct {
	TargetName string
	ReadyItems json.RawMessage
	Deferred   []string
	Rejected   []string
}

// PlanBatchesParams renders the enhance batch-planning prompt.
type PlanBatchesParams struct {
	TargetName    string
	AppliedItems  json.RawMessage
	Feedback      string
}

// EApplyParams renders one enhance batch's apply-phase prompt.
type EApplyParams struct {
	TargetName string
	Source     string
	Items      json.RawMessage
	StagingDir string
}

// EVerifyParams renders one enhance batch's final-verification prompt.
type EVerifyParams struct {
	TargetName     string
	OriginalSource string
	CurrentSource  string
	Items          json.RawMessage
}
