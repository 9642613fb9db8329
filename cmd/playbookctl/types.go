package main

type playbookInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Field       string `json:"field"`
}

type playbooksResponse struct {
	Playbooks []playbookInfo `json:"playbooks"`
	TotalSize int            `json:"totalSize"`
}

type assetRef struct {
	AssetType string `json:"assetType"`
	ProductID string `json:"productId,omitempty"`
	Handle    string `json:"handle,omitempty"`
}

func (r assetRef) String() string {
	if r.ProductID != "" {
		return "product:" + r.ProductID
	}
	return r.Handle
}

type excludedRef struct {
	Ref    assetRef `json:"ref"`
	Reason string   `json:"reason"`
}

type estimateResponse struct {
	ProjectID     string        `json:"projectId"`
	PlaybookID    string        `json:"playbookId"`
	AssetType     string        `json:"assetType"`
	Field         string        `json:"field"`
	ScopeID       string        `json:"scopeId"`
	RulesHash     string        `json:"rulesHash"`
	AffectedCount int           `json:"affectedCount"`
	Eligible      bool          `json:"eligible"`
	Excluded      []excludedRef `json:"excluded,omitempty"`
}

type previewItem struct {
	AssetRef      string   `json:"assetRef"`
	CurrentValue  string   `json:"currentValue"`
	RawSuggestion string   `json:"rawSuggestion,omitempty"`
	Final         string   `json:"finalSuggestion,omitempty"`
	Warnings      []string `json:"ruleWarnings,omitempty"`
	Outcome       string   `json:"outcome"`
	FailureReason string   `json:"failureReason,omitempty"`
}

type previewResponse struct {
	ScopeID       string        `json:"scopeId"`
	RulesHash     string        `json:"rulesHash"`
	AffectedTotal int           `json:"affectedTotal"`
	SampleSize    int           `json:"sampleSize"`
	Items         []previewItem `json:"items"`
	Cached        bool          `json:"cached"`
}

type suggestion struct {
	AssetRef        string   `json:"assetRef"`
	Field           string   `json:"field"`
	CurrentValue    string   `json:"currentValue"`
	RawSuggestion   string   `json:"rawSuggestion,omitempty"`
	FinalSuggestion *string  `json:"finalSuggestion"`
	RuleWarnings    []string `json:"ruleWarnings,omitempty"`
	Outcome         string   `json:"outcome"`
	FailureReason   string   `json:"failureReason,omitempty"`
	AppliedAt       string   `json:"appliedAt,omitempty"`
}

type draftCounts struct {
	AffectedTotal  int `json:"affectedTotal"`
	DraftGenerated int `json:"draftGenerated"`
	NoSuggestion   int `json:"noSuggestion"`
}

type draft struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	PlaybookID  string            `json:"playbookId"`
	ScopeID     string            `json:"scopeId"`
	RulesHash   string            `json:"rulesHash"`
	AssetType   string            `json:"assetType"`
	Field       string            `json:"field"`
	Status      string            `json:"status"`
	Counts      draftCounts       `json:"counts"`
	AICalled    bool              `json:"aiCalled"`
	ScopeRefs   []string          `json:"scopeRefs"`
	Excluded    map[string]string `json:"excluded,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	StaleReason string            `json:"staleReason,omitempty"`
	CreatedBy   string            `json:"createdBy,omitempty"`
	CreatedAt   string            `json:"createdAt"`
	UpdatedAt   string            `json:"updatedAt"`
	Reused      bool              `json:"reused,omitempty"`
	Suggestions []suggestion      `json:"suggestions,omitempty"`
}

type draftsResponse struct {
	Drafts        []draft `json:"drafts"`
	NextPageToken string  `json:"nextPageToken"`
	TotalSize     int     `json:"totalSize"`
}

type applyFailure struct {
	AssetRef string `json:"assetRef"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

type applyResponse struct {
	DraftID               string         `json:"draftId"`
	AppliedCount          int            `json:"appliedCount"`
	SkippedAlreadyApplied int            `json:"skippedAlreadyApplied"`
	FailedCount           int            `json:"failedCount"`
	Failures              []applyFailure `json:"failures"`
}

type decision struct {
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type approval struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	DraftID     string     `json:"draftId"`
	ScopeID     string     `json:"scopeId"`
	RulesHash   string     `json:"rulesHash"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requestedBy"`
	Reason      string     `json:"reason,omitempty"`
	DecidedBy   string     `json:"decidedBy,omitempty"`
	DecidedAt   string     `json:"decidedAt,omitempty"`
	Note        string     `json:"decisionNote,omitempty"`
	Consumed    bool       `json:"consumed"`
	ConsumedAt  string     `json:"consumedAt,omitempty"`
	CreatedAt   string     `json:"createdAt"`
	Decisions   []decision `json:"decisions,omitempty"`
}

type approvalsResponse struct {
	Approvals     []approval `json:"approvals"`
	NextPageToken string     `json:"nextPageToken"`
	TotalSize     int        `json:"totalSize"`
}

type job struct {
	ID           string `json:"id"`
	ProjectID    string `json:"projectId"`
	PlaybookID   string `json:"playbookId"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DraftID      string `json:"draftId,omitempty"`
	DraftStatus  string `json:"draftStatus,omitempty"`
}

type asyncGenerateResponse struct {
	Job     job  `json:"job"`
	Created bool `json:"created"`
}
