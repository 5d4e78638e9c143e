package store

import (
	"encoding/json"
	"time"
)

// Version statuses.
const (
	VersionDraft      = "DRAFT"
	VersionPending    = "PENDING"
	VersionApproved   = "APPROVED"
	VersionRejected   = "REJECTED"
	VersionSuperseded = "SUPERSEDED"
)

// Decision roles.
const (
	RolePrimary   = "PRIMARY"
	RoleSecondary = "SECONDARY"
)

// Final statuses reserved for items without a human-confirmed outcome. Any
// other final status is the outcome string of the deciding signal.
const (
	FinalPending       = "PENDING"
	FinalPendingReview = "PENDING_REVIEW"
)

// Audit actions.
const (
	ActionVersionCreated    = "VERSION_CREATED"
	ActionRecommendationSet = "RECOMMENDATION_SET"
	ActionDecisionSubmitted = "DECISION_SUBMITTED"
	ActionVersionSubmitted  = "VERSION_SUBMITTED"
	ActionVersionApproved   = "VERSION_APPROVED"
	ActionVersionRejected   = "VERSION_REJECTED"
	ActionVersionSuperseded = "VERSION_SUPERSEDED"
	ActionPhasePurged       = "PHASE_PURGED"
)

type Version struct {
	ID               string     `json:"id"`
	PhaseID          string     `json:"phaseId"`
	VersionNumber    int        `json:"versionNumber"`
	Status           string     `json:"status"`
	ParentVersionID  *string    `json:"parentVersionId,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedBy        string     `json:"createdBy"`
	SubmittedBy      string     `json:"submittedBy,omitempty"`
	SubmittedAt      *time.Time `json:"submittedAt,omitempty"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	RejectionReason  string     `json:"rejectionReason,omitempty"`
	RequestedChanges string     `json:"requestedChanges,omitempty"`
	Revision         int        `json:"revision"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Open reports whether the version still accepts ledger writes.
func (v Version) Open() bool {
	return v.Status == VersionDraft || v.Status == VersionPending
}

type Recommendation struct {
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

type Decision struct {
	Outcome        string     `json:"outcome"`
	Actor          string     `json:"actor"`
	Rationale      string     `json:"rationale"`
	OverrideReason string     `json:"overrideReason,omitempty"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
}

type DecisionItem struct {
	ID             string          `json:"id"`
	VersionID      string          `json:"versionId"`
	SubjectRef     string          `json:"subjectRef"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	Primary        *Decision       `json:"primary,omitempty"`
	Secondary      *Decision       `json:"secondary,omitempty"`
	FinalStatus    string          `json:"finalStatus"`
	Revision       int             `json:"revision"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type AuditEntry struct {
	ID        int64
	PhaseID   string
	VersionID *string
	Action    string
	Actor     string
	Before    json.RawMessage
	After     json.RawMessage
	Notes     string
	CreatedAt time.Time
}

// AuditFilter narrows ListAuditTrail. Zero values match everything; a Limit
// of zero or less returns the full trail.
type AuditFilter struct {
	Action    string
	Actor     string
	VersionID string
	Since     time.Time
	Limit     int
}

type Stats struct {
	Total         int            `json:"total"`
	ByFinalStatus map[string]int `json:"byFinalStatus"`
	OverrideCount int            `json:"overrideCount"`
	// AgreementRate is the share of human-decided items whose final status
	// matches the recommendation, over items that carry one.
	AgreementRate float64 `json:"agreementRate"`
}
