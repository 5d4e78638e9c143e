// Package search provides full-text search over the audit trail and decision
// rationales. Meilisearch serves queries when reachable; a Postgres ILIKE
// fallback keeps search available without it. Indexing is best-effort and
// happens after the authoritative rows have committed.
package search

type ResultType string

const (
	ResultAudit    ResultType = "audit"
	ResultDecision ResultType = "decision"
)

type Query struct {
	Text        string
	FilterType  ResultType
	FilterPhase string
	Limit       int
	Offset      int
}

type Result struct {
	Type        ResultType
	ID          string
	PhaseID     string
	VersionID   string
	SubjectRef  string
	Title       string
	Snippet     string
	FinalStatus string
}

// AuditRecord is the indexed shape of one audit entry.
type AuditRecord struct {
	ID        string `json:"id"`
	PhaseID   string `json:"phaseId"`
	VersionID string `json:"versionId"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Notes     string `json:"notes"`
	CreatedAt string `json:"createdAt"`
}

// DecisionRecord is the indexed shape of one ledger item.
type DecisionRecord struct {
	ID          string `json:"id"`
	VersionID   string `json:"versionId"`
	SubjectRef  string `json:"subjectRef"`
	FinalStatus string `json:"finalStatus"`
	Rationale   string `json:"rationale"`
}
