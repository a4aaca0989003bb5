package shield

import (
	"github.com/ecoshield/proxy/internal/llm"
	"github.com/ecoshield/proxy/internal/security"
)

// BlockKind names why the pipeline refused a request. The API layer maps
// kinds onto HTTP statuses.
type BlockKind string

const (
	BlockNone             BlockKind = ""
	BlockBadRequest       BlockKind = "bad_request"
	BlockEntropyWeird     BlockKind = "entropy_weird"
	BlockSecurityHijack   BlockKind = "security_hijack"
	BlockSecurityOverride BlockKind = "security_override"
	BlockJudgeRejected    BlockKind = "judge_rejected"
)

// AttackProbability is the binary classification derived from compression
// savings. Distinct from the entropy threat level; the two must not be
// conflated.
type AttackProbability string

const (
	AttackLow  AttackProbability = "LOW"
	AttackHigh AttackProbability = "HIGH"
)

// Metadata is the llm_shield block attached to every response. Blocked
// requests carry whatever was computed before the block; later fields keep
// their defaults.
type Metadata struct {
	ThreatLevel        security.ThreatLevel `json:"threat_level"`
	EntropyScore       float64              `json:"entropy_score"`
	AttackProbability  AttackProbability    `json:"attack_probability"`
	TokensSaved        int                  `json:"tokens_saved"`
	SavingsPct         float64              `json:"savings_pct"`
	EvaluatorValidated bool                 `json:"evaluator_validated"`
	EvaluatorScore     float64              `json:"evaluator_score"`
	CompressionLevel   float64              `json:"compression_level"`
	UserPenaltyApplied bool                 `json:"user_penalty_applied"`
}

// Decision is the pipeline's verdict on one request. When Allowed is true,
// Rewritten is the request to forward upstream; otherwise Kind and Message
// describe the block.
type Decision struct {
	Allowed   bool
	Rewritten llm.ChatRequest
	Kind      BlockKind
	Message   string
	Metadata  Metadata
}

func allow(rewritten llm.ChatRequest, md Metadata) Decision {
	return Decision{Allowed: true, Rewritten: rewritten, Metadata: md}
}

func block(kind BlockKind, message string, md Metadata) Decision {
	return Decision{Allowed: false, Kind: kind, Message: message, Metadata: md}
}
