package shield

import "github.com/ecoshield/proxy/internal/llm"

// CompletionPayload is the outbound body for a successful request: the
// upstream completion passed through unchanged in shape, plus the reserved
// llm_shield metadata key.
type CompletionPayload struct {
	ID      string       `json:"id"`
	Choices []llm.Choice `json:"choices"`
	Usage   llm.Usage    `json:"usage"`
	Shield  Metadata     `json:"llm_shield"`
}

// BlockPayload is the structured error body for a blocked request. Detail is
// the human message; the shield metadata computed before the block rides
// along for telemetry.
type BlockPayload struct {
	Detail string   `json:"detail"`
	Shield Metadata `json:"llm_shield"`
}

// Assemble merges the upstream response with the shield metadata.
func Assemble(resp *llm.ChatResponse, md Metadata) CompletionPayload {
	return CompletionPayload{
		ID:      resp.ID,
		Choices: resp.Choices,
		Usage:   resp.Usage,
		Shield:  md,
	}
}

// AssembleBlock builds the error body for a block decision.
func AssembleBlock(d Decision) BlockPayload {
	return BlockPayload{Detail: d.Message, Shield: d.Metadata}
}
