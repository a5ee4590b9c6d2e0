package decision

import "time"

// Source records how a decision was produced.
type Source string

// Decision sources.
const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
	SourceDefault  Source = "default"
)

// Payload is a normalized decision ready for execution.
type Payload struct {
	Type       Code       `json:"type"`
	Confidence float64    `json:"confidence"`
	Impact     Impact     `json:"impact"`
	Parameters Parameters `json:"parameters,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	RawText    string     `json:"rawText,omitempty"`

	// ParamError is set when the response carried parameters that could not
	// be used. The executor skips such decisions.
	ParamError string `json:"paramError,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Source   Source `json:"source"`

	EventType     string    `json:"eventType,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ClampConfidence bounds c to [0, 100].
func ClampConfidence(c float64) float64 {
	return clamp(c, 0, 100)
}

// Params returns the payload parameters, or the defaults for its code when
// none are set.
func (p Payload) Params() Parameters {
	if p.Parameters != nil && p.Parameters.Code() == p.Type {
		return p.Parameters
	}
	return DefaultParameters(p.Type)
}
