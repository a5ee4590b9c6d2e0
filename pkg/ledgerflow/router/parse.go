package router

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/decision"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

// Confidence assigned when a reply carries no usable JSON, and when no
// provider answers at all.
const (
	unparsedConfidence    = 40
	safeDefaultConfidence = 25
	missingConfidence     = 50
)

// extractJSON returns the first balanced {...} object in text. Braces inside
// JSON strings are ignored.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// normalizer turns free provider text into a decision payload.
type normalizer struct {
	classifier decision.Classifier
}

func (n normalizer) normalize(evt event.Event, text string) decision.Payload {
	p := decision.Payload{
		EventType:     evt.Type,
		CorrelationID: correlationOf(evt),
		RawText:       text,
		Impact:        decision.ImpactMedium,
	}

	obj, ok := extractJSON(text)
	if !ok || !gjson.Valid(obj) {
		p.Type = DefaultCode(evt.Type)
		p.Confidence = unparsedConfidence
		p.Reasoning = "response contained no valid JSON decision"
		return p
	}
	parsed := gjson.Parse(obj)

	p.Type = n.classify(evt.Type, parsed)
	p.Confidence = decision.ClampConfidence(confidence(parsed.Get("confidence")))
	p.Impact = decision.NormalizeImpact(parsed.Get("impact").String())
	p.Reasoning = parsed.Get("reasoning").String()

	raw := map[string]any{}
	if params := parsed.Get("parameters"); params.IsObject() {
		if m, ok := params.Value().(map[string]any); ok {
			raw = m
		}
	}
	if p.Type == decision.PrevalidateGovernance {
		if _, ok := raw["proposalId"]; !ok {
			if id := proposalID(evt.Data); id != "" {
				raw["proposalId"] = id
			}
		}
	}
	params, err := decision.ParseParameters(p.Type, raw)
	if err != nil {
		p.ParamError = err.Error()
	} else {
		p.Parameters = params
	}
	return p
}

// classify tries the explicit decision field, then the free-text fields, then
// the event-type default.
func (n normalizer) classify(eventType string, parsed gjson.Result) decision.Code {
	for _, field := range []string{"decision", "type", "action", "recommendation"} {
		s := parsed.Get(field).String()
		if s == "" {
			continue
		}
		if code, ok := n.classifier.Classify(s); ok {
			return code
		}
	}
	return DefaultCode(eventType)
}

func confidence(v gjson.Result) float64 {
	switch v.Type {
	case gjson.Number:
		return v.Float()
	case gjson.String:
		s := strings.TrimSuffix(strings.TrimSpace(v.Str), "%")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return missingConfidence
}

func proposalID(data map[string]any) string {
	for _, key := range []string{"proposalId", "id"} {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

func correlationOf(evt event.Event) string {
	if evt.CorrelationID != "" {
		return evt.CorrelationID
	}
	return evt.ID
}
