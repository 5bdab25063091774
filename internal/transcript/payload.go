// Package transcript decodes worker transcription payloads and reconciles
// them into one canonical, time-ordered segment list.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kind names which shape of a payload is used for reconciliation.
type Kind string

const (
	KindSegments Kind = "segments"
	KindWords    Kind = "words"
	KindText     Kind = "text"
	KindEmpty    Kind = "empty"
)

// RawSegment is a provider segment. Missing or null bounds decode as nil.
type RawSegment struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
	Text  string   `json:"text"`
}

// Word is a single timed token. Providers use either "word" or "text".
type Word struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
	Word  string   `json:"word"`
	Text  string   `json:"text"`
}

func (w Word) token() string {
	if w.Word != "" {
		return strings.TrimSpace(w.Word)
	}
	return strings.TrimSpace(w.Text)
}

// Payload is the tagged union of everything a worker may return. Any
// combination of fields may be present; Kind picks the one to use.
type Payload struct {
	Segments []RawSegment `json:"segments,omitempty"`
	Words    []Word       `json:"words,omitempty"`
	Text     string       `json:"text,omitempty"`
	Language string       `json:"language,omitempty"`
}

// Kind returns segments over words over text.
func (p *Payload) Kind() Kind {
	switch {
	case len(p.Segments) > 0:
		return KindSegments
	case len(p.Words) > 0:
		return KindWords
	case strings.TrimSpace(p.Text) != "":
		return KindText
	default:
		return KindEmpty
	}
}

const payloadSchema = `{
  "type": ["object", "string", "array", "null"],
  "properties": {
    "segments": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "start": {"type": ["number", "null"]},
          "end": {"type": ["number", "null"]},
          "text": {"type": ["string", "null"]}
        }
      }
    },
    "words": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "start": {"type": ["number", "null"]},
          "end": {"type": ["number", "null"]},
          "word": {"type": ["string", "null"]},
          "text": {"type": ["string", "null"]}
        }
      }
    },
    "text": {"type": ["string", "null"]},
    "language": {"type": ["string", "null"]}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(payloadSchema)

// FieldError is one schema violation.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError is returned when a payload does not match any known shape.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "invalid transcription payload: " + strings.Join(parts, "; ")
}

// Decode validates raw against the payload schema and decodes it. A bare
// JSON string is plain text; a bare array is a segment or word list.
func Decode(raw json.RawMessage) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &Payload{}, nil
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read transcription payload: %w", err)
	}
	if !result.Valid() {
		verr := &ValidationError{Errors: make([]FieldError, 0, len(result.Errors()))}
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "" {
				field = "(root)"
			}
			verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
		}
		return nil, verr
	}

	var p Payload
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &p.Text); err != nil {
			return nil, fmt.Errorf("failed to decode transcript text: %w", err)
		}
	case '[':
		if err := decodeList(raw, &p); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode transcription payload: %w", err)
		}
	}
	return &p, nil
}

// decodeList treats an array as words when its entries carry "word",
// otherwise as segments.
func decodeList(raw json.RawMessage, p *Payload) error {
	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("failed to decode transcript list: %w", err)
	}
	for _, item := range probe {
		if _, ok := item["word"]; ok {
			return json.Unmarshal(raw, &p.Words)
		}
	}
	return json.Unmarshal(raw, &p.Segments)
}

func bound(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
