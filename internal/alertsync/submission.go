package alertsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	AlertTypeSOS   = "sos"
	AlertTypeText  = "text"
	AlertTypeVoice = "voice"
)

// Submission is the wire body of POST /alerts. Coordinates are pointers so
// that an unknown position serializes as null rather than 0,0.
type Submission struct {
	AlertType string   `json:"alert_type"`
	Content   string   `json:"content,omitempty"`
	AudioURL  string   `json:"audio_url,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// QueuedSubmission is the durable record for a submission that could not be
// sent directly. The record is immutable once enqueued; the persisted schema
// only evolves additively so entries written by older builds stay readable.
type QueuedSubmission struct {
	LocalID string `json:"local_id"`
	Submission
	QueuedAt time.Time `json:"queued_at"`
}

const submissionSchemaJSON = `{
	"type": "object",
	"required": ["alert_type"],
	"properties": {
		"alert_type": {"enum": ["sos", "text", "voice"]},
		"content": {"type": ["string", "null"]},
		"audio_url": {"type": ["string", "null"]},
		"tag": {"enum": ["police", "fire", "ambulance", "wildlife", "other", null]},
		"latitude": {"type": ["number", "null"], "minimum": -90, "maximum": 90},
		"longitude": {"type": ["number", "null"], "minimum": -180, "maximum": 180}
	}
}`

var submissionSchema = mustCompileSubmissionSchema()

func mustCompileSubmissionSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("alertsync: parse submission schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submission.json", doc); err != nil {
		panic(fmt.Sprintf("alertsync: add submission schema: %v", err))
	}
	schema, err := compiler.Compile("submission.json")
	if err != nil {
		panic(fmt.Sprintf("alertsync: compile submission schema: %v", err))
	}
	return schema
}

// ValidateSubmission checks a payload against the submission schema. A
// failure maps to ErrInvalidPayload: such a payload would be rejected by the
// server with a 4xx and must never be queued.
func ValidateSubmission(sub Submission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := submissionSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
