package ollama

import (
	"encoding/json"
	"fmt"
)

// Message is a single chat turn (role + content).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model is a single entry from GET /api/tags.
type Model struct {
	Name       string          `json:"name"`
	Model      string          `json:"model"`
	Size       int64           `json:"size"`
	Digest     string          `json:"digest"`
	ModifiedAt string          `json:"modified_at"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// GenerateRequest maps to POST /api/generate. Unrecognized client keys
// are captured in Extra and forwarded to the backend verbatim.
type GenerateRequest struct {
	Model   string
	Prompt  string
	Stream  *bool
	Options map[string]any
	Extra   map[string]json.RawMessage
}

// UnmarshalJSON decodes the known fields and keeps everything else in Extra.
func (r *GenerateRequest) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if err := extract(fields, "model", &r.Model); err != nil {
		return err
	}
	if err := extract(fields, "prompt", &r.Prompt); err != nil {
		return err
	}
	if err := extract(fields, "stream", &r.Stream); err != nil {
		return err
	}
	if err := extract(fields, "options", &r.Options); err != nil {
		return err
	}
	r.Extra = fields
	return nil
}

// MarshalJSON merges Extra back underneath the typed fields.
func (r GenerateRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["model"] = r.Model
	out["prompt"] = r.Prompt
	if r.Stream != nil {
		out["stream"] = *r.Stream
	}
	if len(r.Options) > 0 {
		out["options"] = r.Options
	}
	return json.Marshal(out)
}

// ChatRequest maps to POST /api/chat, with the same Extra passthrough
// as GenerateRequest.
type ChatRequest struct {
	Model    string
	Messages []Message
	Stream   *bool
	Options  map[string]any
	Extra    map[string]json.RawMessage
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if err := extract(fields, "model", &r.Model); err != nil {
		return err
	}
	if err := extract(fields, "messages", &r.Messages); err != nil {
		return err
	}
	if err := extract(fields, "stream", &r.Stream); err != nil {
		return err
	}
	if err := extract(fields, "options", &r.Options); err != nil {
		return err
	}
	r.Extra = fields
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["model"] = r.Model
	out["messages"] = r.Messages
	if r.Stream != nil {
		out["stream"] = *r.Stream
	}
	if len(r.Options) > 0 {
		out["options"] = r.Options
	}
	return json.Marshal(out)
}

// extract pulls a known key out of the raw field map into dst,
// removing it so it does not also end up in Extra.
func extract(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

type listResponse struct {
	Models []Model `json:"models"`
}
