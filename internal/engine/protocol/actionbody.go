package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

// actionBody is the JSON shape of an <action> tag's body (spec §6):
// { "name", "parameters", "output_key"?, "depends_on"?, "timeout"?,
//   "retry"?, "on_error"? }.
type actionBody struct {
	Name      string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	OutputKey string         `json:"output_key"`
	DependsOn []string       `json:"depends_on"`
	Timeout   float64        `json:"timeout"`
	Retry     int            `json:"retry"`
	OnError   string         `json:"on_error"`
}

// decodeActionBody parses raw into an actionBody, failing on malformed
// JSON per §4.1.
func decodeActionBody(raw string) (*actionBody, error) {
	var b actionBody
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("malformed action body: %w", err)
	}
	if b.Name == "" {
		return nil, fmt.Errorf("action body missing required \"name\" field")
	}
	return &b, nil
}

// toDescriptor combines the JSON body with the opening tag's attributes
// into a full action.Descriptor.
func (b *actionBody) toDescriptor(id string, kind action.Kind, mode action.Mode, origin action.Origin, creationIndex int) *action.Descriptor {
	onErr := action.OnErrorCancel
	if b.OnError == string(action.OnErrorContinue) {
		onErr = action.OnErrorContinue
	}
	var timeout time.Duration
	if b.Timeout > 0 {
		timeout = time.Duration(b.Timeout * float64(time.Second))
	}
	return &action.Descriptor{
		ID:            id,
		Kind:          kind,
		Mode:          mode,
		Name:          b.Name,
		Parameters:    b.Parameters,
		OutputKey:     b.OutputKey,
		DependsOn:     b.DependsOn,
		Timeout:       timeout,
		Retry:         b.Retry,
		OnError:       onErr,
		Origin:        origin,
		CreationIndex: creationIndex,
	}
}
