package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

var errUnsupportedEncoding = errors.New("mqtt: unsupported payload encoding")

// Payload describes how message bodies map onto signal values.
type Payload struct {
	// Encoding is json (default) or string.
	Encoding string
	// Path selects a nested field of a JSON object, dot separated.
	Path string
}

// Decode converts a message body to a value of the given kind.
func (p Payload) Decode(kind config.ValueKind, body []byte) (any, error) {
	switch strings.ToLower(p.Encoding) {
	case "json", "":
		return p.decodeJSON(kind, body)
	case "string":
		return signal.Coerce(kind, string(body))
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, p.Encoding)
	}
}

func (p Payload) decodeJSON(kind config.ValueKind, body []byte) (any, error) {
	if len(body) == 0 {
		return signal.Zero(kind), nil
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		// Bare tokens like 21.5 or on are accepted as text.
		return signal.Coerce(kind, strings.TrimSpace(string(body)))
	}
	if p.Path != "" {
		current := value
		for _, segment := range strings.Split(p.Path, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("mqtt: path %s not present", p.Path)
			}
			current, ok = m[segment]
			if !ok {
				return nil, fmt.Errorf("mqtt: path %s not present", p.Path)
			}
		}
		value = current
	}
	return signal.Coerce(kind, value)
}

// Encode renders a value as a message body.
func (p Payload) Encode(value any) ([]byte, error) {
	switch strings.ToLower(p.Encoding) {
	case "json", "":
		if p.Path != "" {
			return json.Marshal(nest(strings.Split(p.Path, "."), value))
		}
		return json.Marshal(value)
	case "string":
		return []byte(fmt.Sprint(value)), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, p.Encoding)
	}
}

func nest(path []string, value any) any {
	if len(path) == 0 {
		return value
	}
	return map[string]any{path[0]: nest(path[1:], value)}
}
