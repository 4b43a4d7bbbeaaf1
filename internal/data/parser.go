// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/RatDesert/ruth-data/internal/errors"
)

// DecodeFrame splits a raw hub frame into its header and payload. A frame is
// a JSON object with exactly one key whose value is itself an object.
func DecodeFrame(raw []byte) (string, map[string]any, error) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err)
	}
	if len(frame) != 1 {
		return "", nil, fmt.Errorf("%w: got %d keys", errors.ErrMalformedMessage, len(frame))
	}

	for header, body := range frame {
		body = bytes.TrimSpace(body)
		if len(body) == 0 || body[0] != '{' {
			return "", nil, fmt.Errorf("%w: payload of %q is not an object", errors.ErrMalformedMessage, header)
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", nil, fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err)
		}
		return header, payload, nil
	}
	return "", nil, errors.ErrMalformedMessage
}
