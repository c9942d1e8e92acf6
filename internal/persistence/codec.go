package persistence

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/mkallio/flowstate/pkg/api"
)

func init() {
	// Context and event-data values live behind interface types; register
	// the composite shapes gob cannot infer.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// encodeContext serializes an entity context using encoding/gob. Callers
// must ensure context values are gob-encodable.
func encodeContext(c api.Context) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[string]any(c)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeContext(data []byte) (api.Context, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return api.Context(m), nil
}

func encodeEventData(d map[string]any) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEventData(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeTransitionRecord(rec api.TransitionRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTransitionRecord(data []byte) (api.TransitionRecord, error) {
	var rec api.TransitionRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return api.TransitionRecord{}, err
	}
	return rec, nil
}
