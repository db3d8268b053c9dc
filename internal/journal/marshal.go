package journal

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/feedbackd/internal/property"
)

// marshalProperties returns the canonical JSON text and its hash.
func marshalProperties(m property.Map) (string, string, error) {
	if m == nil {
		m = property.New()
	}
	data, err := property.MarshalCanonical(m)
	if err != nil {
		return "", "", fmt.Errorf("marshal properties: %w", err)
	}
	hash, err := property.Hash(m)
	if err != nil {
		return "", "", fmt.Errorf("hash properties: %w", err)
	}
	return string(data), hash, nil
}

func unmarshalProperties(text string) (property.Map, error) {
	m := property.New()
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return m, nil
}

func marshalSinks(sinks []string) (string, error) {
	if sinks == nil {
		sinks = []string{}
	}
	data, err := json.Marshal(sinks)
	if err != nil {
		return "", fmt.Errorf("marshal sinks: %w", err)
	}
	return string(data), nil
}

func unmarshalSinks(text string) ([]string, error) {
	var sinks []string
	if err := json.Unmarshal([]byte(text), &sinks); err != nil {
		return nil, fmt.Errorf("unmarshal sinks: %w", err)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}
