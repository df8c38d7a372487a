package export

import (
	"encoding/json"
	"fmt"
)

// JSONExporter marshals an export snapshot verbatim.
type JSONExporter struct{}

// NewJSONExporter constructs a JSON exporter.
func NewJSONExporter() *JSONExporter {
	return &JSONExporter{}
}

// Render produces indented JSON for the snapshot.
func (e *JSONExporter) Render(snapshot interface{}) ([]byte, error) {
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render json: %w", err)
	}
	return payload, nil
}
