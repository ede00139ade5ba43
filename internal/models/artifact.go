package models

import (
	"fmt"
)

// ArtifactStatus is the lifecycle state of a generated file
type ArtifactStatus string

const (
	ArtifactPending ArtifactStatus = "pending"
	ArtifactReady   ArtifactStatus = "ready"
	ArtifactFailed  ArtifactStatus = "failed"
)

// Artifact is a generated output file plus its metadata.
// Once Status is ready the file under <tenant>/<job_id>/artifacts/ is never rewritten.
type Artifact struct {
	ID     string                 `json:"id"`
	Label  string                 `json:"label"`
	Status ArtifactStatus         `json:"status,omitempty"`
	Href   string                 `json:"href,omitempty"`
	Bytes  int64                  `json:"bytes"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// ArtifactFromMap builds an Artifact from a loosely shaped payload (legacy pipelines)
func ArtifactFromMap(m map[string]interface{}) (Artifact, error) {
	m = NormalizeEventData(EventArtifact, m)

	a := Artifact{Status: ArtifactReady}
	id, _ := m["id"].(string)
	if id == "" {
		return a, fmt.Errorf("artifact id is required")
	}
	a.ID = id
	a.Label, _ = m["label"].(string)
	if a.Label == "" {
		a.Label = id
	}
	if status, ok := m["status"].(string); ok && status != "" {
		a.Status = ArtifactStatus(status)
	}
	a.Href, _ = m["href"].(string)

	switch b := m["bytes"].(type) {
	case int:
		a.Bytes = int64(b)
	case int64:
		a.Bytes = b
	case float64:
		a.Bytes = int64(b)
	}

	if meta, ok := m["meta"].(map[string]interface{}); ok {
		a.Meta = meta
	}
	for _, k := range []string{"filename"} {
		if v, ok := m[k]; ok {
			if a.Meta == nil {
				a.Meta = map[string]interface{}{}
			}
			a.Meta[k] = v
		}
	}
	return a, nil
}

// ArtifactListResponse is the body of GET /exports/{job_id}
type ArtifactListResponse struct {
	OK        bool       `json:"ok"`
	Artifacts []Artifact `json:"artifacts"`
}
