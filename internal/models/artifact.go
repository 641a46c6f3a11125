package models

import "time"

type ArtifactOrigin string

const (
	ArtifactGenerated ArtifactOrigin = "generated"
	ArtifactHealed    ArtifactOrigin = "healed"
)

type TestArtifact struct {
	ID                     string         `json:"id"`
	ProjectID              string         `json:"project_id"`
	SourceReference        string         `json:"source_reference"`
	GenerationAttemptCount int            `json:"generation_attempt_count"`
	Origin                 ArtifactOrigin `json:"origin"`
	ParentID               string         `json:"parent_id,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
}
