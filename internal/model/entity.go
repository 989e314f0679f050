package model

// Contact is a person attached to an extracted entity.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ExtractedEntity is a loosely structured entity record produced by
// extraction from documents or email. It is immutable once produced;
// the reconciliation pipeline only reads it.
type ExtractedEntity struct {
	Name       string         `json:"name"`
	EntityType string         `json:"entity_type"`
	Tier       string         `json:"tier,omitempty"`
	Industry   string         `json:"industry,omitempty"`
	Contacts   []Contact      `json:"contacts,omitempty"`
	Confidence float64        `json:"confidence"`
	SourceID   string         `json:"source_id,omitempty"`
	RawData    map[string]any `json:"raw_data,omitempty"`
}
