package domain

type Audit struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Assessment struct {
	ID        int64  `json:"id"`
	AuditID   string `json:"audit_id"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"Not Started,In Progress,In Review,Completed,Rework Needed,Deprecated"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// AttributeDefinition is a local custom-attribute definition: it belongs
// to exactly one assessment. Definitions sharing the same identity
// fields across assessments render as one column in the bulk grid.
type AttributeDefinition struct {
	ID                   int64   `json:"id"`
	AssessmentID         int64   `json:"assessment_id"`
	Title                string  `json:"title"`
	Type                 string  `json:"type"`
	Mandatory            bool    `json:"mandatory"`
	DefaultValue         *string `json:"default_value,omitempty"`
	MultiChoiceOptions   *string `json:"multi_choice_options,omitempty"`
	MultiChoiceMandatory *string `json:"multi_choice_mandatory,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type AttributeValue struct {
	ID           int64   `json:"id"`
	DefinitionID int64   `json:"definition_id"`
	AssessmentID int64   `json:"assessment_id"`
	Value        *string `json:"value,omitempty"`
	PersonID     *int64  `json:"person_id,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Evidence struct {
	ID           string `json:"id"`
	AssessmentID int64  `json:"assessment_id"`
	Kind         string `json:"kind" enum:"url,file"`
	Title        string `json:"title,omitempty"`
	Link         string `json:"link"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Comment struct {
	ID           string `json:"id"`
	AssessmentID int64  `json:"assessment_id"`
	DefinitionID *int64 `json:"definition_id,omitempty"`
	Text         string `json:"text"`
	ActorID      string `json:"actor_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AuditID    string `json:"audit_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
