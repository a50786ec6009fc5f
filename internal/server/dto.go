package server

import (
	"encoding/json"
	"strconv"

	"bulkgrid/internal/config"
	"bulkgrid/internal/domain"
	"bulkgrid/internal/engine"
	"bulkgrid/internal/matrix"
)

// Request payloads

type CreateAuditRequest struct {
	ID          string  `json:"id"`
	Title       string  `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateAssessmentRequest struct {
	Slug  *string `json:"slug,omitempty"`
	Title string  `json:"title"`
	Type  string  `json:"type,omitempty"`
}

type SetAssessmentStatusRequest struct {
	Status string `json:"status" enum:"Not Started,In Progress,In Review,Completed,Rework Needed,Deprecated"`
}

type DefineAttributeRequest struct {
	Title                string  `json:"title"`
	Type                 string  `json:"type" enum:"checkbox,date,dropdown,multiselect,person,text,rich-text"`
	Mandatory            bool    `json:"mandatory,omitempty"`
	DefaultValue         *string `json:"default_value,omitempty"`
	MultiChoiceOptions   *string `json:"multi_choice_options,omitempty"`
	MultiChoiceMandatory *string `json:"multi_choice_mandatory,omitempty"`
}

type ApplyTemplatesRequest struct {
	Names []string `json:"names"`
}

type SetValueRequest struct {
	Value    *string `json:"value,omitempty"`
	PersonID *int64  `json:"person_id,omitempty"`
}

type AddEvidenceRequest struct {
	Kind  string `json:"kind" enum:"url,file"`
	Title string `json:"title,omitempty"`
	Link  string `json:"link"`
}

type AddCommentRequest struct {
	DefinitionID *int64 `json:"definition_id,omitempty"`
	Text         string `json:"text"`
}

type OrderByRequest struct {
	Name string `json:"name"`
	Desc bool   `json:"desc,omitempty"`
}

type SearchRequest struct {
	Statuses []string         `json:"statuses,omitempty"`
	Types    []string         `json:"types,omitempty"`
	OrderBy  []OrderByRequest `json:"order_by,omitempty"`
}

// Response payloads

type AuditResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AssessmentResponse struct {
	ID        int64  `json:"id"`
	AuditID   string `json:"audit_id"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"Not Started,In Progress,In Review,Completed,Rework Needed,Deprecated"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type DefinitionResponse struct {
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

type ValueResponse struct {
	DefinitionID int64   `json:"definition_id"`
	AssessmentID int64   `json:"assessment_id"`
	Value        *string `json:"value,omitempty"`
	PersonID     *int64  `json:"person_id,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type EvidenceResponse struct {
	ID           string `json:"id"`
	AssessmentID int64  `json:"assessment_id"`
	Kind         string `json:"kind" enum:"url,file"`
	Title        string `json:"title,omitempty"`
	Link         string `json:"link"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type CommentResponse struct {
	ID           string `json:"id"`
	AssessmentID int64  `json:"assessment_id"`
	DefinitionID *int64 `json:"definition_id,omitempty"`
	Text         string `json:"text"`
	ActorID      string `json:"actor_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AuditID    string         `json:"audit_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type AuditConfigResponse struct {
	Audit      auditConfigSection                  `json:"audit"`
	Attributes map[string]config.AttributeTemplate `json:"attributes"`
}

type auditConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type StatusResponse struct {
	AuditID          string         `json:"audit_id"`
	Status           string         `json:"status"`
	AssessmentCounts map[string]int `json:"assessment_counts"`
}

// AttributeValueResponse is one assessment's stored value inside a
// shared-column group.
type AttributeValueResponse struct {
	Value                 any      `json:"value"`
	AttributePersonID     *int64   `json:"attribute_person_id"`
	PreconditionsFailed   []string `json:"preconditions_failed"`
	DefinitionID          int64    `json:"definition_id"`
	AttributeDefinitionID int64    `json:"attribute_definition_id"`
	MultiChoiceOptions    any      `json:"multi_choice_options"`
	MultiChoiceMandatory  any      `json:"multi_choice_mandatory"`
}

// AttributeGroupResponse is one shared column with its per-assessment
// values keyed by assessment id.
type AttributeGroupResponse struct {
	Title         string                            `json:"title"`
	Mandatory     bool                              `json:"mandatory"`
	AttributeType string                            `json:"attribute_type"`
	DefaultValue  any                               `json:"default_value"`
	Values        map[string]AttributeValueResponse `json:"values"`
}

type SearchAssessmentResponse struct {
	AssessmentType string `json:"assessment_type"`
	ID             int64  `json:"id"`
	Slug           string `json:"slug"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	URLsCount      int    `json:"urls_count"`
	FilesCount     int    `json:"files_count"`
}

type SearchResponse struct {
	Attributes  []AttributeGroupResponse   `json:"attributes"`
	Assessments []SearchAssessmentResponse `json:"assessments"`
}

type MatrixResponse struct {
	Headers []matrix.Header `json:"headers"`
	Rows    []matrix.Row    `json:"rows"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func auditResponse(a domain.Audit) AuditResponse {
	return AuditResponse(a)
}

func mapAudits(in []domain.Audit) []AuditResponse {
	out := make([]AuditResponse, 0, len(in))
	for _, a := range in {
		out = append(out, auditResponse(a))
	}
	return out
}

func assessmentResponse(a domain.Assessment) AssessmentResponse {
	return AssessmentResponse(a)
}

func mapAssessments(in []domain.Assessment) []AssessmentResponse {
	out := make([]AssessmentResponse, 0, len(in))
	for _, a := range in {
		out = append(out, assessmentResponse(a))
	}
	return out
}

func definitionResponse(d domain.AttributeDefinition) DefinitionResponse {
	return DefinitionResponse(d)
}

func mapDefinitions(in []domain.AttributeDefinition) []DefinitionResponse {
	out := make([]DefinitionResponse, 0, len(in))
	for _, d := range in {
		out = append(out, definitionResponse(d))
	}
	return out
}

func valueResponse(v domain.AttributeValue) ValueResponse {
	return ValueResponse{
		DefinitionID: v.DefinitionID,
		AssessmentID: v.AssessmentID,
		Value:        v.Value,
		PersonID:     v.PersonID,
		UpdatedAt:    v.UpdatedAt,
	}
}

func evidenceResponse(e domain.Evidence) EvidenceResponse {
	return EvidenceResponse(e)
}

func mapEvidence(in []domain.Evidence) []EvidenceResponse {
	out := make([]EvidenceResponse, 0, len(in))
	for _, e := range in {
		out = append(out, evidenceResponse(e))
	}
	return out
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse(c)
}

func mapComments(in []domain.Comment) []CommentResponse {
	out := make([]CommentResponse, 0, len(in))
	for _, c := range in {
		out = append(out, commentResponse(c))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AuditID:    e.AuditID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) AuditConfigResponse {
	res := AuditConfigResponse{
		Audit: auditConfigSection{
			ID:   cfg.Audit.ID,
			Kind: cfg.Audit.Kind,
		},
		Attributes: map[string]config.AttributeTemplate{},
	}
	for k, v := range cfg.Attributes.Catalog {
		res.Attributes[k] = v
	}
	return res
}

func searchResponse(res engine.SearchResult) SearchResponse {
	out := SearchResponse{
		Attributes:  make([]AttributeGroupResponse, 0, len(res.Definitions)),
		Assessments: make([]SearchAssessmentResponse, 0, len(res.Records)),
	}
	for _, col := range res.Definitions {
		group := AttributeGroupResponse{
			Title:         col.Title,
			Mandatory:     col.Mandatory,
			AttributeType: string(col.Type),
			DefaultValue:  col.Default,
			Values:        map[string]AttributeValueResponse{},
		}
		for asmtID, v := range col.Values {
			group.Values[strconv.FormatInt(asmtID, 10)] = AttributeValueResponse{
				Value:                 v.Raw,
				AttributePersonID:     v.PersonID,
				PreconditionsFailed:   v.PreconditionsFailed,
				DefinitionID:          asmtID,
				AttributeDefinitionID: v.DefinitionID,
				MultiChoiceOptions:    v.MultiChoiceOptions,
				MultiChoiceMandatory:  v.MultiChoiceMandatory,
			}
		}
		out.Attributes = append(out.Attributes, group)
	}
	counts := map[int64]matrix.Assessment{}
	for _, a := range res.Assessments {
		counts[a.ID] = a
	}
	for _, rec := range res.Records {
		c := counts[rec.ID]
		out.Assessments = append(out.Assessments, SearchAssessmentResponse{
			AssessmentType: rec.Type,
			ID:             rec.ID,
			Slug:           rec.Slug,
			Title:          rec.Title,
			Status:         rec.Status,
			URLsCount:      c.URLsCount,
			FilesCount:     c.FilesCount,
		})
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
