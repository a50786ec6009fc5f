package bulkgridsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bulkgrid HTTP API client.
type Client struct {
	BaseURL     string
	AuditID     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, auditID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AuditID: auditID,
		Timeout: 10 * time.Second,
	}
}

// Assessment represents the API assessment model.
type Assessment struct {
	ID      int64  `json:"id"`
	AuditID string `json:"audit_id"`
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Type    string `json:"type"`
}

// Definition represents a local custom-attribute definition.
type Definition struct {
	ID                   int64   `json:"id"`
	AssessmentID         int64   `json:"assessment_id"`
	Title                string  `json:"title"`
	Type                 string  `json:"type"`
	Mandatory            bool    `json:"mandatory"`
	DefaultValue         *string `json:"default_value,omitempty"`
	MultiChoiceOptions   *string `json:"multi_choice_options,omitempty"`
	MultiChoiceMandatory *string `json:"multi_choice_mandatory,omitempty"`
}

// Value is a stored attribute value.
type Value struct {
	DefinitionID int64   `json:"definition_id"`
	AssessmentID int64   `json:"assessment_id"`
	Value        *string `json:"value,omitempty"`
	PersonID     *int64  `json:"person_id,omitempty"`
}

// OrderBy orders search results by one column.
type OrderBy struct {
	Name string `json:"name"`
	Desc bool   `json:"desc,omitempty"`
}

// SearchRequest selects assessments for the bulk grid.
type SearchRequest struct {
	Statuses []string  `json:"statuses,omitempty"`
	Types    []string  `json:"types,omitempty"`
	OrderBy  []OrderBy `json:"order_by,omitempty"`
}

// AttributeGroup is one shared column with per-assessment values.
type AttributeGroup struct {
	Title         string                    `json:"title"`
	Mandatory     bool                      `json:"mandatory"`
	AttributeType string                    `json:"attribute_type"`
	DefaultValue  any                       `json:"default_value"`
	Values        map[string]AttributeValue `json:"values"`
}

// AttributeValue is one assessment's entry in a shared column.
type AttributeValue struct {
	Value                 any      `json:"value"`
	AttributePersonID     *int64   `json:"attribute_person_id"`
	PreconditionsFailed   []string `json:"preconditions_failed,omitempty"`
	DefinitionID          int64    `json:"definition_id"`
	AttributeDefinitionID int64    `json:"attribute_definition_id"`
}

// SearchAssessment is one assessment row in a search result.
type SearchAssessment struct {
	AssessmentType string `json:"assessment_type"`
	ID             int64  `json:"id"`
	Slug           string `json:"slug"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	URLsCount      int    `json:"urls_count"`
	FilesCount     int    `json:"files_count"`
}

// SearchResult is the bulk-edit search payload.
type SearchResult struct {
	Attributes  []AttributeGroup   `json:"attributes"`
	Assessments []SearchAssessment `json:"assessments"`
}

// Header describes one grid column.
type Header struct {
	Title     string `json:"title"`
	Mandatory bool   `json:"mandatory"`
}

// Matrix is the derived header/row grid.
type Matrix struct {
	Headers []Header         `json:"headers"`
	Rows    []map[string]any `json:"rows"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AuditID    string         `json:"audit_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAssessment creates an assessment under the client's audit.
func (c *Client) CreateAssessment(ctx context.Context, title, asmtType string) (Assessment, error) {
	body := map[string]any{"title": title}
	if asmtType != "" {
		body["type"] = asmtType
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, c.auditPath("assessments"), body, &resp)
	return resp, err
}

// SetStatus moves an assessment through its lifecycle.
func (c *Client) SetStatus(ctx context.Context, assessmentID int64, status string, force bool) (Assessment, error) {
	endpoint := fmt.Sprintf("v0/assessments/%d/status", assessmentID)
	if force {
		endpoint += "?force=true"
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// DefineAttribute creates a local attribute definition.
func (c *Client) DefineAttribute(ctx context.Context, assessmentID int64, def Definition) (Definition, error) {
	body := map[string]any{
		"title":     def.Title,
		"type":      def.Type,
		"mandatory": def.Mandatory,
	}
	if def.DefaultValue != nil {
		body["default_value"] = *def.DefaultValue
	}
	if def.MultiChoiceOptions != nil {
		body["multi_choice_options"] = *def.MultiChoiceOptions
	}
	if def.MultiChoiceMandatory != nil {
		body["multi_choice_mandatory"] = *def.MultiChoiceMandatory
	}
	var resp Definition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/assessments/%d/attributes", assessmentID), body, &resp)
	return resp, err
}

// ApplyTemplates instantiates catalog blueprints on an assessment.
func (c *Client) ApplyTemplates(ctx context.Context, assessmentID int64, names []string) ([]Definition, error) {
	var resp []Definition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/assessments/%d/attributes/apply", assessmentID), map[string]any{"names": names}, &resp)
	return resp, err
}

// SetValue writes one attribute value.
func (c *Client) SetValue(ctx context.Context, definitionID int64, value *string, personID *int64) (Value, error) {
	body := map[string]any{}
	if value != nil {
		body["value"] = *value
	}
	if personID != nil {
		body["person_id"] = *personID
	}
	var resp Value
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("v0/attributes/%d/value", definitionID), body, &resp)
	return resp, err
}

// AddEvidence attaches a url or file reference.
func (c *Client) AddEvidence(ctx context.Context, assessmentID int64, kind, title, link string) error {
	body := map[string]any{"kind": kind, "title": title, "link": link}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/assessments/%d/evidence", assessmentID), body, nil)
}

// AddComment records a comment, optionally bound to a definition.
func (c *Client) AddComment(ctx context.Context, assessmentID int64, definitionID *int64, text string) error {
	body := map[string]any{"text": text}
	if definitionID != nil {
		body["definition_id"] = *definitionID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/assessments/%d/comments", assessmentID), body, nil)
}

// Search returns the bulk-edit payload for the client's audit.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	var resp SearchResult
	err := c.do(ctx, http.MethodPost, c.auditPath("bulk/cavs/search"), req, &resp)
	return resp, err
}

// Matrix returns the derived grid for the client's audit.
func (c *Client) Matrix(ctx context.Context) (Matrix, error) {
	var resp Matrix
	err := c.do(ctx, http.MethodGet, c.auditPath("matrix"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.auditPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) auditPath(p string) string {
	audit := url.PathEscape(c.AuditID)
	return fmt.Sprintf("v0/audits/%s/%s", audit, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
