package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulkgrid/internal/config"
	"bulkgrid/internal/domain"
	"bulkgrid/internal/events"
	"bulkgrid/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitAudit initializes a new audit with migrations already run.
func (e Engine) InitAudit(ctx context.Context, auditID, title, description, actorID string) (domain.Audit, error) {
	if title == "" {
		title = auditID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Audit{}, err
	}
	defer tx.Rollback()

	a := domain.Audit{
		ID:          auditID,
		Title:       title,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAudit(ctx, tx, a); err != nil {
		return domain.Audit{}, fmt.Errorf("insert audit: %w", err)
	}
	if err := e.Repo.UpsertAuditConfigTx(ctx, tx, a.ID, config.Default(a.ID)); err != nil {
		return domain.Audit{}, fmt.Errorf("insert audit config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "audit.init", a.ID, "audit", a.ID, actorID, events.EventPayload{"status": a.Status}); err != nil {
		return domain.Audit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Audit{}, err
	}
	return a, nil
}

// AssessmentCreateOptions are parameters for creating an assessment.
type AssessmentCreateOptions struct {
	AuditID string
	Slug    string
	Title   string
	Type    string
	ActorID string
}

func (e Engine) CreateAssessment(ctx context.Context, opts AssessmentCreateOptions) (domain.Assessment, error) {
	if e.Config == nil {
		return domain.Assessment{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Assessment{}, errors.New("title is required")
	}
	if opts.AuditID == "" {
		return domain.Assessment{}, errors.New("audit is required")
	}
	if opts.Type == "" {
		opts.Type = "Control"
	}
	if _, err := e.Repo.GetAudit(ctx, opts.AuditID); err != nil {
		return domain.Assessment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	slug := opts.Slug
	if slug == "" {
		slug = "ASMT-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.AuditID+"|"+opts.Title+"|"+now)).String()[:8]
	}
	a := domain.Assessment{
		AuditID:   opts.AuditID,
		Slug:      slug,
		Title:     opts.Title,
		Status:    "Not Started",
		Type:      opts.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertAssessment(ctx, tx, a)
	if err != nil {
		return domain.Assessment{}, err
	}
	a.ID = id
	if err := e.Events.Append(ctx, tx, "assessment.created", a.AuditID, "assessment", fmt.Sprint(a.ID), opts.ActorID, events.EventPayload{
		"slug":   a.Slug,
		"title":  a.Title,
		"status": a.Status,
	}); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return a, nil
}

// UpdateAssessmentStatus moves an assessment through its lifecycle.
// Completing requires every mandatory local attribute to carry a value
// unless forced.
func (e Engine) UpdateAssessmentStatus(ctx context.Context, id int64, status, actorID string, force bool) (domain.Assessment, error) {
	if e.Config == nil {
		return domain.Assessment{}, errors.New("config not loaded")
	}
	a, err := e.Repo.GetAssessment(ctx, id)
	if err != nil {
		return a, err
	}
	if status == a.Status {
		return a, nil
	}
	if err := ensureStatusTransition(a.Status, status, force); err != nil {
		return a, err
	}
	if status == "Completed" && !force {
		if err := e.ensureMandatoryFilled(ctx, a.ID); err != nil {
			return a, err
		}
	}
	from := a.Status
	a.Status = status
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateAssessment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assessment.updated", a.AuditID, "assessment", fmt.Sprint(a.ID), actorID, events.EventPayload{
		"from_status": from,
		"to_status":   a.Status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func ensureStatusTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	if newStatus == "Deprecated" && oldStatus != "Deprecated" {
		return nil
	}
	switch oldStatus {
	case "Not Started":
		if newStatus == "In Progress" {
			return nil
		}
	case "In Progress":
		if newStatus == "In Review" || newStatus == "Not Started" {
			return nil
		}
	case "In Review":
		if newStatus == "Completed" || newStatus == "Rework Needed" {
			return nil
		}
	case "Rework Needed":
		if newStatus == "In Progress" {
			return nil
		}
	case "Completed":
		if newStatus == "In Progress" {
			return nil
		}
	}
	return fmt.Errorf("invalid assessment status transition %s -> %s", oldStatus, newStatus)
}

func (e Engine) ensureMandatoryFilled(ctx context.Context, assessmentID int64) error {
	defs, err := e.Repo.ListDefinitionsByAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if !d.Mandatory {
			continue
		}
		v, err := e.Repo.GetValue(ctx, d.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("mandatory attribute %q has no value", d.Title)
			}
			return err
		}
		if emptyValue(d.Type, v) {
			return fmt.Errorf("mandatory attribute %q has no value", d.Title)
		}
	}
	return nil
}

func emptyValue(typ string, v domain.AttributeValue) bool {
	if typ == "person" {
		return v.PersonID == nil
	}
	return v.Value == nil || *v.Value == ""
}

// AttributeDefineOptions are parameters for defining a local attribute.
type AttributeDefineOptions struct {
	AssessmentID         int64
	Title                string
	Type                 string
	Mandatory            bool
	DefaultValue         string
	MultiChoiceOptions   string
	MultiChoiceMandatory string
	ActorID              string
}

func (e Engine) DefineAttribute(ctx context.Context, opts AttributeDefineOptions) (domain.AttributeDefinition, error) {
	if e.Config == nil {
		return domain.AttributeDefinition{}, errors.New("config not loaded")
	}
	a, err := e.Repo.GetAssessment(ctx, opts.AssessmentID)
	if err != nil {
		return domain.AttributeDefinition{}, err
	}
	tpl := config.AttributeTemplate{
		Title:            opts.Title,
		Type:             opts.Type,
		Mandatory:        opts.Mandatory,
		Default:          opts.DefaultValue,
		Options:          opts.MultiChoiceOptions,
		OptionsMandatory: opts.MultiChoiceMandatory,
	}
	if err := config.ValidateTemplate(tpl); err != nil {
		return domain.AttributeDefinition{}, err
	}
	d := domain.AttributeDefinition{
		AssessmentID:         a.ID,
		Title:                opts.Title,
		Type:                 opts.Type,
		Mandatory:            opts.Mandatory,
		DefaultValue:         optionalString(opts.DefaultValue),
		MultiChoiceOptions:   optionalString(opts.MultiChoiceOptions),
		MultiChoiceMandatory: optionalString(opts.MultiChoiceMandatory),
		CreatedAt:            e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertDefinition(ctx, tx, d)
	if err != nil {
		return d, err
	}
	d.ID = id
	if err := e.Events.Append(ctx, tx, "attribute.defined", a.AuditID, "attribute", fmt.Sprint(d.ID), opts.ActorID, events.EventPayload{
		"assessment_id": a.ID,
		"title":         d.Title,
		"type":          d.Type,
		"mandatory":     d.Mandatory,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// ApplyTemplates instantiates catalog blueprints on an assessment. Each
// named entry becomes that assessment's own local definition.
func (e Engine) ApplyTemplates(ctx context.Context, assessmentID int64, names []string, actorID string) ([]domain.AttributeDefinition, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	var out []domain.AttributeDefinition
	for _, name := range names {
		tpl, ok := e.Config.Attributes.Catalog[name]
		if !ok {
			return nil, fmt.Errorf("catalog entry %s not found", name)
		}
		d, err := e.DefineAttribute(ctx, AttributeDefineOptions{
			AssessmentID:         assessmentID,
			Title:                tpl.Title,
			Type:                 tpl.Type,
			Mandatory:            tpl.Mandatory,
			DefaultValue:         tpl.Default,
			MultiChoiceOptions:   tpl.Options,
			MultiChoiceMandatory: tpl.OptionsMandatory,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ValueSetOptions are parameters for writing a single attribute value.
type ValueSetOptions struct {
	DefinitionID int64
	Value        *string
	PersonID     *int64
	ActorID      string
}

func (e Engine) SetAttributeValue(ctx context.Context, opts ValueSetOptions) (domain.AttributeValue, error) {
	if e.Config == nil {
		return domain.AttributeValue{}, errors.New("config not loaded")
	}
	d, err := e.Repo.GetDefinition(ctx, opts.DefinitionID)
	if err != nil {
		return domain.AttributeValue{}, err
	}
	a, err := e.Repo.GetAssessment(ctx, d.AssessmentID)
	if err != nil {
		return domain.AttributeValue{}, err
	}
	if err := checkValue(d, opts.Value, opts.PersonID); err != nil {
		return domain.AttributeValue{}, err
	}
	v := domain.AttributeValue{
		DefinitionID: d.ID,
		AssessmentID: d.AssessmentID,
		Value:        opts.Value,
		PersonID:     opts.PersonID,
		UpdatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertValue(ctx, tx, v); err != nil {
		return v, err
	}
	payload := events.EventPayload{"definition_id": d.ID, "assessment_id": d.AssessmentID}
	if opts.Value != nil {
		payload["value"] = *opts.Value
	}
	if opts.PersonID != nil {
		payload["person_id"] = *opts.PersonID
	}
	if err := e.Events.Append(ctx, tx, "value.set", a.AuditID, "value", fmt.Sprint(d.ID), opts.ActorID, payload); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

func checkValue(d domain.AttributeDefinition, value *string, personID *int64) error {
	if d.Type == "person" {
		if personID == nil {
			return errors.New("person attribute requires person id")
		}
		return nil
	}
	if personID != nil {
		return fmt.Errorf("person id only applies to person attributes")
	}
	if value == nil || *value == "" {
		return nil
	}
	switch d.Type {
	case "checkbox":
		if *value != "0" && *value != "1" {
			return fmt.Errorf("checkbox value must be \"0\" or \"1\"")
		}
	case "date":
		if _, err := time.Parse("2006-01-02", *value); err != nil {
			return fmt.Errorf("date value must be YYYY-MM-DD")
		}
	case "dropdown":
		if !optionAllowed(d.MultiChoiceOptions, *value) {
			return fmt.Errorf("value %q is not an option of %q", *value, d.Title)
		}
	case "multiselect":
		for _, part := range strings.Split(*value, ",") {
			if !optionAllowed(d.MultiChoiceOptions, part) {
				return fmt.Errorf("value %q is not an option of %q", part, d.Title)
			}
		}
	}
	return nil
}

func optionAllowed(options *string, value string) bool {
	if options == nil {
		return false
	}
	for _, o := range strings.Split(*options, ",") {
		if o == value {
			return true
		}
	}
	return false
}

// AddEvidence attaches a url or file reference to an assessment.
func (e Engine) AddEvidence(ctx context.Context, assessmentID int64, kind, title, link, actorID string) (domain.Evidence, error) {
	if e.Config == nil {
		return domain.Evidence{}, errors.New("config not loaded")
	}
	if kind != "url" && kind != "file" {
		return domain.Evidence{}, fmt.Errorf("evidence kind must be url or file, got %q", kind)
	}
	if link == "" {
		return domain.Evidence{}, errors.New("link is required")
	}
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return domain.Evidence{}, err
	}
	ev := domain.Evidence{
		ID:           uuid.New().String(),
		AssessmentID: a.ID,
		Kind:         kind,
		Title:        title,
		Link:         link,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return ev, err
	}
	if err := e.Events.Append(ctx, tx, "evidence.added", a.AuditID, "evidence", ev.ID, actorID, events.EventPayload{
		"assessment_id": a.ID,
		"kind":          ev.Kind,
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	return ev, nil
}

// AddComment records a comment on an assessment, optionally bound to one
// of its attribute definitions.
func (e Engine) AddComment(ctx context.Context, assessmentID int64, definitionID *int64, text, actorID string) (domain.Comment, error) {
	if e.Config == nil {
		return domain.Comment{}, errors.New("config not loaded")
	}
	if text == "" {
		return domain.Comment{}, errors.New("text is required")
	}
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return domain.Comment{}, err
	}
	if definitionID != nil {
		d, err := e.Repo.GetDefinition(ctx, *definitionID)
		if err != nil {
			return domain.Comment{}, err
		}
		if d.AssessmentID != a.ID {
			return domain.Comment{}, fmt.Errorf("definition %d belongs to a different assessment", d.ID)
		}
	}
	c := domain.Comment{
		ID:           uuid.New().String(),
		AssessmentID: a.ID,
		DefinitionID: definitionID,
		Text:         text,
		ActorID:      actorID,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "comment.added", a.AuditID, "comment", c.ID, actorID, events.EventPayload{
		"assessment_id": a.ID,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
