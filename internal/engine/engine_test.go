package engine_test

import (
	"context"
	"testing"
	"time"

	"bulkgrid/internal/config"
	"bulkgrid/internal/db"
	"bulkgrid/internal/engine"
	"bulkgrid/internal/matrix"
	"bulkgrid/internal/migrate"
	"bulkgrid/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("audit-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitAudit(ctx, "audit-1", "Q1 compliance audit", "test", "tester"); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func strPtr(s string) *string { return &s }

func (env testEnv) mustAssessment(t *testing.T, title string) int64 {
	t.Helper()
	a, err := env.Engine.CreateAssessment(env.Ctx, engine.AssessmentCreateOptions{
		AuditID: "audit-1",
		Title:   title,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	return a.ID
}

func TestAssessmentStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Access control review")
	a, err := env.Engine.UpdateAssessmentStatus(env.Ctx, id, "In Progress", "tester", false)
	if err != nil || a.Status != "In Progress" {
		t.Fatalf("to In Progress: %v", err)
	}
	a, err = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "In Review", "tester", false)
	if err != nil || a.Status != "In Review" {
		t.Fatalf("to In Review: %v", err)
	}
	a, err = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "Completed", "tester", false)
	if err != nil || a.Status != "Completed" {
		t.Fatalf("to Completed: %v", err)
	}
	// jumping back to Not Started from Completed is not allowed
	_, err = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "Not Started", "tester", false)
	if err == nil {
		t.Fatalf("expected transition error")
	}
	// force skips the check
	if _, err := env.Engine.UpdateAssessmentStatus(env.Ctx, id, "Not Started", "tester", true); err != nil {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestDeprecateFromAnyStatus(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Deprecated path")
	a, err := env.Engine.UpdateAssessmentStatus(env.Ctx, id, "Deprecated", "tester", false)
	if err != nil || a.Status != "Deprecated" {
		t.Fatalf("deprecate: %v", err)
	}
	_, err = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "In Progress", "tester", false)
	if err == nil {
		t.Fatalf("expected deprecated to be terminal")
	}
}

func TestCompletionGatedOnMandatoryValues(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Gated")
	def, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID:       id,
		Title:              "Risk rating",
		Type:               "dropdown",
		Mandatory:          true,
		MultiChoiceOptions: "Low,Medium,High",
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	_, _ = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "In Progress", "tester", false)
	_, _ = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "In Review", "tester", false)
	_, err = env.Engine.UpdateAssessmentStatus(env.Ctx, id, "Completed", "tester", false)
	if err == nil {
		t.Fatalf("expected mandatory gating")
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{
		DefinitionID: def.ID,
		Value:        strPtr("High"),
		ActorID:      "tester",
	}); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if _, err := env.Engine.UpdateAssessmentStatus(env.Ctx, id, "Completed", "tester", false); err != nil {
		t.Fatalf("expected completion after value set: %v", err)
	}
}

func TestValueTypeChecks(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Typed values")
	checkbox, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "SOX relevant", Type: "checkbox", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: checkbox.ID, Value: strPtr("yes"), ActorID: "tester"}); err == nil {
		t.Fatalf("expected checkbox rejection")
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: checkbox.ID, Value: strPtr("1"), ActorID: "tester"}); err != nil {
		t.Fatalf("checkbox 1: %v", err)
	}

	date, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "Due", Type: "date", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: date.ID, Value: strPtr("01/02/2026"), ActorID: "tester"}); err == nil {
		t.Fatalf("expected date rejection")
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: date.ID, Value: strPtr("2026-02-01"), ActorID: "tester"}); err != nil {
		t.Fatalf("date: %v", err)
	}

	dd, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "Rating", Type: "dropdown", MultiChoiceOptions: "Low,High", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: dd.ID, Value: strPtr("Medium"), ActorID: "tester"}); err == nil {
		t.Fatalf("expected dropdown rejection")
	}

	person, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "Owner", Type: "person", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: person.ID, ActorID: "tester"}); err == nil {
		t.Fatalf("expected person id requirement")
	}
	pid := int64(42)
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{DefinitionID: person.ID, PersonID: &pid, ActorID: "tester"}); err != nil {
		t.Fatalf("person: %v", err)
	}
}

func TestDefineAttributeValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Define checks")
	_, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "Bad", Type: "geolocation", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected unknown type error")
	}
	_, err = env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "Bad", Type: "dropdown", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected missing options error")
	}
	_, err = env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: id, Title: "Bad", Type: "dropdown",
		MultiChoiceOptions: "A,B", MultiChoiceMandatory: "1", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected flag length error")
	}
}

func TestApplyTemplates(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Templated")
	defs, err := env.Engine.ApplyTemplates(env.Ctx, id, []string{"risk.rating", "sox.relevant"}, "tester")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Title != "Risk rating" || !defs[0].Mandatory {
		t.Fatalf("unexpected first definition: %+v", defs[0])
	}
	_, err = env.Engine.ApplyTemplates(env.Ctx, id, []string{"nope"}, "tester")
	if err == nil {
		t.Fatalf("expected unknown catalog entry error")
	}
}

func TestSearchGroupsSharedColumns(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.mustAssessment(t, "First")
	a2 := env.mustAssessment(t, "Second")
	for _, id := range []int64{a1, a2} {
		if _, err := env.Engine.ApplyTemplates(env.Ctx, id, []string{"risk.rating"}, "tester"); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	res, err := env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Headers) != 1 {
		t.Fatalf("expected one shared column, got %d", len(res.Headers))
	}
	if res.Headers[0].Title != "Risk rating" || !res.Headers[0].Mandatory {
		t.Fatalf("unexpected header: %+v", res.Headers[0])
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected rows for both assessments, got %d", len(res.Rows))
	}
	for _, row := range res.Rows {
		if len(row.Cells) != 1 {
			t.Fatalf("expected one cell per row")
		}
	}
}

func TestSearchEmitsEntryForUnvaluedDefinition(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.mustAssessment(t, "First")
	d, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID:       a1,
		Title:              "Severity",
		Type:               "dropdown",
		Mandatory:          true,
		MultiChoiceOptions: "Low,High",
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Definitions) != 1 {
		t.Fatalf("expected one column, got %d", len(res.Definitions))
	}
	v, ok := res.Definitions[0].Values[a1]
	if !ok {
		t.Fatalf("expected a values entry for the defined attribute before any value is stored")
	}
	if v.Raw != nil || v.DefinitionID != d.ID {
		t.Fatalf("unexpected entry: %+v", v)
	}
	if v.PreconditionsFailed != nil {
		t.Fatalf("expected no precondition failures, got %v", v.PreconditionsFailed)
	}
	cell := res.Rows[0].Cells[0]
	if !cell.IsApplicable {
		t.Fatalf("expected an applicable cell for a defined attribute")
	}
	if cell.ID == nil || *cell.ID != d.ID {
		t.Fatalf("expected cell id %d, got %v", d.ID, cell.ID)
	}
	if cell.Value != "" {
		t.Fatalf("expected empty dropdown value, got %v", cell.Value)
	}
	if cell.Validation.Valid {
		t.Fatalf("unfilled mandatory cell must start invalid")
	}
}

func TestSearchDistinctIdentitySplitsColumns(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.mustAssessment(t, "First")
	a2 := env.mustAssessment(t, "Second")
	if _, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: a1, Title: "Notes", Type: "text", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	// same title but mandatory differs, so it is a different column
	if _, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID: a2, Title: "Notes", Type: "text", Mandatory: true, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Headers) != 2 {
		t.Fatalf("expected two columns, got %d", len(res.Headers))
	}
	// first row has a cell for each column but only one applicable
	cells := res.Rows[0].Cells
	if !cells[0].IsApplicable || cells[1].IsApplicable {
		t.Fatalf("unexpected applicability: %v %v", cells[0].IsApplicable, cells[1].IsApplicable)
	}
}

func TestSearchFiltersAndOrder(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.mustAssessment(t, "Alpha")
	env.mustAssessment(t, "Beta")
	if _, err := env.Engine.UpdateAssessmentStatus(env.Ctx, a1, "In Progress", "tester", false); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{Statuses: []string{"In Progress"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0].Title != "Alpha" {
		t.Fatalf("expected only Alpha, got %+v", res.Rows)
	}
	res, err = env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{
		Order: []repo.OrderClause{{Name: "title", Desc: true}},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Rows[0].Title != "Beta" || res.Rows[1].Title != "Alpha" {
		t.Fatalf("unexpected order: %+v", res.Rows)
	}
}

func TestPreconditionsFromBitmask(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Preconditions")
	// High demands comment+evidence (1|2), Low demands nothing
	def, err := env.Engine.DefineAttribute(env.Ctx, engine.AttributeDefineOptions{
		AssessmentID:         id,
		Title:                "Severity",
		Type:                 "dropdown",
		MultiChoiceOptions:   "Low,High",
		MultiChoiceMandatory: "0,3",
		ActorID:              "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAttributeValue(env.Ctx, engine.ValueSetOptions{
		DefinitionID: def.ID, Value: strPtr("High"), ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{})
	if err != nil {
		t.Fatal(err)
	}
	cell := res.Rows[0].Cells[0]
	if !cell.Errors.Comment || !cell.Errors.File {
		t.Fatalf("expected comment and file failures, got %+v", cell.Errors)
	}
	if cell.Errors.URL {
		t.Fatalf("url requirement not set by mask 3")
	}

	// satisfy both requirements and re-derive
	if _, err := env.Engine.AddComment(env.Ctx, id, &def.ID, "reviewed", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddEvidence(env.Ctx, id, "file", "walkthrough", "gdrive://folder/x", "tester"); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.Search(env.Ctx, "audit-1", engine.SearchQuery{})
	if err != nil {
		t.Fatal(err)
	}
	cell = res.Rows[0].Cells[0]
	if cell.Errors != (matrix.ErrorsMap{}) {
		t.Fatalf("expected no failures, got %+v", cell.Errors)
	}
	if res.Rows[0].FilesCount != 1 {
		t.Fatalf("expected files count 1, got %d", res.Rows[0].FilesCount)
	}
}

func TestEvidenceAndCommentEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Evented")
	if _, err := env.Engine.AddEvidence(env.Ctx, id, "url", "policy", "https://example.com/policy", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, id, nil, "looks fine", "tester"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE audit_id='audit-1'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		rows.Scan(&typ)
		types[typ] = true
	}
	for _, want := range []string{"audit.init", "assessment.created", "evidence.added", "comment.added"} {
		if !types[want] {
			t.Fatalf("missing event %s", want)
		}
	}
}

func TestAddEvidenceRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustAssessment(t, "Kind check")
	if _, err := env.Engine.AddEvidence(env.Ctx, id, "screenshot", "", "x", "tester"); err == nil {
		t.Fatalf("expected kind rejection")
	}
}
