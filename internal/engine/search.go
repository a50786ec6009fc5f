package engine

import (
	"context"
	"strconv"
	"strings"

	"bulkgrid/internal/domain"
	"bulkgrid/internal/matrix"
	"bulkgrid/internal/repo"
)

// SearchQuery selects which of an audit's assessments enter the grid.
type SearchQuery struct {
	Statuses []string
	Types    []string
	Order    []repo.OrderClause
}

// SearchResult is the assembled bulk grid: the filtered assessments,
// the shared columns with their sparse value maps, and the derived
// header/row structure. Records carries the stored assessment rows for
// callers that need fields the grid drops, such as the slug.
type SearchResult struct {
	Records     []domain.Assessment
	Assessments []matrix.Assessment
	Definitions []matrix.Definition
	Headers     []matrix.Header
	Rows        []matrix.Row
}

// columnKey is the identity of a shared column. Local definitions that
// agree on every field render as one column even though each belongs to
// a single assessment.
type columnKey struct {
	title            string
	typ              string
	mandatory        bool
	defaultValue     string
	options          string
	optionsMandatory string
}

func keyOf(d domain.AttributeDefinition) columnKey {
	return columnKey{
		title:            d.Title,
		typ:              d.Type,
		mandatory:        d.Mandatory,
		defaultValue:     deref(d.DefaultValue),
		options:          deref(d.MultiChoiceOptions),
		optionsMandatory: deref(d.MultiChoiceMandatory),
	}
}

// Search loads the audit's assessments and definitions, groups the
// definitions into shared columns in creation order, evaluates
// multi-choice preconditions, and derives the grid.
func (e Engine) Search(ctx context.Context, auditID string, q SearchQuery) (SearchResult, error) {
	if _, err := e.Repo.GetAudit(ctx, auditID); err != nil {
		return SearchResult{}, err
	}
	assessments, err := e.Repo.ListAssessments(ctx, auditID, repo.AssessmentQuery{
		Statuses: q.Statuses,
		Types:    q.Types,
		Order:    q.Order,
	})
	if err != nil {
		return SearchResult{}, err
	}
	defs, err := e.Repo.ListDefinitionsByAudit(ctx, auditID)
	if err != nil {
		return SearchResult{}, err
	}
	values, err := e.Repo.ValuesByDefinition(ctx, auditID)
	if err != nil {
		return SearchResult{}, err
	}
	evidence, err := e.Repo.EvidenceCounts(ctx, auditID)
	if err != nil {
		return SearchResult{}, err
	}
	commented, err := e.Repo.CommentedDefinitions(ctx, auditID)
	if err != nil {
		return SearchResult{}, err
	}

	selected := make(map[int64]bool, len(assessments))
	rows := make([]matrix.Assessment, 0, len(assessments))
	for _, a := range assessments {
		c := evidence[a.ID]
		selected[a.ID] = true
		rows = append(rows, matrix.Assessment{
			ID:         a.ID,
			Title:      a.Title,
			Status:     a.Status,
			Type:       a.Type,
			URLsCount:  c.URLs,
			FilesCount: c.Files,
		})
	}

	columns := groupColumns(defs, selected, values, evidence, commented)
	return SearchResult{
		Records:     assessments,
		Assessments: rows,
		Definitions: columns,
		Headers:     matrix.Headers(columns),
		Rows:        matrix.Rows(rows, columns),
	}, nil
}

// groupColumns folds per-assessment definitions into shared columns.
// Column order is first-seen creation order; definitions on filtered-out
// assessments still contribute the column identity but no value.
func groupColumns(defs []domain.AttributeDefinition, selected map[int64]bool, values map[int64]domain.AttributeValue, evidence map[int64]repo.EvidenceCount, commented map[int64]bool) []matrix.Definition {
	byKey := map[columnKey]int{}
	var columns []matrix.Definition
	for _, d := range defs {
		k := keyOf(d)
		idx, ok := byKey[k]
		if !ok {
			idx = len(columns)
			byKey[k] = idx
			columns = append(columns, matrix.Definition{
				Title:     d.Title,
				Type:      matrix.Type(d.Type),
				Mandatory: d.Mandatory,
				Default:   anyOrNil(d.DefaultValue),
				Values:    map[int64]matrix.Value{},
			})
		}
		if !selected[d.AssessmentID] {
			continue
		}
		// Every definition on a selected assessment gets an entry, even
		// before a value row exists; the raw value is just nil then.
		v := values[d.ID]
		columns[idx].Values[d.AssessmentID] = matrix.Value{
			DefinitionID:         d.ID,
			Raw:                  anyOrNil(v.Value),
			PersonID:             v.PersonID,
			MultiChoiceOptions:   anyOrNil(d.MultiChoiceOptions),
			MultiChoiceMandatory: anyOrNil(d.MultiChoiceMandatory),
			PreconditionsFailed:  failedPreconditions(d, v, evidence[d.AssessmentID], commented[d.ID]),
		}
	}
	return columns
}

// Per-option requirement bits.
const (
	needComment  = 1
	needEvidence = 2
	needURL      = 4
)

// failedPreconditions checks the selected multi-choice options against
// their requirement bitmasks. A selected option may demand a comment on
// the definition, an evidence file on the assessment, or a url.
func failedPreconditions(d domain.AttributeDefinition, v domain.AttributeValue, counts repo.EvidenceCount, hasComment bool) []string {
	if d.MultiChoiceOptions == nil || d.MultiChoiceMandatory == nil {
		return nil
	}
	if v.Value == nil || *v.Value == "" {
		return nil
	}
	options := strings.Split(*d.MultiChoiceOptions, ",")
	flags := strings.Split(*d.MultiChoiceMandatory, ",")
	mask := 0
	for _, sel := range strings.Split(*v.Value, ",") {
		for i, o := range options {
			if o != sel || i >= len(flags) {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(flags[i]))
			if err != nil {
				continue
			}
			mask |= n
		}
	}
	var failed []string
	if mask&needComment != 0 && !hasComment {
		failed = append(failed, matrix.FailComment)
	}
	if mask&needEvidence != 0 && counts.Files == 0 {
		failed = append(failed, matrix.FailEvidence)
	}
	if mask&needURL != 0 && counts.URLs == 0 {
		failed = append(failed, matrix.FailURL)
	}
	return failed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func anyOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
