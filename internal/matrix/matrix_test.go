package matrix_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkgrid/internal/matrix"
)

func int64Ptr(v int64) *int64 { return &v }

func TestHeaders_PreservesOrder(t *testing.T) {
	defs := []matrix.Definition{
		{Title: "Severity", Type: matrix.TypeDropdown, Mandatory: true},
		{Title: "Reviewed", Type: matrix.TypeCheckbox},
		{Title: "Owner", Type: matrix.TypePerson},
	}
	headers := matrix.Headers(defs)
	require.Len(t, headers, len(defs))
	for i, def := range defs {
		assert.Equal(t, def.Title, headers[i].Title)
		assert.Equal(t, def.Mandatory, headers[i].Mandatory)
	}
}

func TestHeaders_Empty(t *testing.T) {
	assert.Empty(t, matrix.Headers(nil))
}

func TestNormalize_Checkbox(t *testing.T) {
	assert.Equal(t, true, matrix.Normalize(matrix.TypeCheckbox, "1", nil))
	assert.Equal(t, false, matrix.Normalize(matrix.TypeCheckbox, "0", nil))
	assert.Equal(t, false, matrix.Normalize(matrix.TypeCheckbox, "", nil))
	assert.Equal(t, false, matrix.Normalize(matrix.TypeCheckbox, nil, nil))
	// Only the string token counts; a numeric 1 is not coerced.
	assert.Equal(t, false, matrix.Normalize(matrix.TypeCheckbox, 1, nil))
}

func TestNormalize_Date(t *testing.T) {
	assert.Equal(t, "2020-05-01", matrix.Normalize(matrix.TypeDate, "2020-05-01", nil))
	assert.Nil(t, matrix.Normalize(matrix.TypeDate, nil, nil))
	assert.Nil(t, matrix.Normalize(matrix.TypeDate, "", nil))
}

func TestNormalize_DropdownAndMultiselect(t *testing.T) {
	for _, typ := range []matrix.Type{matrix.TypeDropdown, matrix.TypeMultiselect} {
		assert.Equal(t, "High", matrix.Normalize(typ, "High", nil))
		assert.Equal(t, "", matrix.Normalize(typ, nil, nil))
		assert.Equal(t, "", matrix.Normalize(typ, "", nil))
	}
}

func TestNormalize_Person(t *testing.T) {
	got := matrix.Normalize(matrix.TypePerson, "Person", int64Ptr(42))
	require.IsType(t, []matrix.PersonRef{}, got)
	refs := got.([]matrix.PersonRef)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(42), refs[0].ID)
	assert.Equal(t, "Person", refs[0].Type)
	assert.Equal(t, "/api/people/42", refs[0].Href)
	assert.Nil(t, refs[0].ContextID)

	assert.Nil(t, matrix.Normalize(matrix.TypePerson, "Person", nil))
}

func TestNormalize_UnknownTypePassesThrough(t *testing.T) {
	assert.Equal(t, "free text", matrix.Normalize("text", "free text", nil))
	assert.Nil(t, matrix.Normalize("rich-text", nil, nil))
	assert.Equal(t, 7, matrix.Normalize("weird", 7, nil))
}

func TestDecodeMultiChoice_Pairing(t *testing.T) {
	mc := matrix.DecodeMultiChoice("a,b,c", "0,1,0")
	assert.Equal(t, []string{"a", "b", "c"}, mc.Values)
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 0}, mc.Config)
}

func TestDecodeMultiChoice_NonStringInputs(t *testing.T) {
	for _, raw := range []any{nil, 12, []string{"a"}, true} {
		mc := matrix.DecodeMultiChoice(raw, raw)
		assert.Empty(t, mc.Values)
		assert.Empty(t, mc.Config)
	}
}

func TestDecodeMultiChoice_ShortFlagList(t *testing.T) {
	mc := matrix.DecodeMultiChoice("a,b,c", "1")
	assert.Equal(t, []string{"a", "b", "c"}, mc.Values)
	assert.Equal(t, map[string]int{"a": 1}, mc.Config)
}

func TestDecodeMultiChoice_ExtraFlagsIgnored(t *testing.T) {
	mc := matrix.DecodeMultiChoice("a", "1,1,1")
	assert.Equal(t, []string{"a"}, mc.Values)
	assert.Equal(t, map[string]int{"a": 1}, mc.Config)
}

func TestDecodeMultiChoice_DuplicateLabelsLastWriteWins(t *testing.T) {
	mc := matrix.DecodeMultiChoice("a,b,a", "1,0,0")
	assert.Equal(t, []string{"a", "b", "a"}, mc.Values)
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, mc.Config)
}

func TestDecodeMultiChoice_BitmaskFlagsClampToOne(t *testing.T) {
	mc := matrix.DecodeMultiChoice("a,b", "4,junk")
	assert.Equal(t, map[string]int{"a": 1, "b": 0}, mc.Config)
}

func TestRows_ShapeAndOrder(t *testing.T) {
	assessments := []matrix.Assessment{
		{ID: 1, Title: "A"},
		{ID: 2, Title: "B"},
	}
	defs := []matrix.Definition{
		{Title: "First", Type: matrix.TypeDropdown},
		{Title: "Second", Type: matrix.TypeCheckbox},
		{Title: "Third", Type: matrix.TypeDate},
	}
	rows := matrix.Rows(assessments, defs)
	require.Len(t, rows, len(assessments))
	for i, row := range rows {
		assert.Equal(t, assessments[i].ID, row.ID)
		require.Len(t, row.Cells, len(defs))
		for col, cell := range row.Cells {
			assert.Equal(t, defs[col].Type, cell.Type)
		}
	}
}

func TestRows_AbsentValueEntry(t *testing.T) {
	rows := matrix.Rows(
		[]matrix.Assessment{{ID: 9, Title: "Orphan"}},
		[]matrix.Definition{{Title: "Severity", Type: matrix.TypeDropdown}},
	)
	require.Len(t, rows, 1)
	cell := rows[0].Cells[0]
	assert.Nil(t, cell.ID)
	assert.False(t, cell.IsApplicable)
	assert.Nil(t, cell.Value)
	assert.Equal(t, matrix.ErrorsMap{}, cell.Errors)
	assert.Empty(t, cell.MultiChoice.Values)
	assert.Empty(t, cell.MultiChoice.Config)
	assert.False(t, cell.Modified)
	assert.Nil(t, cell.Attachments)
}

func TestRows_ApplicableDropdownCell(t *testing.T) {
	defs := []matrix.Definition{{
		Title: "Severity",
		Type:  matrix.TypeDropdown,
		Values: map[int64]matrix.Value{
			5: {DefinitionID: 77, Raw: "High", MultiChoiceOptions: "Low,Medium,High", MultiChoiceMandatory: "0,0,1"},
		},
	}}
	rows := matrix.Rows([]matrix.Assessment{{ID: 5, Title: "Asmt"}}, defs)
	cell := rows[0].Cells[0]
	require.NotNil(t, cell.ID)
	assert.Equal(t, int64(77), *cell.ID)
	assert.True(t, cell.IsApplicable)
	assert.Equal(t, "High", cell.Value)
	assert.Equal(t, matrix.ErrorsMap{}, cell.Errors)
	assert.Equal(t, []string{"Low", "Medium", "High"}, cell.MultiChoice.Values)
	assert.Equal(t, map[string]int{"Low": 0, "Medium": 0, "High": 1}, cell.MultiChoice.Config)
	assert.True(t, cell.Validation.Valid, "non-mandatory applicable cell starts valid")
}

func TestRows_PreconditionFailuresToErrorsMap(t *testing.T) {
	defs := []matrix.Definition{{
		Title: "Severity",
		Type:  matrix.TypeDropdown,
		Values: map[int64]matrix.Value{
			5: {DefinitionID: 77, Raw: "High", PreconditionsFailed: []string{matrix.FailEvidence, matrix.FailComment}},
		},
	}}
	rows := matrix.Rows([]matrix.Assessment{{ID: 5}}, defs)
	assert.Equal(t, matrix.ErrorsMap{File: true, URL: false, Comment: true}, rows[0].Cells[0].Errors)
}

func TestRows_ValidationSeeding(t *testing.T) {
	defs := []matrix.Definition{
		{
			Title:     "Mandatory applicable",
			Type:      matrix.TypeDropdown,
			Mandatory: true,
			Values:    map[int64]matrix.Value{1: {DefinitionID: 10, Raw: ""}},
		},
		// Mandatory but no value entry: seeds valid=true. That reads
		// inconsistent with a strict mandatory rule but is the intended
		// initial state; the editing layer re-evaluates on input.
		{Title: "Mandatory not applicable", Type: matrix.TypeDropdown, Mandatory: true},
		{
			Title:  "Optional applicable",
			Type:   matrix.TypeDropdown,
			Values: map[int64]matrix.Value{1: {DefinitionID: 11, Raw: "x"}},
		},
	}
	rows := matrix.Rows([]matrix.Assessment{{ID: 1}}, defs)
	cells := rows[0].Cells
	assert.False(t, cells[0].Validation.Valid)
	assert.True(t, cells[0].Validation.Mandatory)
	assert.True(t, cells[1].Validation.Valid)
	assert.True(t, cells[1].Validation.Mandatory)
	assert.True(t, cells[2].Validation.Valid)
	for _, cell := range cells {
		assert.False(t, cell.Validation.RequiresAttachment)
		assert.False(t, cell.Validation.HasMissingInfo)
	}
}

func TestRows_DefaultValueNormalized(t *testing.T) {
	defs := []matrix.Definition{
		{Title: "Checked", Type: matrix.TypeCheckbox, Default: "1"},
		{Title: "Due", Type: matrix.TypeDate, Default: ""},
		{Title: "Severity", Type: matrix.TypeDropdown, Default: nil},
	}
	rows := matrix.Rows([]matrix.Assessment{{ID: 3}}, defs)
	cells := rows[0].Cells
	assert.Equal(t, true, cells[0].DefaultValue)
	assert.Nil(t, cells[1].DefaultValue)
	assert.Equal(t, "", cells[2].DefaultValue)
}

func TestRows_PersonCell(t *testing.T) {
	defs := []matrix.Definition{{
		Title: "Owner",
		Type:  matrix.TypePerson,
		Values: map[int64]matrix.Value{
			2: {DefinitionID: 31, Raw: "Person", PersonID: int64Ptr(42)},
		},
	}}
	rows := matrix.Rows([]matrix.Assessment{{ID: 2}}, defs)
	refs, ok := rows[0].Cells[0].Value.([]matrix.PersonRef)
	require.True(t, ok)
	require.Len(t, refs, 1)
	assert.Equal(t, "/api/people/42", refs[0].Href)
}

func TestRows_AssessmentIdentityCopied(t *testing.T) {
	rows := matrix.Rows([]matrix.Assessment{{
		ID: 8, Title: "Controls review", Status: "In Progress", Type: "Control",
		URLsCount: 2, FilesCount: 1,
	}}, nil)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "Controls review", row.Title)
	assert.Equal(t, "In Progress", row.Status)
	assert.Equal(t, "Control", row.Type)
	assert.Equal(t, 2, row.URLsCount)
	assert.Equal(t, 1, row.FilesCount)
	assert.Empty(t, row.Cells)
}

func TestRows_Idempotent(t *testing.T) {
	assessments := []matrix.Assessment{{ID: 1, Title: "A"}, {ID: 2, Title: "B"}}
	defs := []matrix.Definition{
		{
			Title:     "Severity",
			Type:      matrix.TypeDropdown,
			Mandatory: true,
			Default:   "Low",
			Values: map[int64]matrix.Value{
				1: {DefinitionID: 50, Raw: "High", MultiChoiceOptions: "Low,High", MultiChoiceMandatory: "0,1"},
			},
		},
		{Title: "Owner", Type: matrix.TypePerson, Values: map[int64]matrix.Value{
			2: {DefinitionID: 51, Raw: "Person", PersonID: int64Ptr(9)},
		}},
	}
	first := matrix.Rows(assessments, defs)
	second := matrix.Rows(assessments, defs)
	assert.Equal(t, first, second)
	assert.Equal(t, matrix.Headers(defs), matrix.Headers(defs))
}

func TestRows_ScenarioSingleDropdown(t *testing.T) {
	defs := []matrix.Definition{{
		Title: "Risk rating",
		Type:  matrix.TypeDropdown,
		Values: map[int64]matrix.Value{
			1: {DefinitionID: 100, Raw: "High"},
		},
	}}
	rows := matrix.Rows([]matrix.Assessment{{ID: 1, Title: "Single"}}, defs)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Cells, 1)
	cell := rows[0].Cells[0]
	assert.Equal(t, "High", cell.Value)
	assert.True(t, cell.IsApplicable)
	assert.Equal(t, matrix.ErrorsMap{}, cell.Errors)
	assert.True(t, cell.Validation.Valid)
}
