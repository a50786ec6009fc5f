// Package matrix turns assessments and their shared custom-attribute
// definitions into the header/row structure a bulk-edit grid binds to.
// Both derivations are pure: they only read their inputs and allocate
// fresh output, so callers may run them in any order or concurrently.
package matrix

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is a custom-attribute kind. The set below is closed for
// normalization purposes; any other kind passes through untouched.
type Type string

const (
	TypeCheckbox    Type = "checkbox"
	TypeDate        Type = "date"
	TypeDropdown    Type = "dropdown"
	TypeMultiselect Type = "multiselect"
	TypePerson      Type = "person"
)

// Precondition failure tags recorded on a value by the upstream
// evaluation pass.
const (
	FailEvidence = "evidence"
	FailURL      = "url"
	FailComment  = "comment"
)

// Assessment is one row's source record.
type Assessment struct {
	ID         int64
	Title      string
	Status     string
	Type       string
	URLsCount  int
	FilesCount int
}

// Value is the raw attribute value of one assessment for one column.
// DefinitionID identifies the local definition instance the value binds
// to, which is distinct from the shared column itself. The multi-choice
// fields are untyped on purpose: anything but a non-empty string decodes
// to empty.
type Value struct {
	DefinitionID         int64
	Raw                  any
	PersonID             *int64
	MultiChoiceOptions   any
	MultiChoiceMandatory any
	PreconditionsFailed  []string
}

// Definition is one shared column: identity fields plus the sparse
// per-assessment value map. Not every assessment has an entry.
type Definition struct {
	Title     string
	Type      Type
	Mandatory bool
	Default   any
	Values    map[int64]Value
}

// Header describes one grid column.
type Header struct {
	Title     string `json:"title"`
	Mandatory bool   `json:"mandatory"`
}

// ErrorsMap carries per-category precondition failures for a cell.
type ErrorsMap struct {
	File    bool `json:"file"`
	URL     bool `json:"url"`
	Comment bool `json:"comment"`
}

// MultiChoice holds the decoded option labels in order and a label to
// mandatory-flag mapping.
type MultiChoice struct {
	Values []string       `json:"values"`
	Config map[string]int `json:"config"`
}

// Validation is the initial validation state seeded into a cell. It is
// not re-evaluated here; the editing layer owns updates.
type Validation struct {
	Mandatory          bool `json:"mandatory"`
	Valid              bool `json:"valid"`
	RequiresAttachment bool `json:"requires_attachment"`
	HasMissingInfo     bool `json:"has_missing_info"`
}

// Cell is one assessment x column intersection.
type Cell struct {
	ID           *int64      `json:"id"`
	Type         Type        `json:"type"`
	Value        any         `json:"value"`
	DefaultValue any         `json:"default_value"`
	IsApplicable bool        `json:"is_applicable"`
	Errors       ErrorsMap   `json:"errors_map"`
	MultiChoice  MultiChoice `json:"multi_choice_options"`
	Validation   Validation  `json:"validation"`
	Modified     bool        `json:"modified"`
	Attachments  any         `json:"attachments"`
}

// Row is one assessment with its cells in header order.
type Row struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Type       string `json:"type"`
	URLsCount  int    `json:"urls_count"`
	FilesCount int    `json:"files_count"`
	Cells      []Cell `json:"attributes"`
}

// PersonRef is the reference descriptor emitted for person values.
type PersonRef struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Href      string `json:"href"`
	ContextID any    `json:"context_id"`
}

// Headers maps definitions to column headers, preserving order.
func Headers(defs []Definition) []Header {
	headers := make([]Header, len(defs))
	for i, def := range defs {
		headers[i] = Header{Title: def.Title, Mandatory: def.Mandatory}
	}
	return headers
}

// valueKey addresses one (column, assessment) intersection.
type valueKey struct {
	column       int
	assessmentID int64
}

// Rows produces one row per assessment with one cell per definition, in
// the same column order Headers uses. Missing value entries are valid
// and yield non-applicable cells; nothing in here errors.
func Rows(assessments []Assessment, defs []Definition) []Row {
	index := indexValues(defs)
	rows := make([]Row, len(assessments))
	for i, asmt := range assessments {
		cells := make([]Cell, len(defs))
		for col, def := range defs {
			value, ok := index[valueKey{column: col, assessmentID: asmt.ID}]
			cells[col] = buildCell(def, value, ok)
		}
		rows[i] = Row{
			ID:         asmt.ID,
			Title:      asmt.Title,
			Status:     asmt.Status,
			Type:       asmt.Type,
			URLsCount:  asmt.URLsCount,
			FilesCount: asmt.FilesCount,
			Cells:      cells,
		}
	}
	return rows
}

// indexValues flattens the per-definition value maps into a single
// two-key index so the nested traversal does one lookup per cell.
func indexValues(defs []Definition) map[valueKey]Value {
	index := make(map[valueKey]Value)
	for col, def := range defs {
		for asmtID, value := range def.Values {
			index[valueKey{column: col, assessmentID: asmtID}] = value
		}
	}
	return index
}

func buildCell(def Definition, value Value, applicable bool) Cell {
	cell := Cell{
		Type:         def.Type,
		DefaultValue: Normalize(def.Type, def.Default, nil),
		IsApplicable: applicable,
		MultiChoice:  MultiChoice{Values: []string{}, Config: map[string]int{}},
		Validation: Validation{
			Mandatory: def.Mandatory,
			// An applicable mandatory field starts invalid until the
			// editing layer populates it; a non-applicable one counts
			// as valid, mandatory or not. Kept exactly as observed.
			Valid: !applicable || !def.Mandatory,
		},
	}
	if !applicable {
		return cell
	}
	id := value.DefinitionID
	cell.ID = &id
	cell.Value = Normalize(def.Type, value.Raw, value.PersonID)
	cell.MultiChoice = DecodeMultiChoice(value.MultiChoiceOptions, value.MultiChoiceMandatory)
	cell.Errors = errorsFrom(value.PreconditionsFailed)
	return cell
}

// Normalize coerces a raw value for its attribute kind. Each branch has
// its own empty default; unknown kinds pass through unchanged.
func Normalize(typ Type, raw any, personID *int64) any {
	switch typ {
	case TypeCheckbox:
		s, ok := raw.(string)
		return ok && s == "1"
	case TypeDate:
		if raw == nil || raw == "" {
			return nil
		}
		return raw
	case TypeDropdown, TypeMultiselect:
		if raw == nil || raw == "" {
			return ""
		}
		return raw
	case TypePerson:
		if personID == nil {
			return nil
		}
		return []PersonRef{{
			ID:   *personID,
			Type: "Person",
			Href: fmt.Sprintf("/api/people/%d", *personID),
		}}
	default:
		return raw
	}
}

// DecodeMultiChoice splits the comma-joined option labels and their
// positional mandatory flags. The fold runs over the flag list and
// indexes into the label list, so labels past the end of the flag list
// get no config entry and repeated labels keep the last flag written.
func DecodeMultiChoice(options, mandatory any) MultiChoice {
	values := splitChoices(options)
	flags := splitChoices(mandatory)
	config := make(map[string]int, len(flags))
	for i, flag := range flags {
		if i >= len(values) {
			break
		}
		config[values[i]] = flagBit(flag)
	}
	return MultiChoice{Values: values, Config: config}
}

// splitChoices treats anything but a non-empty string as empty.
func splitChoices(raw any) []string {
	s, ok := raw.(string)
	if !ok || s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func flagBit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n == 0 {
		return 0
	}
	return 1
}

func errorsFrom(tags []string) ErrorsMap {
	var m ErrorsMap
	for _, tag := range tags {
		switch tag {
		case FailEvidence:
			m.File = true
		case FailURL:
			m.URL = true
		case FailComment:
			m.Comment = true
		}
	}
	return m
}
