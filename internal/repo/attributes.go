package repo

import (
	"context"
	"database/sql"

	"bulkgrid/internal/domain"
)

const definitionCols = `id,assessment_id,title,type,mandatory,default_value,multi_choice_options,multi_choice_mandatory,created_at`

func scanDefinition(scan func(dest ...any) error) (domain.AttributeDefinition, error) {
	var d domain.AttributeDefinition
	var mandatory int
	var def, opts, optsMandatory sql.NullString
	err := scan(&d.ID, &d.AssessmentID, &d.Title, &d.Type, &mandatory, &def, &opts, &optsMandatory, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Mandatory = mandatory != 0
	if def.Valid {
		d.DefaultValue = &def.String
	}
	if opts.Valid {
		d.MultiChoiceOptions = &opts.String
	}
	if optsMandatory.Valid {
		d.MultiChoiceMandatory = &optsMandatory.String
	}
	return d, nil
}

func (r Repo) InsertDefinition(ctx context.Context, tx *sql.Tx, d domain.AttributeDefinition) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO attribute_definitions(assessment_id,title,type,mandatory,default_value,multi_choice_options,multi_choice_mandatory,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		d.AssessmentID, d.Title, d.Type, boolInt(d.Mandatory), nullableStr(d.DefaultValue), nullableStr(d.MultiChoiceOptions), nullableStr(d.MultiChoiceMandatory), d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDefinition(ctx context.Context, id int64) (domain.AttributeDefinition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+definitionCols+` FROM attribute_definitions WHERE id=?`, id)
	return scanDefinition(row.Scan)
}

func (r Repo) ListDefinitionsByAssessment(ctx context.Context, assessmentID int64) ([]domain.AttributeDefinition, error) {
	return r.listDefinitions(ctx, `SELECT `+definitionCols+` FROM attribute_definitions WHERE assessment_id=? ORDER BY id`, assessmentID)
}

// ListDefinitionsByAudit returns every local definition under an audit
// in creation order, which is also the column grouping order.
func (r Repo) ListDefinitionsByAudit(ctx context.Context, auditID string) ([]domain.AttributeDefinition, error) {
	return r.listDefinitions(ctx, `SELECT d.id,d.assessment_id,d.title,d.type,d.mandatory,d.default_value,d.multi_choice_options,d.multi_choice_mandatory,d.created_at
FROM attribute_definitions d JOIN assessments a ON a.id=d.assessment_id WHERE a.audit_id=? ORDER BY d.id`, auditID)
}

func (r Repo) listDefinitions(ctx context.Context, query string, args ...any) ([]domain.AttributeDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AttributeDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- attribute values ---

func scanValue(scan func(dest ...any) error) (domain.AttributeValue, error) {
	var v domain.AttributeValue
	var value sql.NullString
	var person sql.NullInt64
	err := scan(&v.ID, &v.DefinitionID, &v.AssessmentID, &value, &person, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if value.Valid {
		v.Value = &value.String
	}
	if person.Valid {
		v.PersonID = &person.Int64
	}
	return v, nil
}

func (r Repo) UpsertValue(ctx context.Context, tx *sql.Tx, v domain.AttributeValue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attribute_values(definition_id,assessment_id,value,person_id,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(definition_id, assessment_id) DO UPDATE SET value=excluded.value, person_id=excluded.person_id, updated_at=excluded.updated_at`,
		v.DefinitionID, v.AssessmentID, nullableStr(v.Value), nullableInt(v.PersonID), v.UpdatedAt)
	return err
}

func (r Repo) GetValue(ctx context.Context, definitionID int64) (domain.AttributeValue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,definition_id,assessment_id,value,person_id,updated_at FROM attribute_values WHERE definition_id=?`, definitionID)
	return scanValue(row.Scan)
}

// ValuesByDefinition returns the audit's values keyed by definition id.
func (r Repo) ValuesByDefinition(ctx context.Context, auditID string) (map[int64]domain.AttributeValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT v.id,v.definition_id,v.assessment_id,v.value,v.person_id,v.updated_at
FROM attribute_values v JOIN assessments a ON a.id=v.assessment_id WHERE a.audit_id=?`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]domain.AttributeValue{}
	for rows.Next() {
		v, err := scanValue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[v.DefinitionID] = v
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
