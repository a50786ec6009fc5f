package repo

import (
	"context"
	"database/sql"
	"strings"

	"bulkgrid/internal/domain"
)

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, e domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(id,assessment_id,kind,title,link,created_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.AssessmentID, e.Kind, nullable(e.Title), e.Link, e.CreatedAt)
	return err
}

func (r Repo) ListEvidence(ctx context.Context, assessmentID int64) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,assessment_id,kind,COALESCE(title,''),link,created_at FROM evidence WHERE assessment_id=? ORDER BY created_at, id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var e domain.Evidence
		if err := rows.Scan(&e.ID, &e.AssessmentID, &e.Kind, &e.Title, &e.Link, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EvidenceCount holds evidence totals per kind for one assessment.
type EvidenceCount struct {
	URLs  int
	Files int
}

func (r Repo) EvidenceCounts(ctx context.Context, auditID string) (map[int64]EvidenceCount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT e.assessment_id, e.kind, COUNT(*)
FROM evidence e JOIN assessments a ON a.id=e.assessment_id WHERE a.audit_id=? GROUP BY e.assessment_id, e.kind`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[int64]EvidenceCount{}
	for rows.Next() {
		var id int64
		var kind string
		var n int
		if err := rows.Scan(&id, &kind, &n); err != nil {
			return nil, err
		}
		c := counts[id]
		switch kind {
		case "url":
			c.URLs = n
		case "file":
			c.Files = n
		}
		counts[id] = c
	}
	return counts, rows.Err()
}

// --- comments ---

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,assessment_id,definition_id,text,actor_id,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.AssessmentID, nullableInt(c.DefinitionID), c.Text, c.ActorID, c.CreatedAt)
	return err
}

func (r Repo) ListComments(ctx context.Context, assessmentID int64) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,assessment_id,definition_id,text,actor_id,created_at FROM comments WHERE assessment_id=? ORDER BY created_at, id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		var def sql.NullInt64
		if err := rows.Scan(&c.ID, &c.AssessmentID, &def, &c.Text, &c.ActorID, &c.CreatedAt); err != nil {
			return nil, err
		}
		if def.Valid {
			c.DefinitionID = &def.Int64
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CommentedDefinitions returns which definitions have at least one
// comment, keyed by definition id, across an audit.
func (r Repo) CommentedDefinitions(ctx context.Context, auditID string) (map[int64]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT c.definition_id
FROM comments c JOIN assessments a ON a.id=c.assessment_id WHERE a.audit_id=? AND c.definition_id IS NOT NULL`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, n int, auditID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if auditID != "" {
		clauses = append(clauses, "audit_id=?")
		args = append(args, auditID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(audit_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AuditID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
