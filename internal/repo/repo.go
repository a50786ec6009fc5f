package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulkgrid/internal/config"
	"bulkgrid/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- audits ---

func scanAudit(row *sql.Row) (domain.Audit, error) {
	var a domain.Audit
	var desc sql.NullString
	err := row.Scan(&a.ID, &a.Title, &a.Status, &desc, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if desc.Valid {
		a.Description = desc.String
	}
	return a, err
}

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.Audit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audits(id,title,status,description,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Title, a.Status, nullable(a.Description), a.CreatedAt)
	return err
}

func (r Repo) GetAudit(ctx context.Context, id string) (domain.Audit, error) {
	return scanAudit(r.DB.QueryRowContext(ctx, `SELECT id,title,status,description,created_at FROM audits WHERE id=?`, id))
}

func (r Repo) SingleAudit(ctx context.Context) (domain.Audit, error) {
	audits, err := r.ListAudits(ctx)
	if err != nil {
		return domain.Audit{}, err
	}
	if len(audits) == 0 {
		return domain.Audit{}, ErrNotFound
	}
	if len(audits) > 1 {
		return domain.Audit{}, fmt.Errorf("multiple audits exist; specify --audit")
	}
	return audits[0], nil
}

func (r Repo) ListAudits(ctx context.Context) ([]domain.Audit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,status,COALESCE(description,'') AS description,created_at FROM audits ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Audit
	for rows.Next() {
		var a domain.Audit
		if err := rows.Scan(&a.ID, &a.Title, &a.Status, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAudit(ctx context.Context, id, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE audits SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAudit(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM audits WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- assessments ---

const assessmentCols = `id,audit_id,slug,title,status,type,created_at,updated_at`

func scanAssessment(row *sql.Row) (domain.Assessment, error) {
	var a domain.Assessment
	err := row.Scan(&a.ID, &a.AuditID, &a.Slug, &a.Title, &a.Status, &a.Type, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO assessments(audit_id,slug,title,status,type,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.AuditID, a.Slug, a.Title, a.Status, a.Type, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAssessment(ctx context.Context, id int64) (domain.Assessment, error) {
	return scanAssessment(r.DB.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM assessments WHERE id=?`, id))
}

func (r Repo) GetAssessmentBySlug(ctx context.Context, slug string) (domain.Assessment, error) {
	return scanAssessment(r.DB.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM assessments WHERE slug=?`, slug))
}

// OrderClause orders by one column, optionally descending.
type OrderClause struct {
	Name string
	Desc bool
}

// AssessmentQuery filters and orders an audit's assessments.
type AssessmentQuery struct {
	Statuses []string
	Types    []string
	Order    []OrderClause
}

var orderColumns = map[string]string{
	"id":         "id",
	"title":      "title",
	"status":     "status",
	"created_at": "created_at",
}

func (r Repo) ListAssessments(ctx context.Context, auditID string, q AssessmentQuery) ([]domain.Assessment, error) {
	clauses := []string{"audit_id=?"}
	args := []any{auditID}
	if len(q.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, s)
		}
	}
	if len(q.Types) > 0 {
		clauses = append(clauses, "type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	var order []string
	for _, oc := range q.Order {
		col, ok := orderColumns[oc.Name]
		if !ok {
			return nil, fmt.Errorf("cannot order by %q", oc.Name)
		}
		dir := "ASC"
		if oc.Desc {
			dir = "DESC"
		}
		order = append(order, col+" "+dir)
	}
	order = append(order, "id ASC")
	query := `SELECT ` + assessmentCols + ` FROM assessments WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY ` + strings.Join(order, ", ")
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		var a domain.Assessment
		if err := rows.Scan(&a.ID, &a.AuditID, &a.Slug, &a.Title, &a.Status, &a.Type, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET title=?,status=?,type=?,updated_at=? WHERE id=?`,
		a.Title, a.Status, a.Type, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountAssessmentsByStatus(ctx context.Context, auditID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM assessments WHERE audit_id=? GROUP BY status`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- audit configs ---

func (r Repo) UpsertAuditConfig(ctx context.Context, auditID string, cfg *config.Config) error {
	return upsertAuditConfig(ctx, r.DB, nil, auditID, cfg)
}

func (r Repo) UpsertAuditConfigTx(ctx context.Context, tx *sql.Tx, auditID string, cfg *config.Config) error {
	return upsertAuditConfig(ctx, nil, tx, auditID, cfg)
}

func upsertAuditConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, auditID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Audit.ID = auditID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO audit_configs(audit_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(audit_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, auditID, string(payload), now, now)
	return err
}

func (r Repo) GetAuditConfig(ctx context.Context, auditID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM audit_configs WHERE audit_id=?`, auditID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Audit.ID == "" {
		cfg.Audit.ID = auditID
	}
	return &cfg, cfg.Validate()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
