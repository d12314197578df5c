package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: time.Now}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026030101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS client_groups (
	id BIGSERIAL PRIMARY KEY,
	uuid TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL DEFAULT '',
	cnpj TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	ai_user BOOLEAN NOT NULL DEFAULT FALSE,
	ai_plan_type TEXT NOT NULL DEFAULT '',
	codigo_suporte TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	last_mail_read TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'NOT_PROCESSING',
	updated_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS companies (
	id BIGSERIAL PRIMARY KEY,
	uuid TEXT NOT NULL UNIQUE,
	client_group_id BIGINT NOT NULL REFERENCES client_groups(id),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	cnpj TEXT NOT NULL DEFAULT '',
	fantasy_name TEXT NOT NULL DEFAULT '',
	legal_name TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_companies_client_group ON companies(client_group_id);

CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL,
	client_group_id BIGINT NOT NULL REFERENCES client_groups(id),
	company_id BIGINT REFERENCES companies(id),
	file_name TEXT NOT NULL,
	local_path TEXT NOT NULL,
	download_path TEXT NOT NULL DEFAULT '',
	archive_path TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'NOT_PROCESSING',
	expense_type TEXT NOT NULL DEFAULT '',
	text_extracted TEXT NOT NULL DEFAULT '',
	expense_json TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ,
	UNIQUE (client_group_id, message_id, file_name)
);

CREATE INDEX IF NOT EXISTS idx_documents_stage_status ON documents(stage, status, updated_at);
CREATE INDEX IF NOT EXISTS idx_documents_text_hash ON documents(client_group_id, md5(text_extracted));

CREATE TABLE IF NOT EXISTS document_stage_history (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_history_document ON document_stage_history(document_id, stage);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const documentColumns = `id, message_id, client_group_id, company_id, file_name, local_path, download_path, archive_path,
	stage, status, expense_type, text_extracted, expense_json, created_at, updated_at`

// eligibleCondition selects idle rows untouched since $cutoff and rows whose lease started before $lease.
const eligibleCondition = `((status = 'NOT_PROCESSING' AND (updated_at IS NULL OR updated_at < %[1]s))
	OR (status = 'PROCESSING' AND updated_at < %[2]s))`

// Create inserts the document with its initial history. It reports false when the attachment was already ingested.
func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create document tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	err = tx.QueryRowContext(ctx, `
INSERT INTO documents (
	message_id, client_group_id, file_name, local_path, download_path, stage, status, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (client_group_id, message_id, file_name) DO NOTHING
RETURNING id
`,
		doc.MessageID, doc.ClientGroupID, doc.FileName, doc.LocalPath, doc.DownloadPath,
		string(doc.Stage), string(doc.Status), doc.CreatedAt,
	).Scan(&doc.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert document: %w", err)
	}

	for _, entry := range doc.History {
		if err := insertHistory(ctx, tx, doc.ID, entry); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create document tx: %w", err)
	}
	return true, nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id int64) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%d", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	history, err := r.history(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.History = history
	return &doc, nil
}

// FindEligible lists documents ready for a stage job. History is not loaded for list reads.
func (r *DocumentRepository) FindEligible(ctx context.Context, stage domain.Stage, cutoff time.Time, limit int) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + `
FROM documents
WHERE stage = $1 AND ` + fmt.Sprintf(eligibleCondition, "$2", "$2") + `
ORDER BY id
LIMIT $3`
	return r.list(ctx, "find eligible documents", query, string(stage), cutoff, limit)
}

// Claim flips the document to PROCESSING in a single conditional update and returns the lease start.
// The lease start is truncated to the column precision so it can be matched again on release.
func (r *DocumentRepository) Claim(ctx context.Context, id int64, stage domain.Stage, eligibleBefore, leaseExpiredBefore time.Time) (time.Time, bool, error) {
	claimedAt := r.now().UTC().Truncate(time.Microsecond)
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = 'PROCESSING', updated_at = $5
WHERE id = $1 AND stage = $2 AND `+fmt.Sprintf(eligibleCondition, "$3", "$4"),
		id, string(stage), eligibleBefore, leaseExpiredBefore, claimedAt,
	)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("claim document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("claim document rows affected: %w", err)
	}
	if rows != 1 {
		return time.Time{}, false, nil
	}
	return claimedAt, true, nil
}

// Release clears the claim only while the row still carries the caller's lease.
// It reports false when another worker has taken the document over or moved it on.
func (r *DocumentRepository) Release(ctx context.Context, id int64, claimedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = 'NOT_PROCESSING'
WHERE id = $1 AND status = 'PROCESSING' AND updated_at = $2
`, id, claimedAt)
	if err != nil {
		return false, fmt.Errorf("release document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release document rows affected: %w", err)
	}
	return rows == 1, nil
}

// SetStatus writes the claim flag only. updated_at keeps the claim time so failures wait out the retry delay.
func (r *DocumentRepository) SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $2
WHERE id = $1
`, id, string(status))
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document status rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document status", fmt.Errorf("id=%d", id))
	}
	return nil
}

// ChangeStage stores the document's mutable fields and new stage and appends the history entry in one transaction.
// The claim ends with the write and updated_at is cleared so the next stage job picks the document up at once.
// A document holding a lease is only moved while the row still carries that lease.
func (r *DocumentRepository) ChangeStage(ctx context.Context, doc *domain.Document, from domain.Stage, entry domain.StageHistoryEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin change stage tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var companyID sql.NullInt64
	if doc.CompanyID != nil {
		companyID = sql.NullInt64{Int64: *doc.CompanyID, Valid: true}
	}
	query := `
UPDATE documents
SET stage = $3, company_id = $4, archive_path = $5, expense_type = $6, text_extracted = $7, expense_json = $8,
	status = 'NOT_PROCESSING', updated_at = NULL
WHERE id = $1 AND stage = $2`
	args := []any{
		doc.ID, string(from), string(doc.Stage), companyID, doc.ArchivePath,
		string(doc.ExpenseType), doc.TextExtracted, doc.ExpenseJSON,
	}
	if lease, ok := doc.Lease(); ok {
		query += ` AND status = 'PROCESSING' AND updated_at = $9`
		args = append(args, lease)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document stage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document stage rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrConflict, "change stage",
			fmt.Errorf("document %d is no longer in stage %s under this claim", doc.ID, from))
	}

	if err := insertHistory(ctx, tx, doc.ID, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit change stage tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) AppendHistory(ctx context.Context, id int64, entry domain.StageHistoryEntry) error {
	return insertHistory(ctx, r.db, id, entry)
}

// ExistsWithText reports whether another document of the client group carries the same extracted text.
func (r *DocumentRepository) ExistsWithText(ctx context.Context, clientGroupID int64, text string, excludeID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM documents
	WHERE client_group_id = $1 AND md5(text_extracted) = md5($2) AND text_extracted = $2 AND id <> $3
)
`, clientGroupID, text, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate text: %w", err)
	}
	return exists, nil
}

func (r *DocumentRepository) ListByStages(ctx context.Context, stages []domain.Stage, limit int) ([]domain.Document, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	in, args := stageList(stages, 1)
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s
FROM documents
WHERE stage IN (%s)
ORDER BY id DESC
LIMIT $%d`, documentColumns, in, len(args))
	return r.list(ctx, "list documents by stage", query, args...)
}

// ListDownloadCleanup lists documents whose mailbox copy is still present and no longer needed.
func (r *DocumentRepository) ListDownloadCleanup(ctx context.Context, excluded []domain.Stage, limit int) ([]domain.Document, error) {
	args := []any{string(domain.StageDeletedFromDownload)}
	condition := ""
	if len(excluded) > 0 {
		in, stageArgs := stageList(excluded, 2)
		condition = fmt.Sprintf("AND d.stage NOT IN (%s)\n", in)
		args = append(args, stageArgs...)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s
FROM documents d
WHERE d.download_path <> ''
%sAND NOT EXISTS (
	SELECT 1 FROM document_stage_history h
	WHERE h.document_id = d.id AND h.stage = $1
)
ORDER BY d.id
LIMIT $%d`, prefixColumns("d", documentColumns), condition, len(args))
	return r.list(ctx, "list download cleanup", query, args...)
}

func (r *DocumentRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return out, nil
}

func (r *DocumentRepository) history(ctx context.Context, id int64) ([]domain.StageHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT stage, at
FROM document_stage_history
WHERE document_id = $1
ORDER BY id
`, id)
	if err != nil {
		return nil, fmt.Errorf("load stage history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StageHistoryEntry, 0)
	for rows.Next() {
		var entry domain.StageHistoryEntry
		var stage string
		if err := rows.Scan(&stage, &entry.At); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		entry.Stage = domain.Stage(stage)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage history: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertHistory(ctx context.Context, db execer, documentID int64, entry domain.StageHistoryEntry) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO document_stage_history (document_id, stage, at)
VALUES ($1,$2,$3)
`, documentID, string(entry.Stage), entry.At)
	if err != nil {
		return fmt.Errorf("insert stage history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	var companyID sql.NullInt64
	var updatedAt sql.NullTime
	var stage, status, expenseType string
	err := row.Scan(
		&doc.ID,
		&doc.MessageID,
		&doc.ClientGroupID,
		&companyID,
		&doc.FileName,
		&doc.LocalPath,
		&doc.DownloadPath,
		&doc.ArchivePath,
		&stage,
		&status,
		&expenseType,
		&doc.TextExtracted,
		&doc.ExpenseJSON,
		&doc.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Document{}, err
	}
	if companyID.Valid {
		id := companyID.Int64
		doc.CompanyID = &id
	}
	if updatedAt.Valid {
		at := updatedAt.Time
		doc.UpdatedAt = &at
	}
	doc.Stage = domain.Stage(stage)
	doc.Status = domain.ProcessingStatus(status)
	doc.ExpenseType = domain.ExpenseType(expenseType)
	return doc, nil
}

// stageList renders numbered placeholders starting at $start.
func stageList(stages []domain.Stage, start int) (string, []any) {
	placeholders := make([]string, 0, len(stages))
	args := make([]any, 0, len(stages))
	for i, stage := range stages {
		placeholders = append(placeholders, fmt.Sprintf("$%d", start+i))
		args = append(args, string(stage))
	}
	return strings.Join(placeholders, ","), args
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
