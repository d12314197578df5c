package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type ClientGroupRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewClientGroupRepository(db *sql.DB) *ClientGroupRepository {
	return &ClientGroupRepository{db: db, now: time.Now}
}

const clientGroupColumns = `id, uuid, username, cnpj, token, ai_user, ai_plan_type, codigo_suporte, email,
	last_mail_read, status, updated_at`

func (r *ClientGroupRepository) GetByID(ctx context.Context, id int64) (*domain.ClientGroup, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clientGroupColumns+`
FROM client_groups
WHERE id = $1
`, id)
	return r.get(row, fmt.Sprintf("id=%d", id))
}

func (r *ClientGroupRepository) GetByUUID(ctx context.Context, uuid string) (*domain.ClientGroup, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clientGroupColumns+`
FROM client_groups
WHERE uuid = $1
`, uuid)
	return r.get(row, "uuid="+uuid)
}

func (r *ClientGroupRepository) get(row *sql.Row, key string) (*domain.ClientGroup, error) {
	group, err := scanClientGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrClientGroupNotFound, "get client group", errors.New(key))
		}
		return nil, fmt.Errorf("scan client group: %w", err)
	}
	return &group, nil
}

// Upsert writes the fields owned by the payment system. Claim state, token and mailbox watermark are kept.
func (r *ClientGroupRepository) Upsert(ctx context.Context, group *domain.ClientGroup) error {
	err := r.db.QueryRowContext(ctx, `
INSERT INTO client_groups (uuid, username, cnpj, ai_user, ai_plan_type, codigo_suporte, email, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (uuid) DO UPDATE
SET username = EXCLUDED.username,
	cnpj = EXCLUDED.cnpj,
	ai_user = EXCLUDED.ai_user,
	ai_plan_type = EXCLUDED.ai_plan_type,
	codigo_suporte = EXCLUDED.codigo_suporte,
	email = EXCLUDED.email
RETURNING id
`,
		group.UUID, group.Username, group.CNPJ, group.AIUser, string(group.AIPlan),
		group.SupportCode, group.Email, string(group.Status),
	).Scan(&group.ID)
	if err != nil {
		return fmt.Errorf("upsert client group: %w", err)
	}
	return nil
}

// CountProcessing counts client groups under an active lease.
func (r *ClientGroupRepository) CountProcessing(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM client_groups
WHERE status = 'PROCESSING' AND updated_at >= $1
`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processing client groups: %w", err)
	}
	return n, nil
}

// FindEligible lists groups whose mailbox is due, least recently read first.
func (r *ClientGroupRepository) FindEligible(ctx context.Context, cutoff time.Time, limit int) ([]domain.ClientGroup, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+clientGroupColumns+`
FROM client_groups
WHERE `+fmt.Sprintf(eligibleCondition, "$1", "$1")+`
ORDER BY last_mail_read NULLS FIRST, id
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find eligible client groups: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ClientGroup, 0)
	for rows.Next() {
		group, err := scanClientGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client group: %w", err)
		}
		out = append(out, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client groups: %w", err)
	}
	return out, nil
}

func (r *ClientGroupRepository) Claim(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
UPDATE client_groups
SET status = 'PROCESSING', updated_at = $3
WHERE id = $1 AND `+fmt.Sprintf(eligibleCondition, "$2", "$2"),
		id, cutoff, r.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim client group: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim client group rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *ClientGroupRepository) SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus) error {
	return r.update(ctx, "update client group status", `UPDATE client_groups SET status = $2 WHERE id = $1`, id, string(status))
}

func (r *ClientGroupRepository) UpdateLastMailRead(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, "update last mail read", `UPDATE client_groups SET last_mail_read = $2 WHERE id = $1`, id, at)
}

func (r *ClientGroupRepository) SaveToken(ctx context.Context, id int64, token string) error {
	return r.update(ctx, "save client group token", `UPDATE client_groups SET token = $2 WHERE id = $1`, id, token)
}

func (r *ClientGroupRepository) update(ctx context.Context, op, query string, id int64, value any) error {
	result, err := r.db.ExecContext(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrClientGroupNotFound, op, fmt.Errorf("id=%d", id))
	}
	return nil
}

func scanClientGroup(row rowScanner) (domain.ClientGroup, error) {
	var group domain.ClientGroup
	var lastMailRead, updatedAt sql.NullTime
	var plan, status string
	err := row.Scan(
		&group.ID,
		&group.UUID,
		&group.Username,
		&group.CNPJ,
		&group.Token,
		&group.AIUser,
		&plan,
		&group.SupportCode,
		&group.Email,
		&lastMailRead,
		&status,
		&updatedAt,
	)
	if err != nil {
		return domain.ClientGroup{}, err
	}
	if lastMailRead.Valid {
		at := lastMailRead.Time
		group.LastMailRead = &at
	}
	if updatedAt.Valid {
		at := updatedAt.Time
		group.UpdatedAt = &at
	}
	group.AIPlan = domain.AIPlanType(plan)
	group.Status = domain.ProcessingStatus(status)
	return group, nil
}
