package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type CompanyRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCompanyRepository(db *sql.DB) *CompanyRepository {
	return &CompanyRepository{db: db, now: time.Now}
}

const companyColumns = `id, uuid, client_group_id, active, cnpj, fantasy_name, legal_name, updated_at`

// ListByClientGroup returns the active companies of a client group in insertion order.
func (r *CompanyRepository) ListByClientGroup(ctx context.Context, clientGroupID int64) ([]domain.Company, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+companyColumns+`
FROM companies
WHERE client_group_id = $1 AND active
ORDER BY id
`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Company, 0)
	for rows.Next() {
		company, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out = append(out, company)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate companies: %w", err)
	}
	return out, nil
}

func (r *CompanyRepository) GetByUUID(ctx context.Context, uuid string) (*domain.Company, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+companyColumns+`
FROM companies
WHERE uuid = $1
`, uuid)
	company, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrCompanyNotFound, "get company", fmt.Errorf("uuid=%s", uuid))
		}
		return nil, fmt.Errorf("scan company: %w", err)
	}
	return &company, nil
}

func (r *CompanyRepository) Upsert(ctx context.Context, company *domain.Company) error {
	now := r.now().UTC()
	err := r.db.QueryRowContext(ctx, `
INSERT INTO companies (uuid, client_group_id, active, cnpj, fantasy_name, legal_name, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (uuid) DO UPDATE
SET client_group_id = EXCLUDED.client_group_id,
	active = EXCLUDED.active,
	cnpj = EXCLUDED.cnpj,
	fantasy_name = EXCLUDED.fantasy_name,
	legal_name = EXCLUDED.legal_name,
	updated_at = EXCLUDED.updated_at
RETURNING id
`,
		company.UUID, company.ClientGroupID, company.Active, company.CNPJ,
		company.FantasyName, company.LegalName, now,
	).Scan(&company.ID)
	if err != nil {
		return fmt.Errorf("upsert company: %w", err)
	}
	company.UpdatedAt = &now
	return nil
}

func (r *CompanyRepository) SetActive(ctx context.Context, uuid string, active bool) (*domain.Company, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE companies
SET active = $2, updated_at = $3
WHERE uuid = $1
RETURNING `+companyColumns, uuid, active, r.now().UTC())
	company, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrCompanyNotFound, "set company active", fmt.Errorf("uuid=%s", uuid))
		}
		return nil, fmt.Errorf("set company active: %w", err)
	}
	return &company, nil
}

func scanCompany(row rowScanner) (domain.Company, error) {
	var company domain.Company
	var updatedAt sql.NullTime
	err := row.Scan(
		&company.ID,
		&company.UUID,
		&company.ClientGroupID,
		&company.Active,
		&company.CNPJ,
		&company.FantasyName,
		&company.LegalName,
		&updatedAt,
	)
	if err != nil {
		return domain.Company{}, err
	}
	if updatedAt.Valid {
		at := updatedAt.Time
		company.UpdatedAt = &at
	}
	return company, nil
}
