package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

var companyRowColumns = []string{"id", "uuid", "client_group_id", "active", "cnpj", "fantasy_name", "legal_name", "updated_at"}

func newCompanyRepoWithMock(t *testing.T) (*CompanyRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	repo := NewCompanyRepository(db)
	repo.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return repo, mock, func() { _ = db.Close() }
}

func TestListByClientGroupReturnsActiveCompanies(t *testing.T) {
	repo, mock, done := newCompanyRepoWithMock(t)
	defer done()

	mock.ExpectQuery("WHERE client_group_id = \\$1 AND active").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(companyRowColumns).
			AddRow(int64(1), "c-1", int64(3), true, "12345678000199", "Loja", "Loja LTDA", nil).
			AddRow(int64(2), "c-2", int64(3), true, "98765432000100", "", "Outra SA", time.Now()))

	companies, err := repo.ListByClientGroup(context.Background(), 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(companies) != 2 || companies[0].UUID != "c-1" || companies[0].UpdatedAt != nil || companies[1].UpdatedAt == nil {
		t.Fatalf("unexpected companies %+v", companies)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetActiveReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newCompanyRepoWithMock(t)
	defer done()

	mock.ExpectQuery("UPDATE companies").
		WithArgs("missing", false, repo.now().UTC()).
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.SetActive(context.Background(), "missing", false); !domain.IsKind(err, domain.ErrCompanyNotFound) {
		t.Fatalf("expected ErrCompanyNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompanyUpsertAssignsID(t *testing.T) {
	repo, mock, done := newCompanyRepoWithMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO companies").
		WithArgs("c-9", int64(3), true, "123", "Loja", "", repo.now().UTC()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	company := &domain.Company{UUID: "c-9", ClientGroupID: 3, Active: true, CNPJ: "123", FantasyName: "Loja"}
	if err := repo.Upsert(context.Background(), company); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if company.ID != 9 || company.UpdatedAt == nil {
		t.Fatalf("unexpected company %+v", company)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
