package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"eva-checkin/internal/common/database"
	"eva-checkin/internal/domain"
)

// querier *sql.DB 与 *sql.Tx 的公共部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner *sql.Row 与 *sql.Rows 的公共部分
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// PostgresStore 基于 PostgreSQL 的 Store 实现
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore 创建 PostgresStore
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// 确保实现了接口
var _ Store = (*PostgresStore)(nil)

// InTx 在一个数据库事务中执行 fn
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, s.db, func(sqlTx *sql.Tx) error {
		return fn(newPgTx(sqlTx))
	})
}

type pgTx struct {
	schedules  *PostgresSchedulesRepository
	persons    *PostgresPersonsRepository
	executions *PostgresExecutionsRepository
	contacts   *PostgresContactsRepository
	incidents  *PostgresIncidentsRepository
}

func newPgTx(q querier) *pgTx {
	return &pgTx{
		schedules:  &PostgresSchedulesRepository{q: q},
		persons:    &PostgresPersonsRepository{q: q},
		executions: &PostgresExecutionsRepository{q: q},
		contacts:   &PostgresContactsRepository{q: q},
		incidents:  &PostgresIncidentsRepository{q: q},
	}
}

func (t *pgTx) Schedules() SchedulesRepository   { return t.schedules }
func (t *pgTx) Persons() PersonsRepository       { return t.persons }
func (t *pgTx) Executions() ExecutionsRepository { return t.executions }
func (t *pgTx) Contacts() ContactsRepository     { return t.contacts }
func (t *pgTx) Incidents() IncidentsRepository   { return t.incidents }

// uniqueViolation PostgreSQL 23505
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// violatedConstraint 违反的约束名；非 pq 错误返回空串
func violatedConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// notFound 将 sql.ErrNoRows 转为 domain.ErrNotFound
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}
