package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/orrn/labelpress/internal/core"
)

// Store persists jobs and printers. It implements core.Store.
type Store struct {
	db *DB
}

func NewStore(d *DB) *Store {
	return &Store{db: d}
}

var _ core.Store = (*Store)(nil)

func (s *Store) SaveJob(ctx context.Context, job *core.Job) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, UpsertJob, row); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, GetJobByID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.job()
}

func (s *Store) ListJobs(ctx context.Context) ([]*core.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, ListJobs); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs(rows)
}

func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...core.JobStatus) ([]*core.Job, error) {
	if len(statuses) == 0 {
		return s.ListJobs(ctx)
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query, args, err := sqlx.In(ListJobsByStatus, names)
	if err != nil {
		return nil, fmt.Errorf("failed to build job query: %w", err)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return jobs(rows)
}

func jobs(rows []jobRow) ([]*core.Job, error) {
	out := make([]*core.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].job()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, DeleteJob, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Store) SavePrinter(ctx context.Context, p *core.Printer) error {
	row, err := newPrinterRow(p)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, UpsertPrinter, row); err != nil {
		return fmt.Errorf("failed to save printer: %w", err)
	}
	return nil
}

func (s *Store) GetPrinter(ctx context.Context, id string) (*core.Printer, error) {
	var row printerRow
	if err := s.db.GetContext(ctx, &row, GetPrinterByID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrPrinterNotFound
		}
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	return row.printer()
}

func (s *Store) ListPrinters(ctx context.Context) ([]*core.Printer, error) {
	var rows []printerRow
	if err := s.db.SelectContext(ctx, &rows, ListPrinters); err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	out := make([]*core.Printer, 0, len(rows))
	for i := range rows {
		p, err := rows[i].printer()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) DeletePrinter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, DeletePrinter, id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrPrinterNotFound
	}
	return nil
}
