package db

import (
	"encoding/json"
	"fmt"

	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
)

// Rows keep the filterable fields in columns and the full entity as a JSON
// document in data.

type jobRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	Status    string `db:"status"`
	Priority  string `db:"priority"`
	PrinterID string `db:"printer_id"`
	BatchID   string `db:"batch_id"`
	Data      []byte `db:"data"`
}

func newJobRow(j *core.Job) (*jobRow, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", j.ID, err)
	}
	printer := j.PrinterID
	if printer == "" {
		printer = j.RequestedPrinterID
	}
	return &jobRow{
		ID:        j.ID,
		Status:    string(j.Status),
		Priority:  string(j.Priority),
		PrinterID: printer,
		BatchID:   j.BatchID,
		Data:      data,
	}, nil
}

func (r *jobRow) job() (*core.Job, error) {
	var j core.Job
	if err := json.Unmarshal(r.Data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", r.ID, err)
	}
	return &j, nil
}

type printerRow struct {
	ID     string `db:"id"`
	Status string `db:"status"`
	Data   []byte `db:"data"`
}

func newPrinterRow(p *core.Printer) (*printerRow, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode printer %s: %w", p.ID, err)
	}
	return &printerRow{ID: p.ID, Status: string(p.Status), Data: data}, nil
}

func (r *printerRow) printer() (*core.Printer, error) {
	var p core.Printer
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode printer %s: %w", r.ID, err)
	}
	return &p, nil
}

type ruleRow struct {
	Seq     int64  `db:"seq"`
	ID      string `db:"id"`
	Active  bool   `db:"active"`
	Version int    `db:"version"`
	Data    []byte `db:"data"`
}

func newRuleRow(r *rules.Rule) (*ruleRow, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
	}
	return &ruleRow{ID: r.ID, Active: r.Active, Version: r.Version, Data: data}, nil
}

func decodeRule(data []byte) (*rules.Rule, error) {
	var r rules.Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return &r, nil
}
