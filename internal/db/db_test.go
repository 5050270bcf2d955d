package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
	"github.com/orrn/labelpress/internal/template"
)

func openTemp(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "labelpress.db")
	d, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, path
}

func TestOpenMigratesOnce(t *testing.T) {
	d, path := openTemp(t)
	require.NoError(t, d.HealthCheck(context.Background()))
	require.NoError(t, d.Close())

	// reopening an up-to-date schema is a no-op
	again, err := Open(config.DatabaseConfig{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.Migrate())

	_, err = Open(config.DatabaseConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestStoreJobs(t *testing.T) {
	d, _ := openTemp(t)
	s := NewStore(d)
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"j2", "j1", "j3"} {
		require.NoError(t, s.SaveJob(ctx, &core.Job{
			ID:         id,
			Status:     core.JobQueued,
			Priority:   core.PriorityNormal,
			BatchID:    "b1",
			CreatedAt:  created.Add(time.Duration(i) * time.Second),
			LabelItems: []core.LabelData{{ID: id, Fields: map[string]any{"sku": "S-" + id}, Quantity: 2}},
			Template:   &template.Template{ID: "t1", Size: template.Size{WidthMM: 50, HeightMM: 30, DPI: 203}},
		}))
	}

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "S-j1", j.LabelItems[0].Fields["sku"])
	assert.Equal(t, 2, j.LabelItems[0].Quantity)
	assert.Equal(t, "t1", j.Template.ID)
	assert.True(t, created.Add(time.Second).Equal(j.CreatedAt))

	j.Status = core.JobFailed
	j.ErrorDetails = &core.JobError{Code: core.CodeTransmitFailed, Message: "paper out"}
	require.NoError(t, s.SaveJob(ctx, j))

	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"j2", "j1", "j3"}, []string{all[0].ID, all[1].ID, all[2].ID}, "updates keep insertion order")

	failed, err := s.ListJobsByStatus(ctx, core.JobFailed, core.JobCancelled)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "paper out", failed[0].ErrorDetails.Message)

	queued, err := s.ListJobsByStatus(ctx, core.JobQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	require.NoError(t, s.DeleteJob(ctx, "j2"))
	assert.ErrorIs(t, s.DeleteJob(ctx, "j2"), core.ErrJobNotFound)
	_, err = s.GetJob(ctx, "j2")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestStorePrinters(t *testing.T) {
	d, _ := openTemp(t)
	s := NewStore(d)
	ctx := context.Background()

	require.NoError(t, s.SavePrinter(ctx, &core.Printer{ID: "zebra", Status: core.PrinterOnline,
		Capabilities: core.Capabilities{DPI: []int{203, 300}, Formats: []core.Format{core.FormatZPL}}}))
	require.NoError(t, s.SavePrinter(ctx, &core.Printer{ID: "argox", Status: core.PrinterOffline}))

	p, err := s.GetPrinter(ctx, "zebra")
	require.NoError(t, err)
	assert.Equal(t, []int{203, 300}, p.Capabilities.DPI)

	p.Status = core.PrinterBusy
	p.CurrentJobID = "j1"
	require.NoError(t, s.SavePrinter(ctx, p))

	list, err := s.ListPrinters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "argox", list[0].ID)
	assert.Equal(t, "j1", list[1].CurrentJobID)

	require.NoError(t, s.DeletePrinter(ctx, "zebra"))
	assert.ErrorIs(t, s.DeletePrinter(ctx, "zebra"), core.ErrPrinterNotFound)
	_, err = s.GetPrinter(ctx, "zebra")
	assert.ErrorIs(t, err, core.ErrPrinterNotFound)
}

func TestStoreBacksQueueRecovery(t *testing.T) {
	d, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, NewStore(d).SaveJob(ctx, &core.Job{ID: "mid", Status: core.JobPrinting, Priority: core.PriorityHigh}))
	require.NoError(t, d.Close())

	reopened, err := Open(config.DatabaseConfig{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	jobs, err := NewStore(reopened).ListJobsByStatus(ctx, core.JobPrinting)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.PriorityHigh, jobs[0].Priority)
}

func rule(id string, active bool) *rules.Rule {
	return &rules.Rule{
		ID: id, Name: "rule " + id, Active: active, Priority: 1,
		Conditions: []rules.Condition{{Field: "order.total", Operator: "greater_than", Value: rules.Number(100)}},
		Actions:    []rules.Action{{Type: rules.ActionShow, Target: "premium_badge"}},
	}
}

func TestRuleStore(t *testing.T) {
	d, _ := openTemp(t)
	s := NewRuleStore(d)

	require.NoError(t, s.Add(rule("r1", true)))
	require.NoError(t, s.Add(rule("r2", false)))
	require.NoError(t, s.Add(rule("r3", true)))
	assert.ErrorIs(t, s.Add(rule("r1", true)), rules.ErrRuleExists)

	got, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, rules.And, got.Combinator)
	assert.Equal(t, 100.0, got.Conditions[0].Value.Num())

	active, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "r1", active[0].ID)
	assert.Equal(t, "r3", active[1].ID)

	changed := rule("r1", false)
	changed.Name = "renamed"
	next, err := s.Update(changed)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.True(t, next.UpdatedAt.After(got.UpdatedAt))
	assert.True(t, next.CreatedAt.Equal(got.CreatedAt))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r1", all[0].ID, "updates keep registration order")
	assert.Equal(t, "renamed", all[0].Name)

	active, _ = s.ListActive()
	assert.Len(t, active, 1)

	hist, err := s.History("r1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, "rule r1", hist[0].Name)
	assert.Equal(t, 2, hist[1].Version)

	_, err = s.Update(rule("nope", true))
	assert.ErrorIs(t, err, rules.ErrRuleNotFound)

	require.NoError(t, s.Delete("r1"))
	assert.ErrorIs(t, s.Delete("r1"), rules.ErrRuleNotFound)
	_, err = s.History("r1")
	assert.ErrorIs(t, err, rules.ErrRuleNotFound)

	bad := rule("r9", true)
	bad.Actions = nil
	assert.Error(t, s.Add(bad))
}
