package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"j2", "j1", "j3"} {
		require.NoError(t, s.SaveJob(ctx, &Job{ID: id, Status: JobQueued, LabelItems: []LabelData{{ID: id, Fields: map[string]any{"n": 1}}}}))
	}

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	j.LabelItems[0].Fields["n"] = 99
	j.Status = JobFailed
	again, _ := s.GetJob(ctx, "j1")
	assert.Equal(t, 1, again.LabelItems[0].Fields["n"])
	assert.Equal(t, JobQueued, again.Status)

	require.NoError(t, s.SaveJob(ctx, j))
	all, _ := s.ListJobs(ctx)
	require.Len(t, all, 3)
	assert.Equal(t, "j2", all[0].ID, "creation order survives updates")

	failed, _ := s.ListJobsByStatus(ctx, JobFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "j1", failed[0].ID)

	require.NoError(t, s.DeleteJob(ctx, "j2"))
	assert.ErrorIs(t, s.DeleteJob(ctx, "j2"), ErrJobNotFound)
	_, err = s.GetJob(ctx, "j2")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryStorePrinters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SavePrinter(ctx, &Printer{ID: "zebra", Capabilities: Capabilities{DPI: []int{203}}}))
	require.NoError(t, s.SavePrinter(ctx, &Printer{ID: "argox", LastHeartbeat: time.Now()}))

	list, err := s.ListPrinters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "argox", list[0].ID)

	p, _ := s.GetPrinter(ctx, "zebra")
	p.Capabilities.DPI[0] = 600
	again, _ := s.GetPrinter(ctx, "zebra")
	assert.Equal(t, 203, again.Capabilities.DPI[0])

	require.NoError(t, s.DeletePrinter(ctx, "zebra"))
	assert.ErrorIs(t, s.DeletePrinter(ctx, "zebra"), ErrPrinterNotFound)
}

func TestJobTotalLabels(t *testing.T) {
	j := &Job{LabelItems: []LabelData{{Quantity: 4}, {}, {Quantity: 2}}}
	assert.Equal(t, 7, j.TotalLabels())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)
}
