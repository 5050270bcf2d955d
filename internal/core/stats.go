package core

import (
	"context"
	"fmt"
	"math"
	"time"
)

const statsWindow = 24 * time.Hour

type PrinterUtilization struct {
	PrinterID     string        `json:"printer_id"`
	Status        PrinterState  `json:"status"`
	CompletedJobs int           `json:"completed_jobs"`
	BusyTime      time.Duration `json:"busy_time"`
	Utilization   float64       `json:"utilization"`
}

type Statistics struct {
	Total              int                  `json:"total"`
	ByStatus           map[JobStatus]int    `json:"by_status"`
	ByPriority         map[Priority]int     `json:"by_priority"`
	AverageWaitTime    time.Duration        `json:"average_wait_time"`
	AverageProcessTime time.Duration        `json:"average_process_time"`
	ErrorRate          float64              `json:"error_rate"`
	ThroughputPerHour  float64              `json:"throughput_per_hour"`
	Printers           []PrinterUtilization `json:"printers"`
	GeneratedAt        time.Time            `json:"generated_at"`
}

// GetStatistics computes a point-in-time snapshot from the job and printer
// tables.
func (q *Queue) GetStatistics() (*Statistics, error) {
	ctx := context.Background()
	jobs, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	printers, err := q.store.ListPrinters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	return computeStatistics(jobs, printers, q.now()), nil
}

func computeStatistics(jobs []*Job, printers []*Printer, now time.Time) *Statistics {
	stats := &Statistics{
		Total:       len(jobs),
		ByStatus:    make(map[JobStatus]int),
		ByPriority:  make(map[Priority]int),
		GeneratedAt: now,
	}
	for _, s := range JobStatuses {
		if s != JobRetrying {
			stats.ByStatus[s] = 0
		}
	}
	for _, p := range Priorities {
		stats.ByPriority[p] = 0
	}

	since := now.Add(-statsWindow)
	busy := make(map[string]time.Duration)
	done := make(map[string]int)

	var wait, process time.Duration
	var completed, failed, recent int
	for _, j := range jobs {
		stats.ByStatus[j.Status]++
		stats.ByPriority[j.Priority]++

		switch j.Status {
		case JobFailed:
			failed++
		case JobCompleted:
			completed++
			if j.StartedAt != nil {
				wait += j.StartedAt.Sub(j.CreatedAt)
			}
			process += j.ActualDuration
			if j.CompletedAt != nil && j.CompletedAt.After(since) {
				recent++
				busy[j.PrinterID] += j.ActualDuration
				done[j.PrinterID]++
			}
		}
	}

	if completed > 0 {
		stats.AverageWaitTime = wait / time.Duration(completed)
		stats.AverageProcessTime = process / time.Duration(completed)
	}
	if completed+failed > 0 {
		stats.ErrorRate = float64(failed) / float64(completed+failed)
	}
	stats.ThroughputPerHour = float64(recent) / statsWindow.Hours()

	stats.Printers = make([]PrinterUtilization, 0, len(printers))
	for _, p := range printers {
		stats.Printers = append(stats.Printers, PrinterUtilization{
			PrinterID:     p.ID,
			Status:        p.Status,
			CompletedJobs: done[p.ID],
			BusyTime:      busy[p.ID],
			Utilization:   math.Min(float64(busy[p.ID])/float64(statsWindow)*100, 100),
		})
	}
	return stats
}

type QueueStatus struct {
	Running           bool          `json:"running"`
	TotalJobs         int           `json:"total_jobs"`
	ActiveJobs        int           `json:"active_jobs"`
	QueuedJobs        int           `json:"queued_jobs"`
	AvailablePrinters int           `json:"available_printers"`
	BusyPrinters      int           `json:"busy_printers"`
	EstimatedWait     time.Duration `json:"estimated_wait"`
	NextJobID         string        `json:"next_job_id,omitempty"`
}

// Status summarizes current queue load. EstimatedWait spreads the queued
// work over the printers that are online or busy.
func (q *Queue) Status() (*QueueStatus, error) {
	ctx := context.Background()
	jobs, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	printers, err := q.store.ListPrinters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}

	q.mu.Lock()
	st := &QueueStatus{Running: q.running && !q.stopping, ActiveJobs: len(q.inflight)}
	q.mu.Unlock()

	st.TotalJobs = len(jobs)
	var backlog time.Duration
	for _, j := range jobs {
		if j.Status != JobQueued {
			continue
		}
		st.QueuedJobs++
		backlog += j.EstimatedDuration
	}
	if order := q.dispatchOrder(jobs, q.now()); len(order) > 0 {
		st.NextJobID = order[0].ID
	}

	for _, p := range printers {
		switch p.Status {
		case PrinterOnline:
			if p.CurrentJobID == "" {
				st.AvailablePrinters++
			} else {
				st.BusyPrinters++
			}
		case PrinterBusy:
			st.BusyPrinters++
		}
	}
	if workers := st.AvailablePrinters + st.BusyPrinters; workers > 0 {
		st.EstimatedWait = backlog / time.Duration(workers)
	} else {
		st.EstimatedWait = backlog
	}
	return st, nil
}
