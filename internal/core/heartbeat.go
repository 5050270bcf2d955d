package core

import (
	"context"
	"time"

	"github.com/orrn/labelpress/internal/events"
)

func (q *Queue) monitorHeartbeats() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pcfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if q.pcfg.ProbeConnections {
				q.probePrinters()
			}
			q.CheckHeartbeats()
		}
	}
}

// probePrinters treats a successful connection test as a heartbeat. Probes
// run without the queue lock held.
func (q *Queue) probePrinters() {
	printers, err := q.store.ListPrinters(context.Background())
	if err != nil {
		q.log.Error().Err(err).Msg("heartbeat: failed to list printers")
		return
	}

	for _, p := range printers {
		if p.Status == PrinterMaintenance {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.pcfg.ConnectionTimeout)
		ok := q.transport.TestConnection(ctx, p.ID)
		cancel()
		if !ok {
			q.log.Debug().Str("printer_id", p.ID).Msg("heartbeat probe failed")
			continue
		}
		q.mu.Lock()
		if err := q.heartbeatLocked(p.ID); err != nil {
			q.log.Debug().Err(err).Str("printer_id", p.ID).Msg("heartbeat probe: printer gone")
		}
		q.mu.Unlock()
	}
}

// CheckHeartbeats marks online or busy printers whose last heartbeat is older
// than the timeout as offline. Printers an operator put in maintenance or
// error keep that status. Jobs running on them are left alone.
func (q *Queue) CheckHeartbeats() {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := context.Background()
	printers, err := q.store.ListPrinters(ctx)
	if err != nil {
		q.log.Error().Err(err).Msg("heartbeat: failed to list printers")
		return
	}

	now := q.now()
	for _, p := range printers {
		if p.Status != PrinterOnline && p.Status != PrinterBusy {
			continue
		}
		silent := now.Sub(p.LastHeartbeat)
		if silent <= q.pcfg.HeartbeatTimeout {
			continue
		}

		old := p.Status
		p.Status = PrinterOffline
		if err := q.store.SavePrinter(ctx, p); err != nil {
			q.log.Error().Err(err).Str("printer_id", p.ID).Msg("heartbeat: failed to mark printer offline")
			continue
		}

		q.log.Warn().Str("printer_id", p.ID).Dur("silent_for", silent).Str("current_job_id", p.CurrentJobID).Msg("printer heartbeat timed out")
		q.emit(events.Event{Type: events.PrinterTimeout, PrinterID: p.ID, JobID: p.CurrentJobID, OldStatus: string(old), NewStatus: string(PrinterOffline), Payload: map[string]any{"last_heartbeat": p.LastHeartbeat, "silent_for_ms": silent.Milliseconds()}})
		q.emit(events.Event{Type: events.PrinterStatusUpdated, PrinterID: p.ID, OldStatus: string(old), NewStatus: string(PrinterOffline), Message: "heartbeat timeout"})
	}
}
