package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// RecoveryReport summarizes one Recover pass.
type RecoveryReport struct {
	Rearmed   int
	Fired     int
	Skipped   int
	Stale     int
	Failed    int
	Discarded int
	// Handles holds one handle per re-armed or fired record.
	Handles []*Handle
}

// Recover re-arms every persisted record. Records whose fire time has passed run the fire sequence
// immediately, before Recover returns; records left marked as firing by an interrupted run are
// deleted without firing again. Call it once at start, before serving Schedule/Cancel.
func (p *InProcess) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	recs, err := p.tasks.ListAll(ctx)
	if err != nil {
		return report, errors.Join(ErrStoreUnavailable, err)
	}

	for _, rec := range recs {
		if rec.Firing {
			if _, err := p.tasks.DeleteIf(ctx, rec.SubjectID, rec.TaskID); err != nil {
				log.Error().Err(err).Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Msg("failed to discard interrupted task")
				report.Failed++
				continue
			}
			log.Warn().Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Msg("discarded task interrupted while firing")
			report.Discarded++
			continue
		}

		h := newHandle(rec)
		if rec.Remaining(p.now()) > 0 {
			unlock := p.locks.Lock(rec.SubjectID)
			if cur, ok := p.Handle(rec.SubjectID); ok && cur.Record().TaskID == rec.TaskID {
				unlock()
				continue
			}
			p.arm(rec, h)
			unlock()
			report.Handles = append(report.Handles, h)
			report.Rearmed++
			log.Info().Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Time("fire_at", rec.FireAt).Msg("task re-armed")
			continue
		}

		if !p.enter() {
			h.finish(OutcomeStopped)
			return report, ErrClosed
		}
		report.Handles = append(report.Handles, h)
		o := p.runFire(rec, h)
		p.wg.Done()
		switch o {
		case OutcomeFired:
			report.Fired++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeStale:
			report.Stale++
		default:
			report.Failed++
		}
	}

	log.Info().
		Int("rearmed", report.Rearmed).
		Int("fired", report.Fired).
		Int("skipped", report.Skipped).
		Int("discarded", report.Discarded).
		Int("failed", report.Failed).
		Msg("recovery finished")
	return report, nil
}
