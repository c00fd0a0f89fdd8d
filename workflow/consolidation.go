package workflow

import (
	"context"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/models"
	"github.com/sirupsen/logrus"
)

// SweepStats sums up one consolidation pass.
type SweepStats struct {
	MarkedPartial  int64 `json:"marked_partial"`
	Retried        int   `json:"retried"`
	Merged         int   `json:"merged"`
	StillUnmatched int   `json:"still_unmatched"`
}

const sweepBatchSize = 500

// ConsolidateOnce runs one sweep pass: retire temporary orders that went
// uncorroborated past the horizon, then retry unmatched records that sat out
// the grace period. The retirement clock is time since creation or last
// merge, never the business event time, so late-backfilled files keep their
// full horizon. Records parked behind an open or resolved review-queue entry
// are skipped; only a rejected entry puts its record back into the sweep.
func (e *Engine) ConsolidateOnce(ctx context.Context) (*SweepStats, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Cfg.SweepPassTimeout)
	defer cancel()

	now := time.Now().UTC()
	stats := &SweepStats{}

	retired, err := e.Store.RetireStale(ctx, now.Add(-e.Cfg.ConsolidationHorizon))
	if err != nil {
		return nil, err
	}
	stats.MarkedPartial = retired

	records, err := e.Store.SweepableRecords(ctx, now.Add(-e.Cfg.SweepGracePeriod), sweepBatchSize)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		stats.Retried++
		match, err := e.MatchRecord(ctx, record)
		if err != nil {
			config.LogError(e.Logger, "workflow", "ConsolidateOnce", "rematch record", record.ID, err)
			stats.StillUnmatched++
			continue
		}
		switch match.Operation {
		case models.MatchOperationMerge, models.MatchOperationInsert:
			stats.Merged++
		default:
			stats.StillUnmatched++
		}
	}

	if stats.Retried > 0 || stats.MarkedPartial > 0 {
		e.Logger.WithFields(logrus.Fields{
			"marked_partial":  stats.MarkedPartial,
			"retried":         stats.Retried,
			"merged":          stats.Merged,
			"still_unmatched": stats.StillUnmatched,
		}).Info("consolidation pass finished")
	}
	return stats, nil
}
