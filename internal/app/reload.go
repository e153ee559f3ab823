package app

import (
	"context"
	"strings"

	"claimbot/internal/config"
	"claimbot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies the reloadable sections. The rest is logged as
// needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.Diff(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)

	a.logs.Apply(mapLogConfig(newCfg))
	a.reporter.Apply(mapSummaryConfig(newCfg))

	// delivery keeps its boot settings until restart; only the channel moves
	dc := a.delivCfg
	dc.Channel = resultsTarget(newCfg)
	a.deliv.Apply(dc)

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if err := a.sched.Replace(mapSchedules(newCfg), a.scheduledClaim); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}

	if restart {
		a.log.Warn("config sections changed that need a restart", logx.String("changed", changed))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)
}
