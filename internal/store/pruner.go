package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Pruner deletes journal entries past their retention on a cron schedule.
type Pruner struct {
	store         *Store
	retentionDays int
	schedule      string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPruner creates a pruner. schedule uses standard cron syntax or a
// descriptor such as "@daily".
func NewPruner(st *Store, retentionDays int, schedule string) *Pruner {
	return &Pruner{
		store:         st,
		retentionDays: retentionDays,
		schedule:      schedule,
		cron:          cron.New(),
	}
}

// Start schedules pruning and returns immediately. The scheduler stops when
// ctx is cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if _, err := p.cron.AddFunc(p.schedule, func() { p.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("store: schedule pruning %q: %w", p.schedule, err)
	}
	p.cron.Start()
	p.running = true

	log.Info().
		Str("schedule", p.schedule).
		Int("retention_days", p.retentionDays).
		Msg("journal pruner started")

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// RunOnce prunes immediately and returns the number of rows deleted.
func (p *Pruner) RunOnce(ctx context.Context) int64 {
	start := time.Now()
	deleted, err := p.store.Prune(ctx, p.retentionDays)
	if err != nil {
		log.Error().Err(err).Msg("journal pruning failed")
		return 0
	}
	log.Debug().Int64("deleted", deleted).Dur("took", time.Since(start)).Msg("journal pruned")
	return deleted
}

// Stop stops the scheduler and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
	log.Info().Msg("journal pruner stopped")
}

// NextRun returns the next scheduled prune, or the zero time if the pruner
// is not running.
func (p *Pruner) NextRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return time.Time{}
	}
	entries := p.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
