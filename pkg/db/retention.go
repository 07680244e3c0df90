package db

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
)

// Retention periodically purges history older than a fixed age.
type Retention struct {
	store    *Store
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

// NewRetention prepares a purge job. schedule is a standard cron spec or
// a descriptor such as "@daily".
func NewRetention(store *Store, days int, schedule string) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if schedule == "" {
		schedule = "@daily"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return &Retention{
		store:    store,
		maxAge:   time.Duration(days) * 24 * time.Hour,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// RunOnce purges everything older than the retention window.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	n, err := r.store.Purge(ctx, r.now().Add(-r.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("purged %d history entries older than %s", n, r.maxAge)
	}
	return n, nil
}

// Start runs the purge once, then on the schedule until Stop.
func (r *Retention) Start() error {
	if _, err := r.RunOnce(context.Background()); err != nil {
		log.Warnf("history purge failed: %v", err)
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			log.Warnf("history purge failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running purge to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
