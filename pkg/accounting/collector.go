package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/clock"
	"github.com/codelaboratoryltd/hotspot/pkg/metrics"
)

// ErrMissingUniqueID marks a source row without a session unique id.
var ErrMissingUniqueID = errors.New("record has no session unique id")

// Config tunes collection and reconciliation.
type Config struct {
	// SourceDSN points at the RADIUS database holding radacct. Empty
	// reuses the main database.
	SourceDSN string `mapstructure:"source_dsn" yaml:"source_dsn"`

	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	// Lookback is the sliding window each poll covers. It should exceed
	// PollInterval so consecutive windows overlap.
	Lookback  time.Duration `mapstructure:"lookback" yaml:"lookback" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"gt=0"`
	ReconcileWindow   time.Duration `mapstructure:"reconcile_window" yaml:"reconcile_window" validate:"gt=0"`
	// Grace is how long an active session may run before missing
	// accounting is reported.
	Grace          time.Duration `mapstructure:"grace" yaml:"grace"`
	EnforceOveruse bool          `mapstructure:"enforce_overuse" yaml:"enforce_overuse"`
}

// DefaultConfig returns collection defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Minute,
		Lookback:          15 * time.Minute,
		BatchSize:         1000,
		ReconcileInterval: time.Hour,
		ReconcileWindow:   48 * time.Hour,
		Grace:             15 * time.Minute,
	}
}

// CollectStats summarises one poll.
type CollectStats struct {
	Fetched    int           `json:"fetched"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Collector copies new accounting rows from a Source into a Repository.
type Collector struct {
	source  Source
	repo    Repository
	clock   clock.Clock
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCollector creates a collector.
func NewCollector(source Source, repo Repository, clk clock.Clock, config Config, logger *zap.Logger) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Collector{
		source: source,
		repo:   repo,
		clock:  clk,
		config: config,
		logger: logger,
	}
}

// SetMetrics attaches Prometheus metrics.
func (c *Collector) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Collect runs one poll over the lookback window. Running it again over the
// same rows inserts nothing. A bad row is logged and skipped.
func (c *Collector) Collect(ctx context.Context) (CollectStats, error) {
	start := time.Now()
	var stats CollectStats
	defer func() {
		stats.Duration = time.Since(start)
		c.metrics.ObserveAccountingPoll(stats.Duration.Seconds())
	}()

	now := c.clock.Now()
	since := now.Add(-c.config.Lookback)

	known, err := c.repo.KnownIDsSince(ctx, since)
	if err != nil {
		return stats, fmt.Errorf("load known accounting ids: %w", err)
	}

	raws, err := c.source.Fetch(ctx, since, known, c.config.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("fetch accounting rows: %w", err)
	}
	stats.Fetched = len(raws)

	for _, raw := range raws {
		inserted, err := c.store(ctx, raw, now)
		switch {
		case err != nil:
			stats.Failed++
			c.metrics.RecordAccountingRecord("failed")
			c.logger.Warn("Skipping accounting record",
				zap.String("session_unique_id", raw.SessionUniqueID),
				zap.Error(err),
			)
		case inserted:
			stats.Inserted++
			c.metrics.RecordAccountingRecord("inserted")
		default:
			stats.Duplicates++
			c.metrics.RecordAccountingRecord("duplicate")
		}
	}

	c.logger.Debug("Accounting poll complete",
		zap.Int("fetched", stats.Fetched),
		zap.Int("inserted", stats.Inserted),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (c *Collector) store(ctx context.Context, raw RawRecord, now time.Time) (bool, error) {
	rec := ParseRecord(raw, now)
	if rec.SessionUniqueID == "" {
		return false, ErrMissingUniqueID
	}

	exists, err := c.repo.Exists(ctx, rec.SessionUniqueID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return c.repo.Insert(ctx, rec)
}

// Run is the scheduler entry point.
func (c *Collector) Run(ctx context.Context) error {
	_, err := c.Collect(ctx)
	return err
}
