package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scopevis/scopevis/internal/logging"
	"github.com/scopevis/scopevis/internal/tree"
)

// SnapshotSource is anything that can hand out the latest snapshot
type SnapshotSource interface {
	Current() *tree.Snapshot
}

// ParseCron parses a standard five field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// DumpConfig configures scheduled frame dumps
type DumpConfig struct {
	// Cron is a five field schedule expression
	Cron string
	// Dir receives one frame file per firing
	Dir string
}

// Validate checks the config and fills nothing in
func (c *DumpConfig) Validate() error {
	if c.Cron == "" {
		return fmt.Errorf("dump schedule is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid dump schedule: %w", err)
	}
	if c.Dir == "" {
		return fmt.Errorf("dump directory is required")
	}
	return nil
}

// Dumper writes periodic frame files from a live snapshot source
type Dumper struct {
	src   SnapshotSource
	cfg   DumpConfig
	opts  Options
	sched cron.Schedule
	log   *slog.Logger
}

// NewDumper validates the config and prepares the output directory
func NewDumper(src SnapshotSource, cfg DumpConfig, opts Options, log *slog.Logger) (*Dumper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Dumper{src: src, cfg: cfg, opts: opts, sched: sched, log: log}, nil
}

// DumpOnce writes one frame file immediately and returns its path
func (d *Dumper) DumpOnce() (string, error) {
	frame := Build(d.src.Current(), d.opts)
	name := fmt.Sprintf("frame-%s-v%d.json", time.Now().Format("20060102-150405"), frame.Version)
	path := filepath.Join(d.cfg.Dir, name)
	if err := frame.WriteFile(path); err != nil {
		return "", err
	}
	d.log.Info("frame written", "path", path, "version", frame.Version)
	return path, nil
}

// Run fires DumpOnce on the cron schedule until the context is cancelled
func (d *Dumper) Run(ctx context.Context) error {
	for {
		next := d.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := d.DumpOnce(); err != nil {
				d.log.Error("scheduled frame dump failed", "err", err)
			}
		}
	}
}
