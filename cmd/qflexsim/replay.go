package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/qflex/datarecording"
	"github.com/sarchlab/qflex/driver"
	"github.com/sarchlab/qflex/timing/cache"
)

var (
	recordPath string
	maxInsts   uint64
	waitMagic  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace>",
	Short: "Replay a trace through the cache models and report statistics.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open trace: %w", err)
		}
		defer f.Close()

		records, err := ParseTrace(f)
		if err != nil {
			return err
		}

		config, err := loadCacheConfig()
		if err != nil {
			return err
		}

		var rec statsSink
		if cmd.Flags().Changed("record") {
			rec, err = openRecorder(recordPath)
			if err != nil {
				return err
			}
			defer rec.Close()
		}

		result, err := replay(records, replayOptions{
			config:    config,
			logger:    buildLogger(),
			recorder:  rec,
			maxInsts:  maxInsts,
			waitMagic: waitMagic,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Instructions: %d\n", result.committed)
		for _, s := range result.stats {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-6s accesses: %10d  misses: %10d  miss rate: %6.2f%%\n",
				s.Level, s.Accesses, s.Misses, 100*s.MissRate())
		}

		return nil
	},
}

func init() {
	replayCmd.Flags().StringVarP(&recordPath, "record", "r", "",
		"Record statistics into a SQLite file (empty: generated name) or a clickhouse:// DSN")
	replayCmd.Flags().Uint64VarP(&maxInsts, "max-insts", "n", 0,
		"Stop after this many I records (0 means no limit); records after the last counted I are not replayed")
	replayCmd.Flags().BoolVar(&waitMagic, "wait-magic", false,
		"Only profile between magic instructions 103 and 104")
	rootCmd.AddCommand(replayCmd)
}

// statsSink is a recording backend for profiling statistics.
type statsSink interface {
	driver.StatsRecorder
	Close() error
}

// openRecorder picks the backend from target: a clickhouse:// DSN or a
// SQLite file path.
func openRecorder(target string) (statsSink, error) {
	if datarecording.IsClickHouseDSN(target) {
		return datarecording.NewClickHouse(target)
	}
	return datarecording.New(target)
}

type replayOptions struct {
	config    *cache.Config
	logger    *slog.Logger
	recorder  driver.StatsRecorder
	maxInsts  uint64
	waitMagic bool
}

type replayResult struct {
	committed uint64
	stats     []cache.LevelStats
}

// lastStats keeps the most recent snapshot and forwards it to the optional
// database recorder.
type lastStats struct {
	next  driver.StatsRecorder
	stats []cache.LevelStats
}

func (l *lastStats) Record(stats []cache.LevelStats) error {
	l.stats = stats
	if l.next == nil {
		return nil
	}
	return l.next.Record(stats)
}

// replay steps through the trace one instruction at a time and returns the
// statistics of the last profiling session.
func replay(records []Record, opts replayOptions) (replayResult, error) {
	h := cache.NewHierarchy(
		cache.WithConfig(opts.config),
		cache.WithLogger(opts.logger),
	)

	last := &lastStats{next: opts.recorder}

	cpu := newTraceCPU(records)
	d := driver.New(cpu,
		driver.WithHierarchy(h),
		driver.WithLogger(opts.logger),
		driver.WithStatsRecorder(last),
	)
	cpu.attach(d)
	defer d.Close()

	if !opts.waitMagic {
		if err := d.StartProfiling(); err != nil {
			return replayResult{}, err
		}
	}

	for opts.maxInsts == 0 || d.Committed() < opts.maxInsts {
		err := d.SingleStep()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return replayResult{}, err
		}
	}

	if d.IsProfiling() {
		if err := d.StopProfiling(); err != nil {
			return replayResult{}, err
		}
	}

	return replayResult{committed: d.Committed(), stats: last.stats}, nil
}
