// Package main implements the lvmactivate harness: it loads a volume-group
// description from JSON and drives the activation engine against the
// kernel's device-mapper interface.
//
// The VG description mirrors the metadata package's types; producing it
// (from on-disk metadata or elsewhere) is another tool's job.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasleson/lvm2/activate"
	"github.com/tasleson/lvm2/fsdev"
	"github.com/tasleson/lvm2/journal"
	"github.com/tasleson/lvm2/metadata"
	"github.com/tasleson/lvm2/safeguards"
)

// Config holds application configuration.
type Config struct {
	VGPath      string
	LV          string
	Deactivate  bool
	Info        bool
	DevRoot     string
	JournalPath string
	LogLevel    string
	Timeout     time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DevRoot:  "/dev",
		LogLevel: "info",
		Timeout:  5 * time.Minute,
	}
}

var log = logrus.New()

func main() {
	cfg := DefaultConfig()

	flag.StringVar(&cfg.VGPath, "vg", "", "path to the volume group description (JSON)")
	flag.StringVar(&cfg.LV, "lv", "", "logical volume to operate on")
	flag.BoolVar(&cfg.Deactivate, "deactivate", false, "deactivate instead of activate")
	flag.BoolVar(&cfg.Info, "info", false, "print kernel state for the LV and exit")
	flag.StringVar(&cfg.DevRoot, "dev-root", cfg.DevRoot, "directory to publish LV symlinks under")
	flag.StringVar(&cfg.JournalPath, "journal", "", "path to the activation journal database (optional)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall operation timeout")
	flag.Parse()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	if cfg.VGPath == "" || cfg.LV == "" {
		fmt.Fprintln(os.Stderr, "usage: lvmactivate -vg <vg.json> -lv <name> [-deactivate|-info]")
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Error("operation failed")
		os.Exit(1)
	}
}

func run(cfg Config) error {
	vg, err := loadVG(cfg.VGPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mcfg := activate.Config{
		VG:     vg,
		Logger: log,
	}
	if !cfg.Info {
		mcfg.Publisher = fsdev.NewDevLinks(cfg.DevRoot, "/dev/mapper", vg.Name, log)
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(journal.DefaultConfig(cfg.JournalPath))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		mcfg.Journal = j
	}

	m, err := activate.NewManager(mcfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if cfg.Info {
		info, err := m.Info(ctx, cfg.LV)
		if err != nil {
			return err
		}
		fmt.Printf("exists=%v suspended=%v open=%d major=%d minor=%d\n",
			info.Exists, info.Suspended, info.OpenCount, info.Major, info.Minor)
		return nil
	}

	// Walks over the same VG must not overlap; other processes aside,
	// this guards future subcommands driving several walks at once.
	guard := safeguards.NewVGGuard(log)

	op := "activate"
	if cfg.Deactivate {
		op = "deactivate"
	}

	return guard.WithVG(ctx, vg.Name, op, func() error {
		if cfg.Deactivate {
			return m.Deactivate(ctx, cfg.LV)
		}
		return m.Activate(ctx, cfg.LV)
	})
}

func loadVG(path string) (*metadata.VG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vg description: %w", err)
	}

	var vg metadata.VG
	if err := json.Unmarshal(data, &vg); err != nil {
		return nil, fmt.Errorf("failed to parse vg description: %w", err)
	}
	if err := vg.Build(); err != nil {
		return nil, fmt.Errorf("invalid vg description: %w", err)
	}
	return &vg, nil
}
