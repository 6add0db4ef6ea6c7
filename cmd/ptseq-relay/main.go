package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ilnaes/ptseq/internal/config"
	"github.com/ilnaes/ptseq/internal/discovery"
	"github.com/ilnaes/ptseq/internal/history"
	"github.com/ilnaes/ptseq/internal/server"
	"github.com/ilnaes/ptseq/internal/timeline"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ptseq.main")

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadRelay(nil, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.LogFile != "" {
		commonlog.Configure(cfg.LogVerbosity, &cfg.LogFile)
	} else {
		commonlog.Configure(cfg.LogVerbosity, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.RelayConfig) error {
	baseline, err := loadBaseline(cfg.BaselinePath)
	if err != nil {
		return err
	}

	store, err := history.Open(ctx, history.Options{
		Backend:       cfg.HistoryBackend,
		BoltPath:      cfg.BoltPath,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	s, err := server.NewServer(ctx, baseline, store, server.Config{
		Delay:    cfg.Delay,
		DropRate: cfg.DropRate,
	})
	if err != nil {
		return err
	}

	if cfg.Advertise != "" {
		adv, err := discovery.Advertise(cfg.Advertise, cfg.Port)
		if err != nil {
			log.Warningf("not advertising: %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	return s.ListenAndServe(ctx, cfg.Port)
}

// loadBaseline reads the snapshot every session starts from. Without a file
// the session starts from an empty document.
func loadBaseline(path string) ([]byte, error) {
	if path == "" {
		return timeline.EncodeSnapshot(timeline.NewEventList(timeline.DefaultMaster), timeline.NewNoIdMap())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	if _, _, err := timeline.DecodeSnapshot(data); err != nil {
		return nil, fmt.Errorf("baseline %s: %w", path, err)
	}
	log.Infof("loaded baseline %s (%d bytes)", path, len(data))
	return data, nil
}
