package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/client"
	"github.com/ilnaes/ptseq/internal/clipboard"
	"github.com/ilnaes/ptseq/internal/config"
	"github.com/ilnaes/ptseq/internal/discovery"
	"github.com/ilnaes/ptseq/internal/timeline"
	"github.com/redis/go-redis/v9"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ptseq.main")

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadObserve(nil, os.Args[1:])
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

func run(ctx context.Context, cfg config.ObserveConfig) error {
	url := cfg.URL
	if url == "" {
		relays, err := discovery.Browse(cfg.BrowseTimeout)
		if err != nil {
			return err
		}
		if len(relays) == 0 {
			return fmt.Errorf("no relay found on the local network")
		}
		log.Infof("found relay %s at %s", relays[0].Name, relays[0].Addr)
		url = relays[0].URL()
	}

	r, err := client.Dial(ctx, url, cfg.Name, client.Options{MaxElapsed: time.Minute})
	if err != nil {
		return err
	}
	defer r.Close()

	r.OnApplied(func(origin int64, batch []action.Primitive, widthChanged bool) {
		log.Infof("session %d applied %d primitives", origin, len(batch))
		for _, a := range batch {
			log.Debugf("  %s", a)
		}
		if widthChanged {
			log.Noticef("document grew")
		}
	})

	err = r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if cfg.RedisAddr != "" {
		if cerr := share(cfg.RedisAddr, r); cerr != nil {
			log.Errorf("share document: %v", cerr)
		}
	}
	return err
}

// share copies the whole document to the shared clipboard so an editor
// can paste it.
func share(addr string, r *client.Replica) error {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("could not connect to redis: %w", err)
	}

	units := make([]int, r.NumUnits())
	for i := range units {
		units[i] = i
	}
	cb := clipboard.New(clipboard.NewRedisTransport(rdb, "ptseq:", time.Hour), nil)
	if err := r.Copy(ctx, cb, units, timeline.Interval{Start: 0, End: r.EndClock()}); err != nil {
		return err
	}
	log.Infof("copied %d units to the clipboard at %s", len(units), addr)
	return nil
}
