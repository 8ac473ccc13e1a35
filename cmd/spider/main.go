// Command spider joins the BitTorrent Mainline DHT, harvests infohashes
// from get_peers/announce_peer traffic and downloads the matching
// torrent metadata from peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dht-spider/pkg/dht"
	"dht-spider/pkg/krpc"
	"dht-spider/pkg/logging"
	"dht-spider/pkg/metadata"
	"dht-spider/pkg/scheduler"
	"dht-spider/pkg/storage"
)

const (
	peerStorePath = "state/metadata_peers.jsonl"
	peerStoreCap  = 4096
	peerStoreTTL  = 24 * time.Hour
)

type options struct {
	printOnly    bool
	magnetLog    string
	workers      int
	saveTorrents bool
}

func usage() {
	fmt.Println("spider [option]")
	fmt.Println("  [-s]: Do not store files. Print only.")
	fmt.Println("  [-p:filename]: Path for magnets log.")
	fmt.Println("  [-t:thread num]: Max concurrent metadata downloads.")
	fmt.Println("  [-b:(0|1)]: 0 no torrent files. 1 save torrent files.")
	fmt.Println("  [-h]: Help.")
}

// parseArgs understands the -x:value option grammar. Unknown options are
// a usage error.
func parseArgs(args []string) (*options, error) {
	opts := &options{
		magnetLog:    "hash.log",
		workers:      100,
		saveTorrents: true,
	}
	for _, arg := range args {
		switch {
		case arg == "-h":
			usage()
			os.Exit(0)
		case arg == "-s":
			opts.printOnly = true
		case strings.HasPrefix(arg, "-p:"):
			if arg[3:] == "" {
				return nil, fmt.Errorf("empty path in %q", arg)
			}
			opts.magnetLog = arg[3:]
		case strings.HasPrefix(arg, "-t:"):
			n, err := strconv.Atoi(arg[3:])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("bad thread count in %q", arg)
			}
			opts.workers = n
		case strings.HasPrefix(arg, "-b:"):
			switch arg[3:] {
			case "0":
				opts.saveTorrents = false
			case "1":
				opts.saveTorrents = true
			default:
				return nil, fmt.Errorf("bad value in %q", arg)
			}
		default:
			return nil, fmt.Errorf("unknown option %q", arg)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}

	log := logging.New()

	storeConfig := storage.DefaultConfig()
	storeConfig.PrintOnly = opts.printOnly
	storeConfig.MagnetLog = opts.magnetLog
	storeConfig.SaveTorrents = opts.saveTorrents

	store, err := storage.New(storeConfig, log)
	if err != nil {
		// Output trouble is not fatal; fall back to log-only operation.
		log.Warn("storage init failed, printing only", "err", err)
		storeConfig.PrintOnly = true
		store, _ = storage.New(storeConfig, log)
	}

	pool := scheduler.NewPeerStore(peerStorePath, peerStoreCap, peerStoreTTL)
	if err := pool.Load(); err != nil {
		log.Warn("peer pool load failed", "err", err)
	}

	metaConfig := metadata.DefaultConfig()
	schedConfig := scheduler.DefaultConfig()
	schedConfig.Workers = int64(opts.workers)

	sched := scheduler.New(schedConfig, log, pool, store,
		func(ctx context.Context, infohash krpc.ID, addr string) metadata.Result {
			return metadata.Fetch(ctx, metaConfig, infohash, addr)
		})

	engine, err := dht.New(dht.DefaultConfig(), log, sched)
	if err != nil {
		log.Error("udp bind failed", "err", err)
		os.Exit(2)
	}

	sched.Run()
	engine.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	engine.Stop()
	sched.Stop()
	if err := store.Close(); err != nil {
		log.Warn("magnet log close failed", "err", err)
	}
}
