package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/agentworkforce/pagerelay/internal/config"
	"github.com/agentworkforce/pagerelay/internal/logging"
)

func main() {
	cfg, err := config.Load(configPathFromArgs(os.Args[1:], strings.TrimSpace(os.Getenv("PAGESYNC_CONFIG"))))
	if err != nil {
		glog.Exitf("failed to load config: %v", err)
	}

	_ = flag.String("config", envOrDefault("PAGESYNC_CONFIG", ""), "YAML config file")
	flag.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay websocket URL")
	flag.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "document backend base URL")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	flag.StringVar(&cfg.UserName, "user-name", cfg.UserName, "display name")
	flag.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "project ID")
	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "page directory")
	flag.StringVar(&cfg.StorePath, "store", cfg.StorePath, "local snapshot database")
	flag.BoolVar(&cfg.SelectionSync, "selection-sync", cfg.SelectionSync, "follow page selection of collaborators")
	flag.IntVar(&cfg.MaxTombstones, "max-tombstones", cfg.MaxTombstones, "tombstone bound (0 keeps all)")
	flag.DurationVar(&cfg.DebounceDelay, "debounce", cfg.DebounceDelay, "document broadcast debounce delay")
	flag.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "reconnect interval")
	flag.Float64Var(&cfg.ReconnectJitter, "reconnect-jitter", cfg.ReconnectJitter, "reconnect interval jitter ratio (0.0-1.0)")
	_ = flag.Set("logtostderr", "true")
	flag.Parse()
	defer logging.Flush()

	if strings.TrimSpace(cfg.Token) == "" {
		glog.Exitf("token is required (--token or PAGESYNC_TOKEN)")
	}
	if err := cfg.Validate(); err != nil {
		glog.Exitf("%v", err)
	}
	cfg.ReconnectJitter = clampJitterRatio(cfg.ReconnectJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient(cfg, logging.Glog{Tag: "pagesync"}, &http.Client{Timeout: cfg.SaveTimeout})
	if err != nil {
		glog.Exitf("failed to initialize client: %v", err)
	}
	defer c.Close()

	if err := c.Start(rootCtx); err != nil {
		glog.Exitf("failed to start client: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			glog.Infof("pagesync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			if !c.Connected() {
				if err := c.Connect(rootCtx); err != nil {
					glog.Warningf("connect failed: %v", err)
				}
			}
			timer.Reset(jitteredIntervalWithSample(cfg.ReconnectInterval, cfg.ReconnectJitter, rng.Float64()))
		}
	}
}

// configPathFromArgs finds -config before the full flag set exists, since the
// file supplies the flag defaults.
func configPathFromArgs(args []string, fallback string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
