/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebookincubator/ntpd/config"
	"github.com/facebookincubator/ntpd/stats"
	"github.com/facebookincubator/ntpd/sysclock"
	"github.com/facebookincubator/ntpd/system"
)

// exitClockPanic is the process exit code used when the clock
// controller panics (spec §7): distinct from the generic log.Fatal
// exit code so an operator or supervisor can tell "offset too large
// to correct" apart from any other daemon failure.
const exitClockPanic = 3

func doWork(cfg *config.Config) error {
	clk := sysclock.New()
	sys, err := system.New(*cfg, clk)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, peerCfg := range cfg.Peers {
		sys.AddPeer(ctx, peerCfg)
	}

	if err := sys.StartPPS(ctx); err != nil {
		log.Warnf("pps receiver disabled: %v", err)
	}

	// eg supervises the coordinator alongside its optional HTTP
	// surfaces: if any of them dies, its sibling goroutines are
	// cancelled via eg's derived context rather than leaking.
	eg, ctx := errgroup.WithContext(ctx)

	if cfg.ObservationHTTPAddr != "" {
		eg.Go(func() error {
			return stats.ListenAndServeObservation(cfg.ObservationHTTPAddr, sys)
		})
	}
	if cfg.MetricsHTTPAddr != "" {
		eg.Go(func() error {
			return stats.NewPrometheusExporter(cfg.MetricsHTTPAddr, sys).ListenAndServe()
		})
	}
	eg.Go(func() error {
		return sys.Run(ctx)
	})

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("sd_notify failed: %v", err)
	} else if !supported {
		log.Debug("sd_notify not supported by this platform or not running under systemd")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return eg.Wait()
}

func main() {
	var (
		verboseFlag bool
		configFlag  string
	)
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&configFlag, "config", "/etc/ntpd/ntpd.yaml", "path to the config file")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.ReadConfig(configFlag)
	if err != nil {
		log.Fatal(err)
	}

	err = doWork(cfg)
	switch {
	case err == nil || err == context.Canceled:
	case errors.Is(err, system.ErrClockPanic):
		log.Errorf("%v", err)
		os.Exit(exitClockPanic)
	default:
		log.Fatal(err)
	}
}
