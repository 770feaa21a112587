// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"fibkit.io/net/nexthop"
	"fibkit.io/types/logger"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var runArgs struct {
	workers      int
	nexthops     int
	hold         int
	duration     time.Duration
	destroyAfter time.Duration
	metricsAddr  string
	fib          uint
	family       familyFlag
}

func runCmd() *ffcli.Command {
	runArgs.family = familyFlag(nexthop.FamilyIPv4)
	fs := newFlagSet("run")
	fs.IntVar(&runArgs.workers, "workers", 8, "number of concurrent workers")
	fs.IntVar(&runArgs.nexthops, "nexthops", 4096, "number of distinct nexthops the workers draw from")
	fs.IntVar(&runArgs.hold, "hold", 64, "maximum records each worker holds at once")
	fs.DurationVar(&runArgs.duration, "duration", 10*time.Second, "how long to run")
	fs.DurationVar(&runArgs.destroyAfter, "destroy-after", 0, "if nonzero, destroy the registry this long into the run")
	fs.StringVar(&runArgs.metricsAddr, "metrics-addr", "", "if non-empty, serve Prometheus metrics on this address")
	fs.UintVar(&runArgs.fib, "fib", 0, "routing table number")
	fs.Var(&runArgs.family, "family", "address family: inet or inet6")
	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "nhstress run [flags]",
		ShortHelp:  "Run a concurrent workload against a registry",
		FlagSet:    fs,
		Exec:       execRun,
	}
}

func execRun(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}
	if runArgs.metricsAddr != "" {
		srv := &http.Server{
			Addr:        runArgs.metricsAddr,
			Handler:     promhttp.Handler(),
			ReadTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics: %v", err)
			}
		}()
		defer srv.Close()
		log.Printf("serving metrics on http://%s/metrics", runArgs.metricsAddr)
	}

	reg, err := newRegistry(uint32(runArgs.fib), nexthop.Family(runArgs.family), log.Printf)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, runArgs.duration)
	defer cancel()

	res, err := runWorkload(ctx, reg, workload{
		workers:      runArgs.workers,
		nexthops:     runArgs.nexthops,
		hold:         runArgs.hold,
		destroyAfter: runArgs.destroyAfter,
	}, log.Printf)
	if err != nil {
		return err
	}
	log.Printf("gets=%d finds=%d lookups=%d misses=%d releases=%d closed=%d",
		res.gets.Load(), res.finds.Load(), res.lookups.Load(), res.misses.Load(), res.releases.Load(), res.closed.Load())
	log.Printf("stats: %+v", reg.Stats())

	if !reg.Stats().Destroyed {
		reg.Destroy()
	}
	return reg.Wait(context.Background())
}

type workload struct {
	workers      int
	nexthops     int
	hold         int
	destroyAfter time.Duration
}

type workloadResult struct {
	gets, finds, lookups atomic.Int64
	misses               atomic.Int64 // Find or Lookup returned ErrNotFound
	releases             atomic.Int64
	closed               atomic.Int64 // Get failed because the registry was destroyed
}

// runWorkload runs w against reg until ctx is done. Every reference a
// worker obtains is released before runWorkload returns.
func runWorkload(ctx context.Context, reg *nexthop.Registry, w workload, logf logger.Logf) (*workloadResult, error) {
	if w.workers < 1 || w.nexthops < 1 || w.hold < 1 {
		return nil, fmt.Errorf("invalid workload %+v", w)
	}
	res := new(workloadResult)
	g, ctx := errgroup.WithContext(ctx)
	if w.destroyAfter > 0 {
		g.Go(func() error {
			select {
			case <-time.After(w.destroyAfter):
				logf("destroying registry")
				reg.Destroy()
			case <-ctx.Done():
			}
			return nil
		})
	}
	fam := reg.Family()
	for i := range w.workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), uint64(time.Now().UnixNano())))
			var held []*nexthop.Record
			defer func() {
				for _, rec := range held {
					reg.Release(rec)
					res.releases.Add(1)
				}
			}()
			for ctx.Err() == nil {
				rec, err := step(reg, fam, w, rng, held, res)
				if err != nil {
					return err
				}
				if rec != nil {
					held = append(held, rec)
				}
				if len(held) >= w.hold || (len(held) > 0 && rng.IntN(4) == 0) {
					j := rng.IntN(len(held))
					if err := reg.Release(held[j]); err != nil {
						return err
					}
					res.releases.Add(1)
					held[j] = held[len(held)-1]
					held = held[:len(held)-1]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	return res, nil
}

// step does one random registry operation and returns the record it
// obtained a reference to, if any.
func step(reg *nexthop.Registry, fam nexthop.Family, w workload, rng *rand.Rand, held []*nexthop.Record, res *workloadResult) (*nexthop.Record, error) {
	switch op := rng.IntN(8); {
	case op < 4:
		res.gets.Add(1)
		rec, err := reg.Get(syntheticNexthop(fam, rng.IntN(w.nexthops)))
		if errors.Is(err, nexthop.ErrClosed) {
			res.closed.Add(1)
			return nil, nil
		}
		return rec, err
	case op < 7:
		res.finds.Add(1)
		nh := syntheticNexthop(fam, rng.IntN(w.nexthops))
		rec, err := reg.Find(nh)
		if errors.Is(err, nexthop.ErrNotFound) {
			res.misses.Add(1)
			return nil, nil
		}
		if err == nil && rec.Nexthop() != nh {
			return nil, fmt.Errorf("Find(%v) returned %v", nh, rec)
		}
		return rec, err
	default:
		res.lookups.Add(1)
		idx := 1 + rng.IntN(w.nexthops)
		if len(held) > 0 {
			idx = held[rng.IntN(len(held))].Index()
		}
		rec, err := reg.Lookup(idx)
		if errors.Is(err, nexthop.ErrNotFound) {
			res.misses.Add(1)
			return nil, nil
		}
		if err == nil && rec.Index() != idx {
			return nil, fmt.Errorf("Lookup(%d) returned %v", idx, rec)
		}
		return rec, err
	}
}
