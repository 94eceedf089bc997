// Package explore drives a program under test through many interleavings.
//
// Each iteration runs the program in a fresh execution with a seeded
// random scheduling strategy. A failing iteration is reported with its
// seed, which replays the exact interleaving that broke.
package explore

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/slon/interleave/sched"
)

// Options configures an exploration session.
type Options struct {
	// Iterations is the number of seeds to try. Defaults to 100.
	Iterations int

	// StartSeed is the first seed; iteration i runs with StartSeed+i.
	StartSeed uint64

	// Parallelism is the number of seeds explored concurrently. Each
	// execution is still internally sequential and deterministic.
	// Defaults to 1.
	Parallelism int

	// Logger receives per-iteration scheduling traces at debug level and
	// failures at info level. Defaults to a nop logger.
	Logger *zap.Logger
}

// FailureError describes an interleaving that failed, carrying the seed
// to replay it with.
type FailureError struct {
	Seed uint64
	Err  error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("interleaving with seed %d failed: %v", e.Seed, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Explore runs root under Options.Iterations different interleavings and
// returns nil if all of them succeed, or a *FailureError for the first
// failing seed found.
func Explore(root func(*sched.Execution), opts Options) error {
	if opts.Iterations <= 0 {
		opts.Iterations = 100
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", uuid.Must(uuid.NewV4()).String()))

	if opts.Parallelism == 1 {
		for i := 0; i < opts.Iterations; i++ {
			if err := runSeed(root, opts.StartSeed+uint64(i), log); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(opts.Parallelism)
	for i := 0; i < opts.Iterations && ctx.Err() == nil; i++ {
		seed := opts.StartSeed + uint64(i)
		g.Go(func() error {
			return runSeed(root, seed, log)
		})
	}
	return g.Wait()
}

// Replay runs root once under the interleaving identified by seed.
func Replay(root func(*sched.Execution), seed uint64) error {
	return runSeed(root, seed, zap.NewNop())
}

func runSeed(root func(*sched.Execution), seed uint64, log *zap.Logger) error {
	err := sched.Run(root,
		sched.WithStrategy(sched.Random(seed)),
		sched.WithLogger(log.With(zap.Uint64("seed", seed))))
	if err != nil {
		log.Info("failing interleaving found", zap.Uint64("seed", seed), zap.Error(err))
		return &FailureError{Seed: seed, Err: err}
	}
	return nil
}
