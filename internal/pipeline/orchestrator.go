// Package pipeline sequences case processing: it drives the case loader,
// wavefront builder, optical propagator and PSF accumulator for each
// requested case, runs independent cases concurrently up to a configured
// parallelism limit and keeps per-case failures isolated.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/metrics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/optics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/psf"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/wavefront"
)

// State is the per-case processing state. Failed is reachable from any
// non-terminal state; Done and Failed are terminal.
type State int

const (
	Idle State = iota
	Loading
	Accumulating
	Finalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Accumulating:
		return "accumulating"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request names one case to process.
type Request struct {
	CaseName string
	Kind     caseio.Kind
}

// Result is the outcome of one case. A Failed case carries its error
// and no artifact; sibling cases are unaffected.
type Result struct {
	CaseName string
	Kind     caseio.Kind
	State    State
	Artifact *psf.Artifact
	Err      error
	Frames   int
	Duration time.Duration
}

// Config holds orchestrator settings.
type Config struct {
	// CFDRepo and FEMRepo are the locally mirrored repository roots for
	// dome-seeing and windloads series.
	CFDRepo string
	FEMRepo string

	// Parallelism bounds concurrent cases; must not exceed the
	// propagator's session capacity (default 1).
	Parallelism int

	// LookAhead is the bounded pipeline depth between the loader and
	// the compute stages within one case (default 3, clamped to 2-4).
	LookAhead int

	// WarmupSkip and Stride decimate windloads series: records in the
	// ramp-up prefix are dropped and the remainder downsampled.
	WarmupSkip int
	Stride     int

	// MaxFrames stops a case after this many records; zero means the
	// whole series.
	MaxFrames int
}

func (c *Config) setDefaults() {
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.LookAhead < 2 {
		c.LookAhead = 3
	}
	if c.LookAhead > 4 {
		c.LookAhead = 4
	}
}

// Orchestrator runs cases through the PSF pipeline. The modal basis,
// builder and propagator are shared read-only across all cases.
type Orchestrator struct {
	builder *wavefront.Builder
	prop    *optics.Propagator
	config  Config
	logger  *slog.Logger
}

// New creates an Orchestrator. Returns optics.ErrCapacity if the
// configured parallelism exceeds the propagator's session capacity.
func New(builder *wavefront.Builder, prop *optics.Propagator, config Config, logger *slog.Logger) (*Orchestrator, error) {
	config.setDefaults()
	if config.Parallelism > prop.Capacity() {
		return nil, fmt.Errorf("%w: parallelism %d exceeds %d sessions",
			optics.ErrCapacity, config.Parallelism, prop.Capacity())
	}
	return &Orchestrator{
		builder: builder,
		prop:    prop,
		config:  config,
		logger:  logger,
	}, nil
}

// Run processes all requests, at most Parallelism cases concurrently,
// and returns one Result per request in request order. A failed case
// never prevents siblings from producing artifacts.
func (o *Orchestrator) Run(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.config.Parallelism)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = o.runCase(ctx, req)
			return nil
		})
	}
	g.Wait()

	return results
}

// runCase drives one case through the state machine. Any error is
// case-fatal: the partial accumulator is discarded and never published.
func (o *Orchestrator) runCase(ctx context.Context, req Request) Result {
	logger := o.logger.With("case", req.CaseName, "kind", req.Kind.String())
	res := Result{CaseName: req.CaseName, Kind: req.Kind, State: Idle}
	start := time.Now()

	metrics.CaseStarted()
	defer metrics.CaseEnded()

	fail := func(err error) Result {
		res.State = Failed
		res.Err = err
		res.Duration = time.Since(start)
		metrics.RecordCase("failed", res.Duration)
		logger.Error("case failed", "state", res.State.String(), "frames", res.Frames, "error", err)
		return res
	}

	res.State = Loading
	logger.Info("case started")

	root := o.config.CFDRepo
	if req.Kind == caseio.WindLoads {
		root = o.config.FEMRepo
	}
	series, err := caseio.Open(root, req.CaseName, req.Kind)
	if err != nil {
		return fail(err)
	}
	defer series.Close()
	if req.Kind == caseio.WindLoads {
		series.Decimate(o.config.WarmupSkip, o.config.Stride)
	}

	session, err := o.prop.NewSession(ctx)
	if err != nil {
		return fail(err)
	}
	defer session.Close()

	acc := psf.NewAccumulator(
		req.CaseName, req.Kind,
		o.prop.PaddedSize(), o.prop.PixelScaleMas(), o.prop.Wavelength(), o.prop.ReferencePeak(),
	)

	// The loader feeds a bounded channel so record I/O overlaps with
	// building and propagation. Accumulation stays sequential: the
	// accumulator is this case's single mutable resource.
	caseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recCh := make(chan *caseio.Record, o.config.LookAhead)
	loadErr := make(chan error, 1)
	go func() {
		defer close(recCh)
		for {
			rec, err := series.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				loadErr <- err
				return
			}
			select {
			case recCh <- rec:
			case <-caseCtx.Done():
				return
			}
		}
	}()

	res.State = Accumulating
	for rec := range recCh {
		if err := caseCtx.Err(); err != nil {
			return fail(err)
		}

		wf, err := o.builder.Project(rec)
		if err != nil {
			return fail(err)
		}

		frame, err := session.Propagate(caseCtx, wf)
		if errors.Is(err, optics.ErrDevice) {
			// One retry per timestep before the error becomes case-fatal.
			metrics.IncDeviceRetries()
			logger.Warn("device error, retrying timestep", "timestamp", rec.Timestamp, "error", err)
			frame, err = session.Propagate(caseCtx, wf)
		}
		if err != nil {
			return fail(err)
		}

		if err := acc.Accumulate(frame); err != nil {
			return fail(err)
		}
		res.Frames++
		metrics.IncTimesteps()

		if o.config.MaxFrames > 0 && res.Frames >= o.config.MaxFrames {
			cancel()
			break
		}
	}

	select {
	case err := <-loadErr:
		return fail(err)
	default:
	}
	if err := ctx.Err(); err != nil {
		// Cancelled between timesteps: discard partial state.
		return fail(err)
	}
	if res.Frames == 0 {
		return fail(fmt.Errorf("case %s: empty series", req.CaseName))
	}

	res.State = Finalizing
	res.Artifact = acc.Finalize()
	res.State = Done
	res.Duration = time.Since(start)
	metrics.RecordCase("done", res.Duration)
	logger.Info("case complete",
		"frames", res.Frames,
		"strehl", res.Artifact.Strehl,
		"exposure_seconds", res.Artifact.Exposure,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}
