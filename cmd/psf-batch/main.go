// Command psf-batch sweeps the whole CFD baseline and reports the
// long-exposure Strehl ratio per case in a TSV summary.
//
//	export GMT_CFD_REPO=~/mnt/CASES
//	export GMT_MODES_PATH=~/mnt/gmtMirrors
//	psf-batch -kind dome-seeing -parallelism 4 -out strehl.tsv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/metrics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/modal"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/optics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pipeline"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pupil"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/wavefront"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	var (
		kindFlag    = flag.String("kind", "dome-seeing", "perturbation kind: dome-seeing or windloads")
		frames      = flag.Int("frames", 0, "frames per case (0 = whole series)")
		parallelism = flag.Int("parallelism", 4, "concurrent cases")
		out         = flag.String("out", "psf_strehl.tsv", "summary output path")
		pttModes    = flag.Bool("ptt-modes", false, "use a synthetic piston/tip/tilt basis instead of GMT_MODES_PATH")
		grid        = flag.Int("grid", 256, "pupil grid size for the synthetic basis")
	)
	flag.Parse()

	kind, err := caseio.ParseKind(*kindFlag)
	if err != nil {
		logger.Error("invalid kind", "error", err)
		os.Exit(1)
	}

	var basis *modal.Basis
	var mask *pupil.Mask
	if *pttModes {
		mask = pupil.NewGMTMask(*grid)
		basis = modal.PistonTipTilt(mask, 3)
	} else {
		basis, err = modal.Load(os.Getenv("GMT_MODES_PATH"), logger)
		if err != nil {
			logger.Error("loading modal basis", "error", err)
			os.Exit(1)
		}
		mask = pupil.NewGMTMask(basis.GridSize())
	}

	builder, err := wavefront.NewBuilder(basis, mask, wavefront.Config{}, logger)
	if err != nil {
		logger.Error("creating wavefront builder", "error", err)
		os.Exit(1)
	}

	wavelength := 550e-9
	if v := os.Getenv("GMT_PSF_WAVELENGTH_NM"); v != "" {
		if nm, err := strconv.ParseFloat(v, 64); err == nil && nm > 0 {
			wavelength = nm * 1e-9
		} else {
			logger.Warn("invalid GMT_PSF_WAVELENGTH_NM value, using default", "value", v, "default", 550)
		}
	}

	prop, err := optics.New(mask, nil, optics.Config{
		Wavelength:  wavelength,
		MaxSessions: *parallelism,
	}, logger)
	if err != nil {
		logger.Error("creating propagator", "error", err)
		os.Exit(1)
	}

	orch, err := pipeline.New(builder, prop, pipeline.Config{
		CFDRepo:     os.Getenv("GMT_CFD_REPO"),
		FEMRepo:     os.Getenv("GMT_FEM_REPO"),
		Parallelism: *parallelism,
		WarmupSkip:  5000,
		Stride:      200,
		MaxFrames:   *frames,
	}, logger)
	if err != nil {
		logger.Error("creating orchestrator", "error", err)
		os.Exit(1)
	}

	if addr := os.Getenv("GMT_PSF_METRICS_ADDR"); addr != "" {
		go func() {
			logger.Info("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	var reqs []pipeline.Request
	for _, c := range caseio.Baseline() {
		reqs = append(reqs, pipeline.Request{CaseName: c.String(), Kind: kind})
	}
	logger.Info("baseline sweep", "cases", len(reqs), "kind", kind.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := orch.Run(ctx, reqs)

	sort.Slice(results, func(i, j int) bool { return results[i].CaseName < results[j].CaseName })

	var b strings.Builder
	b.WriteString("case\tkind\tstatus\tframes\tstrehl\n")
	var done, failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(&b, "%s\t%s\tfailed\t%d\t\n", res.CaseName, res.Kind, res.Frames)
			logger.Warn("case failed", "case", res.CaseName, "error", res.Err)
			continue
		}
		done++
		fmt.Fprintf(&b, "%s\t%s\tdone\t%d\t%.6f\n", res.CaseName, res.Kind, res.Artifact.Frames, res.Artifact.Strehl)
	}

	if err := os.WriteFile(*out, []byte(b.String()), 0644); err != nil {
		logger.Error("writing summary", "path", *out, "error", err)
		os.Exit(1)
	}

	logger.Info("sweep complete", "done", done, "failed", failed, "summary", *out)
	if done == 0 {
		os.Exit(1)
	}
}
