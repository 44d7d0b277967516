// Command psf renders long-exposure PSFs for one CFD baseline case
// under dome seeing and/or wind loads.
//
//	export GMT_CFD_REPO=~/mnt/CASES
//	export GMT_FEM_REPO=~/mnt/FEM
//	export GMT_MODES_PATH=~/mnt/gmtMirrors
//	psf -domeseeing -zenith 30 -azimuth 0 -wind-speed 7 -frames 100
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/metrics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/mirror"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/modal"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/optics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pipeline"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/psf"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pupil"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/wavefront"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	var (
		domeseeing = flag.Bool("domeseeing", false, "enable dome seeing turbulence effects")
		windloads  = flag.Bool("windloads", false, "enable wind loads effects")
		zenith     = flag.Int("zenith", 30, "zenith angle in degrees (0, 30 or 60)")
		azimuth    = flag.Int("azimuth", 0, "azimuth angle in degrees (0, 45, 90, 135 or 180)")
		windSpeed  = flag.Int("wind-speed", 7, "wind speed in m/s (2, 7, 12 or 17)")
		caseName   = flag.String("case", "", "explicit case name, overrides zenith/azimuth/wind-speed")
		frames     = flag.Int("frames", 0, "number of frames to accumulate (0 = whole series)")
		outDir     = flag.String("out", ".", "output directory for PSF artifacts")
		pttModes   = flag.Bool("ptt-modes", false, "use a synthetic piston/tip/tilt basis instead of GMT_MODES_PATH")
	)
	flag.Parse()

	if !*domeseeing && !*windloads {
		logger.Error("select at least one of -domeseeing or -windloads")
		os.Exit(1)
	}

	name := *caseName
	if name == "" {
		c, err := caseio.Colloquial(*zenith, *azimuth, *windSpeed)
		if err != nil {
			logger.Error("invalid case selection", "error", err)
			os.Exit(1)
		}
		name = c.String()
	}

	repoCfg := loadRepoConfig(logger)
	opticsCfg, grid := loadOpticsConfig(logger)
	pipeCfg := loadPipelineConfig(logger, repoCfg)
	pipeCfg.MaxFrames = *frames

	basis, mask, err := loadBasis(logger, *pttModes, repoCfg.ModesPath, grid)
	if err != nil {
		logger.Error("loading modal basis", "error", err)
		os.Exit(1)
	}

	builder, err := wavefront.NewBuilder(basis, mask, wavefront.Config{}, logger)
	if err != nil {
		logger.Error("creating wavefront builder", "error", err)
		os.Exit(1)
	}

	opticsCfg.MaxSessions = pipeCfg.Parallelism
	prop, err := optics.New(mask, nil, opticsCfg, logger)
	if err != nil {
		logger.Error("creating propagator", "error", err)
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
	if *domeseeing {
		reqs = append(reqs, pipeline.Request{CaseName: name, Kind: caseio.DomeSeeing})
	}
	if *windloads {
		reqs = append(reqs, pipeline.Request{CaseName: name, Kind: caseio.WindLoads})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := localizeCases(ctx, logger, &pipeCfg, reqs); err != nil {
		logger.Error("mirroring case data", "error", err)
		os.Exit(1)
	}

	orch, err := pipeline.New(builder, prop, pipeCfg, logger)
	if err != nil {
		logger.Error("creating orchestrator", "error", err)
		os.Exit(1)
	}

	results := orch.Run(ctx, reqs)

	exitCode := 0
	for _, res := range results {
		if res.Err != nil {
			logger.Error("case failed", "case", res.CaseName, "kind", res.Kind.String(), "error", res.Err)
			exitCode = 1
			continue
		}
		out := filepath.Join(*outDir, fmt.Sprintf("%s_%s.psf", res.CaseName, res.Kind))
		if err := psf.WriteArtifact(out, res.Artifact); err != nil {
			logger.Error("writing artifact", "path", out, "error", err)
			exitCode = 1
			continue
		}
		fmt.Printf("%s %s: %d frames, exposure %.1fs, Strehl %.4f -> %s\n",
			res.CaseName, res.Kind, res.Artifact.Frames, res.Artifact.Exposure, res.Artifact.Strehl, out)
	}
	os.Exit(exitCode)
}

// localizeCases mirrors the requested series into a local cache when
// GMT_REPO_MIRROR_URL is set, then repoints the pipeline at the cache.
// With no mirror URL the repositories are used as-is.
func localizeCases(ctx context.Context, logger *slog.Logger, cfg *pipeline.Config, reqs []pipeline.Request) error {
	base := os.Getenv("GMT_REPO_MIRROR_URL")
	if base == "" {
		return nil
	}

	cacheDir := os.Getenv("GMT_REPO_MIRROR_CACHE")
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "gmt-cfd-psf")
	}
	m := mirror.NewHTTPMirror(base, cacheDir, 64, logger)

	for _, req := range reqs {
		if _, err := m.Localize(ctx, caseio.SeriesObject(req.CaseName, req.Kind)); err != nil {
			return err
		}
	}

	cfg.CFDRepo = cacheDir
	cfg.FEMRepo = cacheDir
	return nil
}

func loadBasis(logger *slog.Logger, ptt bool, modesPath string, grid int) (*modal.Basis, *pupil.Mask, error) {
	if ptt {
		mask := pupil.NewGMTMask(grid)
		logger.Info("using synthetic piston/tip/tilt basis", "grid", grid)
		return modal.PistonTipTilt(mask, 3), mask, nil
	}
	basis, err := modal.Load(modesPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return basis, pupil.NewGMTMask(basis.GridSize()), nil
}

type repoConfig struct {
	CFDRepo   string
	FEMRepo   string
	ModesPath string
}

func loadRepoConfig(logger *slog.Logger) repoConfig {
	cfg := repoConfig{
		CFDRepo:   os.Getenv("GMT_CFD_REPO"),
		FEMRepo:   os.Getenv("GMT_FEM_REPO"),
		ModesPath: os.Getenv("GMT_MODES_PATH"),
	}

	logger.Info("repository config",
		"cfd_repo", cfg.CFDRepo,
		"fem_repo", cfg.FEMRepo,
		"modes_path", cfg.ModesPath,
	)

	return cfg
}

func loadOpticsConfig(logger *slog.Logger) (optics.Config, int) {
	cfg := optics.Config{
		Wavelength:   550e-9, // V band
		Oversampling: 4,
	}
	grid := 256

	if v := os.Getenv("GMT_PSF_WAVELENGTH_NM"); v != "" {
		nm, err := strconv.ParseFloat(v, 64)
		if err != nil || nm <= 0 {
			logger.Warn("invalid GMT_PSF_WAVELENGTH_NM value, using default", "value", v, "default", 550)
		} else {
			cfg.Wavelength = nm * 1e-9
		}
	}

	if v := os.Getenv("GMT_PSF_OVERSAMPLING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GMT_PSF_OVERSAMPLING value, using default", "value", v, "default", 4)
		} else {
			cfg.Oversampling = n
		}
	}

	if v := os.Getenv("GMT_PSF_OPD_BOUND_NM"); v != "" {
		nm, err := strconv.ParseFloat(v, 64)
		if err != nil || nm <= 0 {
			logger.Warn("invalid GMT_PSF_OPD_BOUND_NM value, using wavelength-derived default", "value", v)
		} else {
			cfg.OPDBound = nm * 1e-9
		}
	}

	if v := os.Getenv("GMT_PSF_PUPIL_GRID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 16 {
			logger.Warn("invalid GMT_PSF_PUPIL_GRID value, using default", "value", v, "default", grid)
		} else {
			grid = n
		}
	}

	logger.Info("optics config",
		"wavelength_nm", cfg.Wavelength*1e9,
		"oversampling", cfg.Oversampling,
		"pupil_grid", grid,
	)

	return cfg, grid
}

func loadPipelineConfig(logger *slog.Logger, repo repoConfig) pipeline.Config {
	cfg := pipeline.Config{
		CFDRepo:     repo.CFDRepo,
		FEMRepo:     repo.FEMRepo,
		Parallelism: 2,
		LookAhead:   3,
		// FEM exports ramp from zero at 1 kHz and settle after ~5 s;
		// skip the warm-up and downsample to 5 Hz.
		WarmupSkip: 5000,
		Stride:     200,
	}

	if v := os.Getenv("GMT_PSF_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GMT_PSF_PARALLELISM value, using default", "value", v, "default", cfg.Parallelism)
		} else {
			cfg.Parallelism = n
		}
	}

	if v := os.Getenv("GMT_PSF_LOOKAHEAD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			logger.Warn("invalid GMT_PSF_LOOKAHEAD value, using default", "value", v, "default", cfg.LookAhead)
		} else {
			cfg.LookAhead = n
		}
	}

	if v := os.Getenv("GMT_PSF_FEM_WARMUP_SKIP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			logger.Warn("invalid GMT_PSF_FEM_WARMUP_SKIP value, using default", "value", v, "default", cfg.WarmupSkip)
		} else {
			cfg.WarmupSkip = n
		}
	}

	if v := os.Getenv("GMT_PSF_FEM_STRIDE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GMT_PSF_FEM_STRIDE value, using default", "value", v, "default", cfg.Stride)
		} else {
			cfg.Stride = n
		}
	}

	logger.Info("pipeline config",
		"parallelism", cfg.Parallelism,
		"lookahead", cfg.LookAhead,
		"fem_warmup_skip", cfg.WarmupSkip,
		"fem_stride", cfg.Stride,
	)

	return cfg
}
