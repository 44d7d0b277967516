package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/modal"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/optics"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pupil"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/wavefront"
)

const testGrid = 16

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testStack builds the shared pipeline components over a small pupil
// grid. factory selects the compute engine; nil uses the host engine.
func testStack(t *testing.T, sessions int, factory func(n int) optics.Engine) (*wavefront.Builder, *optics.Propagator) {
	t.Helper()
	mask := pupil.NewGMTMask(testGrid)
	basis := modal.PistonTipTilt(mask, 3)
	builder, err := wavefront.NewBuilder(basis, mask, wavefront.Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	prop, err := optics.New(mask, factory, optics.Config{
		Wavelength:   550e-9,
		Oversampling: 2,
		MaxSessions:  sessions,
	}, testLogger())
	if err != nil {
		t.Fatalf("optics.New failed: %v", err)
	}
	return builder, prop
}

// writeQuietCase writes a dome-seeing series of zero-OPD maps.
func writeQuietCase(t *testing.T, root, name string, frames int) {
	t.Helper()
	recs := make([]caseio.Record, frames)
	for i := range recs {
		recs[i] = caseio.Record{
			Timestamp: float64(i) * 0.2,
			OPD:       make([]float64, testGrid*testGrid),
		}
	}
	if err := caseio.WriteDomeSeeing(root, name, testGrid, testGrid, recs); err != nil {
		t.Fatalf("WriteDomeSeeing failed: %v", err)
	}
}

// TestRunQuietCase drives one dome-seeing case of unaberrated maps end
// to end: the long exposure must be the diffraction-limited PSF.
func TestRunQuietCase(t *testing.T) {
	root := t.TempDir()
	writeQuietCase(t, root, "zen30az000_OS7", 20)

	builder, prop := testStack(t, 1, nil)
	orch, err := New(builder, prop, Config{CFDRepo: root}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	results := orch.Run(context.Background(), []Request{
		{CaseName: "zen30az000_OS7", Kind: caseio.DomeSeeing},
	})
	if len(results) != 1 {
		t.Fatalf("%d results, want 1", len(results))
	}

	res := results[0]
	if res.State != Done {
		t.Fatalf("state = %v, err = %v, want Done", res.State, res.Err)
	}
	if res.Frames != 20 {
		t.Errorf("frames = %d, want 20", res.Frames)
	}

	art := res.Artifact
	if art == nil {
		t.Fatal("Done result carries no artifact")
	}
	if math.Abs(art.Strehl-1) > 1e-9 {
		t.Errorf("Strehl = %g, want 1", art.Strehl)
	}
	if flux := art.Flux(); math.Abs(flux-1) > 1e-9 {
		t.Errorf("flux = %g, want 1", flux)
	}
	if math.Abs(art.Exposure-19*0.2) > 1e-12 {
		t.Errorf("exposure = %g, want %g", art.Exposure, 19*0.2)
	}
	if art.N != prop.PaddedSize() {
		t.Errorf("artifact grid = %d, want %d", art.N, prop.PaddedSize())
	}
}

// TestFailedCaseIsolation verifies a case with an invalid record fails
// alone: no artifact for it, sibling case still completes.
func TestFailedCaseIsolation(t *testing.T) {
	root := t.TempDir()
	writeQuietCase(t, root, "good", 5)

	recs := make([]caseio.Record, 5)
	for i := range recs {
		recs[i] = caseio.Record{
			Timestamp: float64(i) * 0.2,
			OPD:       make([]float64, testGrid*testGrid),
		}
	}
	for j := range recs[3].OPD {
		recs[3].OPD[j] = 1.0 // meters, far beyond any bound
	}
	if err := caseio.WriteDomeSeeing(root, "bad", testGrid, testGrid, recs); err != nil {
		t.Fatal(err)
	}

	builder, prop := testStack(t, 2, nil)
	orch, err := New(builder, prop, Config{CFDRepo: root, Parallelism: 2}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{
		{CaseName: "bad", Kind: caseio.DomeSeeing},
		{CaseName: "good", Kind: caseio.DomeSeeing},
	})

	if results[0].State != Failed {
		t.Errorf("bad case state = %v, want Failed", results[0].State)
	}
	if !errors.Is(results[0].Err, optics.ErrInvalidWavefront) {
		t.Errorf("bad case err = %v, want ErrInvalidWavefront", results[0].Err)
	}
	if results[0].Artifact != nil {
		t.Error("failed case published an artifact")
	}

	if results[1].State != Done {
		t.Errorf("good case state = %v, err = %v, want Done", results[1].State, results[1].Err)
	}
	if results[1].Artifact == nil {
		t.Error("good case carries no artifact")
	}
}

// TestWindLoadsDecimation verifies warm-up skip and stride are applied
// to windloads series.
func TestWindLoadsDecimation(t *testing.T) {
	root := t.TempDir()
	recs := make([]caseio.Record, 20)
	for i := range recs {
		recs[i] = caseio.Record{
			Timestamp: float64(i) * 0.001,
			M1:        make([][caseio.NumRigidBodyDOF]float64, 7),
			M2:        make([][caseio.NumRigidBodyDOF]float64, 7),
		}
	}
	if err := caseio.WriteWindLoads(root, "zen30az000_OS7", 7, 0, recs); err != nil {
		t.Fatal(err)
	}

	builder, prop := testStack(t, 1, nil)
	orch, err := New(builder, prop, Config{
		FEMRepo:    root,
		WarmupSkip: 5,
		Stride:     4,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{
		{CaseName: "zen30az000_OS7", Kind: caseio.WindLoads},
	})
	res := results[0]
	if res.State != Done {
		t.Fatalf("state = %v, err = %v, want Done", res.State, res.Err)
	}
	if res.Frames != 4 {
		t.Errorf("frames = %d, want 4 after skip 5 stride 4 of 20", res.Frames)
	}
}

// TestMaxFrames verifies the early-stop bound.
func TestMaxFrames(t *testing.T) {
	root := t.TempDir()
	writeQuietCase(t, root, "c", 50)

	builder, prop := testStack(t, 1, nil)
	orch, err := New(builder, prop, Config{CFDRepo: root, MaxFrames: 3}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{{CaseName: "c", Kind: caseio.DomeSeeing}})
	if results[0].State != Done {
		t.Fatalf("state = %v, err = %v, want Done", results[0].State, results[0].Err)
	}
	if results[0].Frames != 3 {
		t.Errorf("frames = %d, want 3", results[0].Frames)
	}
}

// TestEmptySeriesFails verifies a series with no records is a failure,
// not a zero-frame artifact.
func TestEmptySeriesFails(t *testing.T) {
	root := t.TempDir()
	if err := caseio.WriteDomeSeeing(root, "empty", testGrid, testGrid, nil); err != nil {
		t.Fatal(err)
	}

	builder, prop := testStack(t, 1, nil)
	orch, err := New(builder, prop, Config{CFDRepo: root}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{{CaseName: "empty", Kind: caseio.DomeSeeing}})
	if results[0].State != Failed {
		t.Errorf("state = %v, want Failed", results[0].State)
	}
	if results[0].Artifact != nil {
		t.Error("empty case published an artifact")
	}
}

// TestMissingCaseFails verifies the loader error surfaces on the result.
func TestMissingCaseFails(t *testing.T) {
	builder, prop := testStack(t, 1, nil)
	orch, err := New(builder, prop, Config{CFDRepo: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{{CaseName: "zen30az000_OS7", Kind: caseio.DomeSeeing}})
	if results[0].State != Failed {
		t.Errorf("state = %v, want Failed", results[0].State)
	}
	if !errors.Is(results[0].Err, caseio.ErrCaseNotFound) {
		t.Errorf("err = %v, want ErrCaseNotFound", results[0].Err)
	}
}

// TestCapacityExceeded verifies construction rejects parallelism beyond
// the session capacity.
func TestCapacityExceeded(t *testing.T) {
	builder, prop := testStack(t, 1, nil)
	_, err := New(builder, prop, Config{Parallelism: 3}, testLogger())
	if !errors.Is(err, optics.ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
}

// TestCancellation verifies a cancelled context fails pending cases
// without publishing partial artifacts.
func TestCancellation(t *testing.T) {
	root := t.TempDir()
	writeQuietCase(t, root, "c", 10)

	builder, prop := testStack(t, 1, nil)
	orch, err := New(builder, prop, Config{CFDRepo: root}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := orch.Run(ctx, []Request{{CaseName: "c", Kind: caseio.DomeSeeing}})
	if results[0].State != Failed {
		t.Errorf("state = %v, want Failed", results[0].State)
	}
	if results[0].Artifact != nil {
		t.Error("cancelled case published an artifact")
	}
}

// flakyEngine wraps the host engine and reports device errors for a
// configured window of calls.
type flakyEngine struct {
	inner    optics.Engine
	calls    int
	failAt   int // 1-based call number of the first failure
	failures int // consecutive failures starting at failAt
}

func (e *flakyEngine) Transform(ctx context.Context, field []complex128, n int, intensity []float64) error {
	e.calls++
	if e.calls >= e.failAt && e.calls < e.failAt+e.failures {
		return optics.ErrDevice
	}
	return e.inner.Transform(ctx, field, n, intensity)
}

// TestDeviceRetry verifies a transient device error costs one retry,
// not the case. The first engine call is the diffraction-limited
// reference, so the failure lands mid-series.
func TestDeviceRetry(t *testing.T) {
	root := t.TempDir()
	writeQuietCase(t, root, "c", 5)

	flaky := &flakyEngine{failAt: 3, failures: 1}
	builder, prop := testStack(t, 1, func(n int) optics.Engine {
		flaky.inner = optics.NewHostEngine(n)
		return flaky
	})
	orch, err := New(builder, prop, Config{CFDRepo: root}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{{CaseName: "c", Kind: caseio.DomeSeeing}})
	res := results[0]
	if res.State != Done {
		t.Fatalf("state = %v, err = %v, want Done", res.State, res.Err)
	}
	if res.Frames != 5 {
		t.Errorf("frames = %d, want 5", res.Frames)
	}
	// reference + 5 frames + 1 retried call
	if flaky.calls != 7 {
		t.Errorf("engine calls = %d, want 7", flaky.calls)
	}
}

// TestDeviceErrorPersistent verifies back-to-back device failures on
// the same timestep end the case.
func TestDeviceErrorPersistent(t *testing.T) {
	root := t.TempDir()
	writeQuietCase(t, root, "c", 5)

	flaky := &flakyEngine{failAt: 3, failures: 2}
	builder, prop := testStack(t, 1, func(n int) optics.Engine {
		flaky.inner = optics.NewHostEngine(n)
		return flaky
	})
	orch, err := New(builder, prop, Config{CFDRepo: root}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	results := orch.Run(context.Background(), []Request{{CaseName: "c", Kind: caseio.DomeSeeing}})
	if results[0].State != Failed {
		t.Fatalf("state = %v, want Failed", results[0].State)
	}
	if !errors.Is(results[0].Err, optics.ErrDevice) {
		t.Errorf("err = %v, want ErrDevice", results[0].Err)
	}
}
