// Command psf-info summarizes PSF artifact dumps written by psf and
// psf-batch: header metadata plus an encircled-energy profile.
//
//	psf-info zen30az045_OS7_dome-seeing.psf ...
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/psf"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: psf-info <artifact.psf> [...]")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	exitCode := 0
	for _, path := range flag.Args() {
		if err := describe(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func describe(path string) error {
	art, err := psf.ReadArtifact(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", path)
	fmt.Printf("  case:        %s (%s)\n", art.CaseName, art.Kind)
	fmt.Printf("  grid:        %d x %d, %.3f mas/px\n", art.N, art.N, art.PixelScaleMas)
	fmt.Printf("  wavelength:  %.0f nm\n", art.Wavelength*1e9)
	fmt.Printf("  frames:      %d over %.1f s\n", art.Frames, art.Exposure)
	fmt.Printf("  Strehl:      %.4f\n", art.Strehl)
	fmt.Printf("  flux:        %.6f\n", art.Flux())

	for _, frac := range []float64{0.5, 0.8, 0.9} {
		r, ok := encircledEnergyRadius(art, frac)
		if !ok {
			continue
		}
		fmt.Printf("  EE%.0f:        %.1f mas\n", frac*100, r*art.PixelScaleMas)
	}
	return nil
}

// encircledEnergyRadius returns the radius in pixels, measured from the
// peak, inside which the given fraction of the total flux falls.
func encircledEnergyRadius(art *psf.Artifact, frac float64) (float64, bool) {
	total := art.Flux()
	if total <= 0 {
		return 0, false
	}

	// Peak position.
	pr, pc, peak := 0, 0, 0.0
	for i, v := range art.Data {
		if v > peak {
			peak = v
			pr, pc = i/art.N, i%art.N
		}
	}

	type sample struct {
		r2 float64
		v  float64
	}
	samples := make([]sample, 0, len(art.Data))
	for i, v := range art.Data {
		dr := float64(i/art.N - pr)
		dc := float64(i%art.N - pc)
		samples = append(samples, sample{r2: dr*dr + dc*dc, v: v})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].r2 < samples[j].r2 })

	var cum float64
	for _, s := range samples {
		cum += s.v
		if cum >= frac*total {
			return math.Sqrt(s.r2), true
		}
	}
	return 0, false
}
