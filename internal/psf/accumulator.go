// Package psf accumulates instantaneous PSF frames into long-exposure
// artifacts. Each case owns exactly one accumulator; accumulation is
// serialized per case and commutative across timesteps, so frame order
// does not affect the result as long as every record is accumulated
// exactly once.
package psf

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/optics"
)

// Artifact is a finalized long-exposure PSF: the normalized intensity
// grid plus the scalar metadata a consumer needs to interpret it.
type Artifact struct {
	Data          []float64
	N             int
	PixelScaleMas float64
	Strehl        float64
	CaseName      string
	Kind          caseio.Kind
	Exposure      float64 // seconds spanned by the accumulated records
	Wavelength    float64 // meters
	Frames        int
}

// Peak returns the maximum intensity of the artifact.
func (a *Artifact) Peak() float64 {
	var p float64
	for _, v := range a.Data {
		if v > p {
			p = v
		}
	}
	return p
}

// Flux returns the integrated intensity of the artifact.
func (a *Artifact) Flux() float64 {
	return floats.Sum(a.Data)
}

// Accumulator incoherently integrates instantaneous PSFs for one case.
// Safe for use by one writer at a time; the mutex serializes the
// accumulate/finalize boundary.
type Accumulator struct {
	mu    sync.Mutex
	sum   []float64
	n     int
	count int

	caseName   string
	kind       caseio.Kind
	pixelScale float64
	wavelength float64
	refPeak    float64

	firstTS, lastTS float64

	final *Artifact
}

// NewAccumulator creates a zeroed accumulator for one case. refPeak is
// the normalized diffraction-limited peak used as the Strehl denominator.
func NewAccumulator(caseName string, kind caseio.Kind, n int, pixelScaleMas, wavelength, refPeak float64) *Accumulator {
	return &Accumulator{
		sum:        make([]float64, n*n),
		n:          n,
		caseName:   caseName,
		kind:       kind,
		pixelScale: pixelScaleMas,
		wavelength: wavelength,
		refPeak:    refPeak,
		firstTS:    math.NaN(),
	}
}

// Accumulate adds one instantaneous PSF to the running sum. Returns an
// error after Finalize; a finalized accumulator never changes.
func (a *Accumulator) Accumulate(f *optics.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		return errors.New("accumulator already finalized")
	}
	if f.N != a.n {
		return fmt.Errorf("frame grid %d does not match accumulator grid %d", f.N, a.n)
	}

	floats.Add(a.sum, f.Data)
	a.count++
	if math.IsNaN(a.firstTS) || f.Timestamp < a.firstTS {
		a.firstTS = f.Timestamp
	}
	if f.Timestamp > a.lastTS {
		a.lastTS = f.Timestamp
	}
	return nil
}

// Count returns the number of accumulated frames.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Finalize normalizes the accumulated sum by the frame count and
// returns the artifact. Idempotent: repeated calls return the identical
// artifact.
func (a *Accumulator) Finalize() *Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		return a.final
	}

	data := make([]float64, len(a.sum))
	copy(data, a.sum)
	if a.count > 0 {
		floats.Scale(1/float64(a.count), data)
	}

	var peak float64
	for _, v := range data {
		if v > peak {
			peak = v
		}
	}
	strehl := 0.0
	if a.refPeak > 0 {
		strehl = peak / a.refPeak
	}

	exposure := 0.0
	if a.count > 1 && !math.IsNaN(a.firstTS) {
		exposure = a.lastTS - a.firstTS
	}

	a.final = &Artifact{
		Data:          data,
		N:             a.n,
		PixelScaleMas: a.pixelScale,
		Strehl:        strehl,
		CaseName:      a.caseName,
		Kind:          a.kind,
		Exposure:      exposure,
		Wavelength:    a.wavelength,
		Frames:        a.count,
	}
	return a.final
}
