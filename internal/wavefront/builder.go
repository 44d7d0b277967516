// Package wavefront maps perturbation records onto per-segment optical
// phase maps. Dome-seeing records carry full OPD maps that are resampled
// onto the pupil grid; windloads records carry rigid-body motions and
// elastic modal coefficients that are synthesized through the modal
// basis. Both paths produce an OPD map in meters on the shared pupil
// mask, ready for optical propagation.
package wavefront

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/modal"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pupil"
)

// ErrProjection indicates a record that cannot be projected onto the
// modal basis, e.g. it references segments the basis does not carry.
var ErrProjection = errors.New("modal projection failed")

// Wavefront is a transient per-timestep phase map: OPD in meters on the
// pupil grid, zero outside the pupil support. Consumed immediately by
// the propagator.
type Wavefront struct {
	OPD       []float64
	Mask      *pupil.Mask
	Timestamp float64
}

// Config controls the builder.
type Config struct {
	// Denoise forces least-squares modal projection of dome-seeing OPD
	// maps even when the record grid matches the pupil grid. Maps on a
	// different grid are always projected after resampling.
	Denoise bool
}

// Builder projects perturbation records onto the pupil grid using a
// shared modal basis. Safe for concurrent use: the basis and mask are
// immutable and the least-squares factorization is built once.
type Builder struct {
	basis  *modal.Basis
	mask   *pupil.Mask
	config Config
	logger *slog.Logger

	lsqOnce sync.Once
	lsq     []*segmentSolver
}

// NewBuilder creates a Builder over the given basis and mask. The basis
// grid must match the mask grid.
func NewBuilder(basis *modal.Basis, mask *pupil.Mask, config Config, logger *slog.Logger) (*Builder, error) {
	if basis.GridSize() != mask.N {
		return nil, fmt.Errorf("basis grid %d does not match pupil grid %d", basis.GridSize(), mask.N)
	}
	return &Builder{
		basis:  basis,
		mask:   mask,
		config: config,
		logger: logger,
	}, nil
}

// Project maps one perturbation record onto a Wavefront.
func (b *Builder) Project(rec *caseio.Record) (*Wavefront, error) {
	switch rec.Kind {
	case caseio.DomeSeeing:
		return b.projectOPD(rec)
	case caseio.WindLoads:
		return b.projectFEM(rec)
	default:
		return nil, fmt.Errorf("unknown record kind %d", int(rec.Kind))
	}
}

// projectOPD resamples a CFD OPD map onto the pupil grid. Maps on a
// foreign grid are bilinearly interpolated and then denoised by
// least-squares projection onto the modal basis.
func (b *Builder) projectOPD(rec *caseio.Record) (*Wavefront, error) {
	n := b.mask.N
	opd := make([]float64, n*n)

	sameGrid := rec.Nx == n && rec.Ny == n
	if sameGrid {
		for i, v := range rec.OPD {
			if b.mask.Inside(i) {
				opd[i] = v
			}
		}
	} else {
		b.resampleBilinear(rec, opd)
	}

	if !sameGrid || b.config.Denoise {
		coeffs, err := b.leastSquares(opd)
		if err != nil {
			return nil, err
		}
		b.Reconstruct(coeffs, opd)
	}

	return &Wavefront{OPD: opd, Mask: b.mask, Timestamp: rec.Timestamp}, nil
}

// resampleBilinear interpolates the record's OPD map onto the pupil
// grid. Both grids are assumed to span the full pupil extent. Points
// falling outside the source support are set to zero — a documented
// approximation that keeps the pupil edge well-defined instead of
// propagating NaNs.
func (b *Builder) resampleBilinear(rec *caseio.Record, dst []float64) {
	n := b.mask.N
	for i := range dst {
		if !b.mask.Inside(i) {
			continue
		}
		row := i / n
		col := i % n
		// Fractional position in source index space.
		sx := (float64(col) + 0.5) / float64(n) * float64(rec.Nx)
		sy := (float64(row) + 0.5) / float64(n) * float64(rec.Ny)
		x0 := int(math.Floor(sx - 0.5))
		y0 := int(math.Floor(sy - 0.5))
		fx := sx - 0.5 - float64(x0)
		fy := sy - 0.5 - float64(y0)

		v := 0.0
		for dy := 0; dy <= 1; dy++ {
			for dx := 0; dx <= 1; dx++ {
				xx := x0 + dx
				yy := y0 + dy
				if xx < 0 || xx >= rec.Nx || yy < 0 || yy >= rec.Ny {
					continue // outside source support: contributes zero
				}
				w := (1 - math.Abs(float64(dx)-fx)) * (1 - math.Abs(float64(dy)-fy))
				s := rec.OPD[yy*rec.Nx+xx]
				if math.IsNaN(s) {
					continue
				}
				v += w * s
			}
		}
		dst[i] = v
	}
}

// projectFEM synthesizes per-segment surface deformation from rigid-body
// motions and elastic modal coefficients, then converts to OPD with the
// double-pass reflection factor. M2 motions enter with opposite sign in
// the linear optical model.
func (b *Builder) projectFEM(rec *caseio.Record) (*Wavefront, error) {
	if len(rec.M1) > pupil.NSegments || len(rec.M2) > pupil.NSegments {
		return nil, fmt.Errorf("%w: record has %d segments, basis has %d",
			ErrProjection, max(len(rec.M1), len(rec.M2)), pupil.NSegments)
	}
	for seg := range rec.Elastic {
		if got, have := len(rec.Elastic[seg]), b.basis.NumModes(seg+1); got > have {
			return nil, fmt.Errorf("%w: segment %d: %d elastic coefficients, basis has %d modes",
				ErrProjection, seg+1, got, have)
		}
	}

	n := b.mask.N
	opd := make([]float64, n*n)

	// Rigid-body contribution: normal surface displacement from piston
	// and small-angle tip/tilt about the segment center.
	for i := 0; i < n*n; i++ {
		seg := int(b.mask.Segment[i])
		if seg == 0 || seg > len(rec.M1) {
			continue
		}
		x, y := b.mask.Coord(i)
		cx, cy := pupil.SegmentCenter(seg)
		m1 := rec.M1[seg-1]
		surface := m1[2] + m1[4]*(x-cx) - m1[3]*(y-cy)
		if seg <= len(rec.M2) {
			m2 := rec.M2[seg-1]
			surface -= m2[2] + m2[4]*(x-cx) - m2[3]*(y-cy)
		}
		// Reflection doubles the surface error.
		opd[i] = 2 * surface
	}

	// Elastic contribution through the modal basis.
	for seg, coeffs := range rec.Elastic {
		for k, c := range coeffs {
			if c == 0 {
				continue
			}
			mode, err := b.basis.Get(seg+1, k)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProjection, err)
			}
			for i, mv := range mode.Data {
				if mv != 0 {
					opd[i] += 2 * c * mv
				}
			}
		}
	}

	return &Wavefront{OPD: opd, Mask: b.mask, Timestamp: rec.Timestamp}, nil
}

// Coefficients extracts modal coefficients from an OPD map by
// inner-product projection over the pupil support, normalized by each
// mode's norm² (unity for an orthonormal basis). This avoids modal
// cross-talk for orthogonal bases.
func (b *Builder) Coefficients(opd []float64) [][]float64 {
	coeffs := make([][]float64, pupil.NSegments)
	for seg := 1; seg <= pupil.NSegments; seg++ {
		nm := b.basis.NumModes(seg)
		cs := make([]float64, nm)
		for k := 0; k < nm; k++ {
			mode, err := b.basis.Get(seg, k)
			if err != nil {
				continue
			}
			var d float64
			for i, mv := range mode.Data {
				if mv != 0 {
					d += mv * opd[i]
				}
			}
			if ns := b.basis.NormSq(seg, k); ns > 0 {
				cs[k] = d / ns
			}
		}
		coeffs[seg-1] = cs
	}
	return coeffs
}

// Reconstruct overwrites dst with the OPD map synthesized from modal
// coefficients (indexed [segment-1][mode]).
func (b *Builder) Reconstruct(coeffs [][]float64, dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for seg, cs := range coeffs {
		for k, c := range cs {
			if c == 0 {
				continue
			}
			mode, err := b.basis.Get(seg+1, k)
			if err != nil {
				continue
			}
			for i, mv := range mode.Data {
				if mv != 0 {
					dst[i] += c * mv
				}
			}
		}
	}
}

// leastSquares fits modal coefficients to an OPD map per segment,
// minimizing the residual over the segment support. The QR
// factorization of each segment's design matrix is built once and
// reused for every record.
func (b *Builder) leastSquares(opd []float64) ([][]float64, error) {
	b.lsqOnce.Do(b.buildSolvers)

	coeffs := make([][]float64, pupil.NSegments)
	for seg := 1; seg <= pupil.NSegments; seg++ {
		sv := b.lsq[seg-1]
		if sv == nil {
			coeffs[seg-1] = nil
			continue
		}
		cs, err := sv.solve(opd)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d least-squares: %v", ErrProjection, seg, err)
		}
		coeffs[seg-1] = cs
	}
	return coeffs, nil
}

// segmentSolver holds the QR factorization of one segment's design
// matrix: rows are the segment's pupil grid points, columns its modes.
type segmentSolver struct {
	qr     mat.QR
	pix    []int
	nModes int
}

func (b *Builder) buildSolvers() {
	b.lsq = make([]*segmentSolver, pupil.NSegments)
	for seg := 1; seg <= pupil.NSegments; seg++ {
		nm := b.basis.NumModes(seg)
		if nm == 0 {
			continue
		}
		var pix []int
		for i, s := range b.mask.Segment {
			if int(s) == seg {
				pix = append(pix, i)
			}
		}
		if len(pix) < nm {
			b.logger.Warn("segment support smaller than mode count, skipping least-squares",
				"segment", seg, "support", len(pix), "modes", nm)
			continue
		}

		a := mat.NewDense(len(pix), nm, nil)
		for k := 0; k < nm; k++ {
			mode, err := b.basis.Get(seg, k)
			if err != nil {
				continue
			}
			for r, i := range pix {
				a.Set(r, k, mode.Data[i])
			}
		}

		sv := &segmentSolver{pix: pix, nModes: nm}
		sv.qr.Factorize(a)
		b.lsq[seg-1] = sv
	}
}

func (sv *segmentSolver) solve(opd []float64) ([]float64, error) {
	y := mat.NewDense(len(sv.pix), 1, nil)
	for r, i := range sv.pix {
		y.Set(r, 0, opd[i])
	}
	var c mat.Dense
	if err := sv.qr.SolveTo(&c, false, y); err != nil {
		return nil, err
	}
	out := make([]float64, sv.nModes)
	for k := range out {
		out[k] = c.At(k, 0)
	}
	return out, nil
}
