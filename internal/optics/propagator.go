// Package optics Fourier-propagates wavefronts into instantaneous PSFs.
// The propagator builds the complex pupil field, zero-pads it by the
// oversampling factor, transforms it on a pooled compute engine and
// normalizes intensities so the diffraction-limited PSF integrates to
// unit flux. It is the hot path: one propagation per timestep per case
// across thousands of timesteps, so field buffers and engine state stay
// resident across calls.
package optics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pupil"
	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/wavefront"
)

// ErrInvalidWavefront indicates a wavefront with non-finite values or
// OPD beyond the configured physical bound. Such values are rejected
// before the transform rather than silently propagated.
var ErrInvalidWavefront = errors.New("invalid wavefront")

// masPerRadian converts radians to milliarcseconds.
const masPerRadian = 180 / math.Pi * 3600 * 1000

// Config holds propagator settings.
type Config struct {
	// Wavelength of the monochromatic source in meters.
	Wavelength float64

	// Oversampling is the zero-padding factor of the pupil grid
	// (default 4).
	Oversampling int

	// OPDBound is the largest acceptable |OPD| in meters. Zero selects
	// 1000 wavelengths, far beyond any physical perturbation.
	OPDBound float64

	// MaxSessions bounds concurrent propagation sessions and sizes the
	// engine pool (default 1).
	MaxSessions int
}

func (c *Config) setDefaults() {
	if c.Oversampling < 1 {
		c.Oversampling = 4
	}
	if c.OPDBound <= 0 {
		c.OPDBound = 1000 * c.Wavelength
	}
	if c.MaxSessions < 1 {
		c.MaxSessions = 1
	}
}

// Frame is one instantaneous PSF: an N×N intensity image normalized so
// the diffraction-limited frame integrates to unit flux.
type Frame struct {
	Data      []float64
	N         int
	Timestamp float64
}

// Propagator converts wavefronts into PSF frames. Immutable after New;
// concurrent cases each hold their own Session.
type Propagator struct {
	mask   *pupil.Mask
	config Config
	pool   *enginePool
	logger *slog.Logger

	padN    int
	refFlux float64 // raw integrated flux of the diffraction-limited frame
	refPeak float64 // normalized diffraction-limited peak, Strehl denominator
}

// New creates a Propagator over the given pupil mask. factory builds
// one compute engine per pooled session for padded fields of size
// PaddedSize()×PaddedSize(); nil selects the reference host engine.
// The diffraction-limited reference is computed once here.
func New(mask *pupil.Mask, factory func(n int) Engine, config Config, logger *slog.Logger) (*Propagator, error) {
	if config.Wavelength <= 0 {
		return nil, fmt.Errorf("wavelength must be positive, got %g", config.Wavelength)
	}
	config.setDefaults()

	padN := mask.N * config.Oversampling
	if factory == nil {
		factory = func(n int) Engine { return NewHostEngine(n) }
	}

	p := &Propagator{
		mask:   mask,
		config: config,
		padN:   padN,
		pool:   newEnginePool(config.MaxSessions, func() Engine { return factory(padN) }),
		logger: logger,
	}

	if err := p.computeReference(); err != nil {
		return nil, fmt.Errorf("computing diffraction-limited reference: %w", err)
	}

	logger.Info("propagator ready",
		"pupil_grid", mask.N,
		"oversampling", config.Oversampling,
		"padded_grid", padN,
		"wavelength_nm", config.Wavelength*1e9,
		"pixel_scale_mas", p.PixelScaleMas(),
		"sessions", config.MaxSessions,
	)

	return p, nil
}

// computeReference propagates a zero wavefront to establish the flux
// normalization and the Strehl denominator.
func (p *Propagator) computeReference() error {
	ctx := context.Background()
	s, err := p.NewSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	zero := &wavefront.Wavefront{
		OPD:  make([]float64, p.mask.N*p.mask.N),
		Mask: p.mask,
	}
	raw, err := s.propagateRaw(ctx, zero)
	if err != nil {
		return err
	}

	var flux, peak float64
	for _, v := range raw {
		flux += v
		if v > peak {
			peak = v
		}
	}
	if flux <= 0 {
		return errors.New("diffraction-limited flux is zero; empty pupil mask")
	}
	p.refFlux = flux
	p.refPeak = peak / flux
	return nil
}

// PaddedSize returns the padded transform grid size.
func (p *Propagator) PaddedSize() int { return p.padN }

// Capacity returns the maximum number of concurrent sessions.
func (p *Propagator) Capacity() int { return p.config.MaxSessions }

// Wavelength returns the source wavelength in meters.
func (p *Propagator) Wavelength() float64 { return p.config.Wavelength }

// ReferencePeak returns the normalized peak intensity of the
// diffraction-limited PSF, the denominator of the Strehl ratio.
func (p *Propagator) ReferencePeak() float64 { return p.refPeak }

// PixelScaleMas returns the PSF sampling scale in milliarcseconds per
// pixel: λ / (padded grid × pupil sample spacing).
func (p *Propagator) PixelScaleMas() float64 {
	return p.config.Wavelength / (float64(p.padN) * p.mask.Dx) * masPerRadian
}

// Session owns one pooled engine and a resident padded field buffer for
// the duration of one case. Not safe for concurrent use; each case
// holds exactly one session while active.
type Session struct {
	p      *Propagator
	engine Engine
	field  []complex128
	closed bool
}

// NewSession acquires an engine from the pool, blocking until one is
// available or ctx is done.
func (p *Propagator) NewSession(ctx context.Context) (*Session, error) {
	engine, err := p.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{
		p:      p,
		engine: engine,
		field:  make([]complex128, p.padN*p.padN),
	}, nil
}

// Close returns the session's engine to the pool. Idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.p.pool.release(s.engine)
	s.engine = nil
}

// Propagate converts one wavefront into a normalized PSF frame.
func (s *Session) Propagate(ctx context.Context, wf *wavefront.Wavefront) (*Frame, error) {
	raw, err := s.propagateRaw(ctx, wf)
	if err != nil {
		return nil, err
	}
	inv := 1 / s.p.refFlux
	for i := range raw {
		raw[i] *= inv
	}
	return &Frame{Data: raw, N: s.p.padN, Timestamp: wf.Timestamp}, nil
}

// propagateRaw validates the wavefront, fills the resident field buffer
// with pupilMask·exp(i·2π·OPD/λ) and runs the engine transform.
func (s *Session) propagateRaw(ctx context.Context, wf *wavefront.Wavefront) ([]float64, error) {
	if s.closed {
		return nil, errors.New("propagation session is closed")
	}
	mask := s.p.mask
	if wf.Mask.N != mask.N {
		return nil, fmt.Errorf("%w: wavefront grid %d does not match pupil grid %d", ErrInvalidWavefront, wf.Mask.N, mask.N)
	}

	bound := s.p.config.OPDBound
	n := mask.N
	padN := s.p.padN
	for i := range s.field {
		s.field[i] = 0
	}

	k := 2 * math.Pi / s.p.config.Wavelength
	for i := 0; i < n*n; i++ {
		if !mask.Inside(i) {
			continue
		}
		v := wf.OPD[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite OPD at pixel %d", ErrInvalidWavefront, i)
		}
		if math.Abs(v) > bound {
			return nil, fmt.Errorf("%w: |OPD|=%.3g m exceeds bound %.3g m at pixel %d", ErrInvalidWavefront, math.Abs(v), bound, i)
		}
		row := i / n
		col := i % n
		s.field[row*padN+col] = cmplx.Exp(complex(0, k*v))
	}

	intensity := make([]float64, padN*padN)
	if err := s.engine.Transform(ctx, s.field, padN, intensity); err != nil {
		return nil, err
	}
	return intensity, nil
}
