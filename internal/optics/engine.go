package optics

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrDevice indicates a transient compute-engine failure. The pipeline
// retries a failed transform once per timestep before escalating.
var ErrDevice = errors.New("device error")

// ErrCapacity indicates the requested concurrency exceeds the engine
// pool capacity.
var ErrCapacity = errors.New("engine capacity exceeded")

// Engine is the propagation compute capability. Implementations keep
// their transform state resident between calls; an Engine is owned by a
// single session at a time and must not be shared concurrently.
//
// Transform applies a 2-D DFT to the n×n complex field and writes the
// squared magnitudes into intensity with the zero-frequency component
// centered. Both slices have length n×n.
type Engine interface {
	Transform(ctx context.Context, field []complex128, n int, intensity []float64) error
}

// HostEngine is the reference CPU implementation, the golden baseline
// for any accelerated engine. It keeps its FFT plan and column scratch
// resident across calls.
type HostEngine struct {
	n   int
	fft *fourier.CmplxFFT
	col []complex128
}

// NewHostEngine creates a host engine for n×n fields.
func NewHostEngine(n int) *HostEngine {
	return &HostEngine{
		n:   n,
		fft: fourier.NewCmplxFFT(n),
		col: make([]complex128, n),
	}
}

// Transform implements Engine using separable row/column FFTs.
func (e *HostEngine) Transform(ctx context.Context, field []complex128, n int, intensity []float64) error {
	if n != e.n {
		return errors.New("field size does not match engine plan")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Rows in place.
	for r := 0; r < n; r++ {
		row := field[r*n : (r+1)*n]
		e.fft.Coefficients(row, row)
	}

	// Columns through the resident scratch buffer.
	for c := 0; c < n; c++ {
		for r := 0; r < n; r++ {
			e.col[r] = field[r*n+c]
		}
		e.fft.Coefficients(e.col, e.col)
		for r := 0; r < n; r++ {
			field[r*n+c] = e.col[r]
		}
	}

	// Squared magnitude with the zero frequency moved to the center.
	h := n / 2
	for r := 0; r < n; r++ {
		sr := (r + h) % n
		for c := 0; c < n; c++ {
			sc := (c + h) % n
			v := field[r*n+c]
			re, im := real(v), imag(v)
			intensity[sr*n+sc] = re*re + im*im
		}
	}

	return nil
}

// enginePool hands out engines to sessions. Engines are returned on
// session close or cancellation; acquisition blocks until one is free.
type enginePool struct {
	engines chan Engine
	size    int
}

func newEnginePool(size int, factory func() Engine) *enginePool {
	p := &enginePool{
		engines: make(chan Engine, size),
		size:    size,
	}
	for i := 0; i < size; i++ {
		p.engines <- factory()
	}
	return p
}

func (p *enginePool) acquire(ctx context.Context) (Engine, error) {
	select {
	case e := <-p.engines:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *enginePool) release(e Engine) {
	p.engines <- e
}
