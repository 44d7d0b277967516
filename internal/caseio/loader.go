package caseio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrCaseNotFound indicates the case directory or series file is absent.
	ErrCaseNotFound = errors.New("case not found")

	// ErrSchemaMismatch indicates the series layout does not match the
	// requested perturbation kind.
	ErrSchemaMismatch = errors.New("series schema mismatch")

	// ErrOrderingViolation indicates timestamps are not strictly increasing.
	ErrOrderingViolation = errors.New("timestamp ordering violation")
)

// Series file names within a case directory.
const (
	domeSeeingFile = "domeseeing.bin"
	windLoadsFile  = "m1_m2_rbms.bin"
)

// Series file magics. Each kind has its own; opening a file of the
// wrong kind is a schema mismatch, not corruption.
var (
	magicCFD = [8]byte{'G', 'M', 'T', 'C', 'F', 'D', '0', '1'}
	magicFEM = [8]byte{'G', 'M', 'T', 'F', 'E', 'M', '0', '1'}
)

// SeriesObject returns the repository-relative object path of the
// series file for caseName of the given kind, with forward slashes.
func SeriesObject(caseName string, kind Kind) string {
	if kind == WindLoads {
		return caseName + "/" + windLoadsFile
	}
	return caseName + "/" + domeSeeingFile
}

// NumRigidBodyDOF is the rigid-body degrees of freedom per segment:
// three translations and three rotations.
const NumRigidBodyDOF = 6

// Record is one perturbation timestep. Exactly one of the payloads is
// populated, according to Kind.
type Record struct {
	CaseName  string
	Kind      Kind
	Timestamp float64 // seconds from series start

	// DomeSeeing payload: OPD map in meters on an Nx×Ny grid, row-major.
	OPD    []float64
	Nx, Ny int

	// WindLoads payload: per-segment rigid-body motions for M1 and M2
	// (Tx, Ty, Tz, Rx, Ry, Rz — meters and radians) plus optional
	// elastic modal coefficients per M1 segment.
	M1, M2  [][NumRigidBodyDOF]float64
	Elastic [][]float64
}

// Series is a lazy, forward-only reader of one case's time series.
// One open Series is single-pass; Rewind restarts from the first record
// and reproduces the same sequence. Not safe for concurrent use.
type Series struct {
	caseName string
	kind     Kind

	f *os.File
	r *bufio.Reader

	// dome seeing geometry
	nx, ny int

	// windloads geometry
	nSeg, nElastic int

	dataStart  int64
	recordSize int

	// decimation: drop the first skip records, then keep every stride-th.
	skip   int
	stride int

	index   int // absolute record index, including skipped records
	prevTS  float64
	hasPrev bool
}

// Open opens the series for caseName of the given kind under root.
// The returned Series reads lazily; the caller must Close it.
func Open(root, caseName string, kind Kind) (*Series, error) {
	var file string
	switch kind {
	case DomeSeeing:
		file = domeSeeingFile
	case WindLoads:
		file = windLoadsFile
	default:
		return nil, fmt.Errorf("unknown perturbation kind %d", int(kind))
	}

	path := filepath.Join(root, caseName, file)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrCaseNotFound, caseName, path)
		}
		return nil, fmt.Errorf("opening case %s: %w", caseName, err)
	}

	s := &Series{
		caseName: caseName,
		kind:     kind,
		f:        f,
		r:        bufio.NewReaderSize(f, 1<<20),
		stride:   1,
	}
	if err := s.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Series) readHeader() error {
	var magic [8]byte
	if _, err := io.ReadFull(s.r, magic[:]); err != nil {
		return fmt.Errorf("%w: %s: short header", ErrSchemaMismatch, s.caseName)
	}

	switch {
	case magic == magicCFD && s.kind == DomeSeeing:
		var dims struct{ Nx, Ny uint32 }
		if err := binary.Read(s.r, binary.LittleEndian, &dims); err != nil {
			return fmt.Errorf("%w: %s: truncated CFD header", ErrSchemaMismatch, s.caseName)
		}
		if dims.Nx == 0 || dims.Ny == 0 || dims.Nx > 1<<14 || dims.Ny > 1<<14 {
			return fmt.Errorf("%w: %s: implausible OPD grid %d×%d", ErrSchemaMismatch, s.caseName, dims.Nx, dims.Ny)
		}
		s.nx, s.ny = int(dims.Nx), int(dims.Ny)
		s.recordSize = 8 * (1 + s.nx*s.ny)
		s.dataStart = 8 + 8

	case magic == magicFEM && s.kind == WindLoads:
		var dims struct{ NSeg, NElastic uint32 }
		if err := binary.Read(s.r, binary.LittleEndian, &dims); err != nil {
			return fmt.Errorf("%w: %s: truncated FEM header", ErrSchemaMismatch, s.caseName)
		}
		if dims.NSeg == 0 || dims.NSeg > 64 || dims.NElastic > 1<<12 {
			return fmt.Errorf("%w: %s: implausible FEM layout %d segments, %d elastic modes", ErrSchemaMismatch, s.caseName, dims.NSeg, dims.NElastic)
		}
		s.nSeg, s.nElastic = int(dims.NSeg), int(dims.NElastic)
		s.recordSize = 8 * (1 + 2*s.nSeg*NumRigidBodyDOF + s.nSeg*s.nElastic)
		s.dataStart = 8 + 8

	case magic == magicCFD || magic == magicFEM:
		return fmt.Errorf("%w: %s holds %s data, requested %s",
			ErrSchemaMismatch, s.caseName, magicKind(magic), s.kind)

	default:
		return fmt.Errorf("%w: %s: unrecognized series format", ErrSchemaMismatch, s.caseName)
	}

	return nil
}

func magicKind(magic [8]byte) Kind {
	if magic == magicCFD {
		return DomeSeeing
	}
	return WindLoads
}

// Decimate configures the series to drop the first skip records and
// then keep every stride-th record. Windloads FEM exports ramp from
// zero and reach steady state only after a few seconds at a high sample
// rate; the warm-up is skipped and the rest downsampled. Must be called
// before the first Next. Skipped records are discarded without being
// decoded, so timestamp ordering is enforced only on kept records.
func (s *Series) Decimate(skip, stride int) {
	if skip > 0 {
		s.skip = skip
	}
	if stride > 1 {
		s.stride = stride
	}
}

// CaseName returns the case this series belongs to.
func (s *Series) CaseName() string { return s.caseName }

// Kind returns the perturbation kind of this series.
func (s *Series) Kind() Kind { return s.kind }

// GridSize returns the OPD grid dimensions for a dome-seeing series,
// or (0, 0) for windloads.
func (s *Series) GridSize() (nx, ny int) { return s.nx, s.ny }

// Next returns the next record, or io.EOF at series end.
// Returns ErrOrderingViolation if timestamps are not strictly increasing,
// guarding against malformed exports.
func (s *Series) Next() (*Record, error) {
	for {
		keep := s.index >= s.skip && (s.index-s.skip)%s.stride == 0
		if !keep {
			if err := s.discardRecord(); err != nil {
				return nil, err
			}
			s.index++
			continue
		}

		rec, err := s.readRecord()
		if err != nil {
			return nil, err
		}
		s.index++

		if s.hasPrev && rec.Timestamp <= s.prevTS {
			return nil, fmt.Errorf("%w: %s: record %d at t=%g after t=%g",
				ErrOrderingViolation, s.caseName, s.index-1, rec.Timestamp, s.prevTS)
		}
		s.prevTS = rec.Timestamp
		s.hasPrev = true
		return rec, nil
	}
}

func (s *Series) discardRecord() error {
	if _, err := s.r.Discard(s.recordSize); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("reading case %s: %w", s.caseName, err)
	}
	return nil
}

func (s *Series) readRecord() (*Record, error) {
	var ts float64
	if err := binary.Read(s.r, binary.LittleEndian, &ts); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading case %s: %w", s.caseName, err)
	}

	rec := &Record{
		CaseName:  s.caseName,
		Kind:      s.kind,
		Timestamp: ts,
	}

	switch s.kind {
	case DomeSeeing:
		rec.Nx, rec.Ny = s.nx, s.ny
		rec.OPD = make([]float64, s.nx*s.ny)
		if err := binary.Read(s.r, binary.LittleEndian, rec.OPD); err != nil {
			return nil, fmt.Errorf("reading case %s: truncated OPD record: %w", s.caseName, err)
		}

	case WindLoads:
		rec.M1 = make([][NumRigidBodyDOF]float64, s.nSeg)
		rec.M2 = make([][NumRigidBodyDOF]float64, s.nSeg)
		for i := range rec.M1 {
			if err := binary.Read(s.r, binary.LittleEndian, &rec.M1[i]); err != nil {
				return nil, fmt.Errorf("reading case %s: truncated M1 record: %w", s.caseName, err)
			}
		}
		for i := range rec.M2 {
			if err := binary.Read(s.r, binary.LittleEndian, &rec.M2[i]); err != nil {
				return nil, fmt.Errorf("reading case %s: truncated M2 record: %w", s.caseName, err)
			}
		}
		if s.nElastic > 0 {
			rec.Elastic = make([][]float64, s.nSeg)
			for i := range rec.Elastic {
				rec.Elastic[i] = make([]float64, s.nElastic)
				if err := binary.Read(s.r, binary.LittleEndian, rec.Elastic[i]); err != nil {
					return nil, fmt.Errorf("reading case %s: truncated elastic record: %w", s.caseName, err)
				}
			}
		}
	}

	return rec, nil
}

// Rewind restarts the series from the first record. Re-reading after a
// Rewind reproduces the same sequence.
func (s *Series) Rewind() error {
	if _, err := s.f.Seek(s.dataStart, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding case %s: %w", s.caseName, err)
	}
	s.r.Reset(s.f)
	s.index = 0
	s.hasPrev = false
	return nil
}

// Close releases the underlying file.
func (s *Series) Close() error {
	return s.f.Close()
}
