// Package modal provides the per-segment modal basis used to represent
// mirror surface deformations. A basis is loaded once at startup from a
// modes directory and shared read-only across all concurrent case
// processing.
package modal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/pupil"
)

var (
	// ErrDataNotFound indicates that mode data is missing for a segment.
	ErrDataNotFound = errors.New("modal data not found")

	// ErrFormat indicates corrupt or unrecognized mode data.
	ErrFormat = errors.New("invalid modal data format")

	// ErrOutOfRange indicates a segment or mode index outside the basis.
	ErrOutOfRange = errors.New("segment or mode index out of range")
)

// segment mode files are named segment_01.bin .. segment_07.bin and
// start with this magic followed by version, grid size and mode count.
var fileMagic = [4]byte{'G', 'M', 'T', 'M'}

const fileVersion = 1

// Mode is one immutable influence function: the surface response of a
// single segment degree of freedom, sampled on the full pupil grid and
// zero outside the segment support.
type Mode struct {
	Segment int // 1-based segment id
	Index   int // 0-based mode index within the segment
	Data    []float64
}

// Basis is an ordered collection of modes per segment. Immutable after
// construction; safe for concurrent reads without locking.
type Basis struct {
	n      int
	modes  [][]Mode    // indexed by segment-1
	normSq [][]float64 // mode norm² over the pupil support, same indexing
}

// Load reads mode files for all segments from dir.
// Returns ErrDataNotFound if a segment file is missing and ErrFormat if
// a file is corrupt or disagrees with its siblings on grid size.
func Load(dir string, logger *slog.Logger) (*Basis, error) {
	b := &Basis{
		modes:  make([][]Mode, pupil.NSegments),
		normSq: make([][]float64, pupil.NSegments),
	}

	for seg := 1; seg <= pupil.NSegments; seg++ {
		path := filepath.Join(dir, segmentFileName(seg))
		modes, n, err := readSegmentFile(path, seg)
		if err != nil {
			return nil, err
		}
		if b.n == 0 {
			b.n = n
		} else if n != b.n {
			return nil, fmt.Errorf("%w: segment %d grid %d×%d, expected %d×%d", ErrFormat, seg, n, n, b.n, b.n)
		}
		b.modes[seg-1] = modes
		b.normSq[seg-1] = norms(modes)
	}

	logger.Info("modal basis loaded",
		"dir", dir,
		"segments", pupil.NSegments,
		"modes_per_segment", len(b.modes[0]),
		"grid", b.n,
	)

	return b, nil
}

func segmentFileName(seg int) string {
	return fmt.Sprintf("segment_%02d.bin", seg)
}

func readSegmentFile(path string, seg int) ([]Mode, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: segment %d (%s)", ErrDataNotFound, seg, path)
		}
		return nil, 0, fmt.Errorf("opening segment %d modes: %w", seg, err)
	}
	defer f.Close()

	var hdr struct {
		Magic   [4]byte
		Version uint32
		N       uint32
		NModes  uint32
	}
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, 0, fmt.Errorf("%w: segment %d header: %v", ErrFormat, seg, err)
	}
	if hdr.Magic != fileMagic || hdr.Version != fileVersion {
		return nil, 0, fmt.Errorf("%w: segment %d: bad magic or version", ErrFormat, seg)
	}
	if hdr.N == 0 || hdr.NModes == 0 || hdr.N > 1<<14 {
		return nil, 0, fmt.Errorf("%w: segment %d: implausible dimensions %d×%d, %d modes", ErrFormat, seg, hdr.N, hdr.N, hdr.NModes)
	}

	n := int(hdr.N)
	modes := make([]Mode, hdr.NModes)
	for i := range modes {
		data := make([]float64, n*n)
		if err := binary.Read(f, binary.LittleEndian, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, fmt.Errorf("%w: segment %d truncated at mode %d", ErrFormat, seg, i)
			}
			return nil, 0, fmt.Errorf("reading segment %d mode %d: %w", seg, i, err)
		}
		modes[i] = Mode{Segment: seg, Index: i, Data: data}
	}

	return modes, n, nil
}

// SaveSegment writes modes for one segment to dir in the on-disk basis
// format. Used by mode-generation tooling and tests.
func SaveSegment(dir string, seg, n int, modes [][]float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, segmentFileName(seg)))
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := struct {
		Magic   [4]byte
		Version uint32
		N       uint32
		NModes  uint32
	}{fileMagic, fileVersion, uint32(n), uint32(len(modes))}
	if err := binary.Write(f, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	for _, m := range modes {
		if len(m) != n*n {
			return fmt.Errorf("mode length %d does not match grid %d×%d", len(m), n, n)
		}
		if err := binary.Write(f, binary.LittleEndian, m); err != nil {
			return err
		}
	}
	return nil
}

// GridSize returns the pupil grid size the basis is sampled on.
func (b *Basis) GridSize() int {
	return b.n
}

// NumModes returns the number of modes for the given 1-based segment id,
// or 0 if the segment is not part of the basis.
func (b *Basis) NumModes(segment int) int {
	if segment < 1 || segment > len(b.modes) {
		return 0
	}
	return len(b.modes[segment-1])
}

// Get returns the mode for the given 1-based segment id and 0-based mode
// index. Returns ErrOutOfRange on invalid indices.
func (b *Basis) Get(segment, index int) (*Mode, error) {
	if segment < 1 || segment > len(b.modes) {
		return nil, fmt.Errorf("%w: segment %d", ErrOutOfRange, segment)
	}
	ms := b.modes[segment-1]
	if index < 0 || index >= len(ms) {
		return nil, fmt.Errorf("%w: segment %d mode %d (have %d)", ErrOutOfRange, segment, index, len(ms))
	}
	return &ms[index], nil
}

// NormSq returns the norm² of the given mode over the pupil support.
// Returns 0 for invalid indices; callers that need the distinction use Get.
func (b *Basis) NormSq(segment, index int) float64 {
	if segment < 1 || segment > len(b.normSq) {
		return 0
	}
	ns := b.normSq[segment-1]
	if index < 0 || index >= len(ns) {
		return 0
	}
	return ns[index]
}

func norms(modes []Mode) []float64 {
	ns := make([]float64, len(modes))
	for i, m := range modes {
		var s float64
		for _, v := range m.Data {
			s += v * v
		}
		ns[i] = s
	}
	return ns
}

// PistonTipTilt builds an orthonormal piston/tip/tilt basis directly on
// the given mask, without touching disk. Each segment gets up to nModes
// of {piston, x-tilt, y-tilt}, orthonormalized over the segment support
// by modified Gram-Schmidt. Segments have disjoint supports, so the
// resulting basis is orthonormal over the whole pupil.
func PistonTipTilt(mask *pupil.Mask, nModes int) *Basis {
	if nModes < 1 {
		nModes = 1
	}
	if nModes > 3 {
		nModes = 3
	}

	n := mask.N
	b := &Basis{
		n:      n,
		modes:  make([][]Mode, pupil.NSegments),
		normSq: make([][]float64, pupil.NSegments),
	}

	for seg := 1; seg <= pupil.NSegments; seg++ {
		cx, cy := pupil.SegmentCenter(seg)
		raw := make([][]float64, nModes)
		for k := range raw {
			raw[k] = make([]float64, n*n)
		}
		for i := 0; i < n*n; i++ {
			if int(mask.Segment[i]) != seg {
				continue
			}
			x, y := mask.Coord(i)
			raw[0][i] = 1
			if nModes > 1 {
				raw[1][i] = x - cx
			}
			if nModes > 2 {
				raw[2][i] = y - cy
			}
		}

		// Modified Gram-Schmidt.
		for k := range raw {
			for j := 0; j < k; j++ {
				d := dot(raw[k], raw[j])
				for i := range raw[k] {
					raw[k][i] -= d * raw[j][i]
				}
			}
			nrm := math.Sqrt(dot(raw[k], raw[k]))
			if nrm > 0 {
				for i := range raw[k] {
					raw[k][i] /= nrm
				}
			}
		}

		modes := make([]Mode, nModes)
		for k := range modes {
			modes[k] = Mode{Segment: seg, Index: k, Data: raw[k]}
		}
		b.modes[seg-1] = modes
		b.normSq[seg-1] = norms(modes)
	}

	return b
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Save writes the whole basis to dir, one file per segment.
func (b *Basis) Save(dir string) error {
	for seg := 1; seg <= len(b.modes); seg++ {
		raw := make([][]float64, len(b.modes[seg-1]))
		for i, m := range b.modes[seg-1] {
			raw[i] = m.Data
		}
		if err := SaveSegment(dir, seg, b.n, raw); err != nil {
			return fmt.Errorf("saving segment %d: %w", seg, err)
		}
	}
	return nil
}
