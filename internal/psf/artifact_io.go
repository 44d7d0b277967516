package psf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/GMTO-Integrated-Modeling/gmt-cfd-psf/internal/caseio"
)

// ErrArtifactFormat indicates a file that is not a recognizable PSF
// artifact dump.
var ErrArtifactFormat = errors.New("unrecognized artifact format")

// artifactMagic opens the self-describing PSF dump: header fields
// followed by the row-major intensity grid.
var artifactMagic = [8]byte{'G', 'M', 'T', 'P', 'S', 'F', '0', '1'}

type artifactHeader struct {
	N             uint32
	Frames        uint32
	Kind          uint32
	CaseNameLen   uint32
	PixelScaleMas float64
	Strehl        float64
	Exposure      float64
	Wavelength    float64
}

// WriteArtifact dumps an artifact to path. The layout is magic, grid
// size, frame count, kind, case-name length, pixel scale (mas), Strehl,
// exposure (s), wavelength (m), the case-name bytes, then N×N float64
// intensities, all little-endian.
func WriteArtifact(path string, a *Artifact) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	if _, err := w.Write(artifactMagic[:]); err != nil {
		return err
	}

	hdr := artifactHeader{
		N:             uint32(a.N),
		Frames:        uint32(a.Frames),
		Kind:          uint32(a.Kind),
		CaseNameLen:   uint32(len(a.CaseName)),
		PixelScaleMas: a.PixelScaleMas,
		Strehl:        a.Strehl,
		Exposure:      a.Exposure,
		Wavelength:    a.Wavelength,
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if _, err := w.WriteString(a.CaseName); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, a.Data); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// ReadArtifact loads an artifact dump written by WriteArtifact.
func ReadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: reading magic: %v", ErrArtifactFormat, path, err)
	}
	if !bytes.Equal(magic[:], artifactMagic[:]) {
		return nil, fmt.Errorf("%w: %s: bad magic %q", ErrArtifactFormat, path, magic[:])
	}

	var hdr artifactHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %s: reading header: %v", ErrArtifactFormat, path, err)
	}
	if hdr.N == 0 || hdr.N > 1<<16 || hdr.CaseNameLen > 1<<10 {
		return nil, fmt.Errorf("%w: %s: implausible header (n=%d, name=%d bytes)", ErrArtifactFormat, path, hdr.N, hdr.CaseNameLen)
	}

	name := make([]byte, hdr.CaseNameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("%w: %s: reading case name: %v", ErrArtifactFormat, path, err)
	}

	data := make([]float64, int(hdr.N)*int(hdr.N))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: %s: reading intensity grid: %v", ErrArtifactFormat, path, err)
	}

	return &Artifact{
		Data:          data,
		N:             int(hdr.N),
		PixelScaleMas: hdr.PixelScaleMas,
		Strehl:        hdr.Strehl,
		CaseName:      string(name),
		Kind:          caseio.Kind(hdr.Kind),
		Exposure:      hdr.Exposure,
		Wavelength:    hdr.Wavelength,
		Frames:        int(hdr.Frames),
	}, nil
}
