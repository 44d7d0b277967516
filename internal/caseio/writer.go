package caseio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// WriteDomeSeeing writes a dome-seeing series for caseName under root.
// Each record must carry Timestamp and an OPD map of nx×ny samples.
// Used by export tooling and tests; the reader side is Open.
func WriteDomeSeeing(root, caseName string, nx, ny int, records []Record) error {
	w, f, err := createSeries(root, caseName, domeSeeingFile)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := w.Write(magicCFD[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, struct{ Nx, Ny uint32 }{uint32(nx), uint32(ny)}); err != nil {
		return err
	}

	for i, rec := range records {
		if len(rec.OPD) != nx*ny {
			return fmt.Errorf("record %d: OPD length %d does not match %d×%d", i, len(rec.OPD), nx, ny)
		}
		if err := binary.Write(w, binary.LittleEndian, rec.Timestamp); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, rec.OPD); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// WriteWindLoads writes a windloads series for caseName under root.
// Every record must carry nSeg M1 and M2 rigid-body entries and, when
// nElastic > 0, nSeg elastic coefficient vectors of that length.
func WriteWindLoads(root, caseName string, nSeg, nElastic int, records []Record) error {
	w, f, err := createSeries(root, caseName, windLoadsFile)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := w.Write(magicFEM[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, struct{ NSeg, NElastic uint32 }{uint32(nSeg), uint32(nElastic)}); err != nil {
		return err
	}

	for i, rec := range records {
		if len(rec.M1) != nSeg || len(rec.M2) != nSeg {
			return fmt.Errorf("record %d: want %d segments, have M1=%d M2=%d", i, nSeg, len(rec.M1), len(rec.M2))
		}
		if err := binary.Write(w, binary.LittleEndian, rec.Timestamp); err != nil {
			return err
		}
		for _, seg := range rec.M1 {
			if err := binary.Write(w, binary.LittleEndian, &seg); err != nil {
				return err
			}
		}
		for _, seg := range rec.M2 {
			if err := binary.Write(w, binary.LittleEndian, &seg); err != nil {
				return err
			}
		}
		if nElastic > 0 {
			for s, coeffs := range rec.Elastic {
				if len(coeffs) != nElastic {
					return fmt.Errorf("record %d segment %d: want %d elastic coefficients, have %d", i, s+1, nElastic, len(coeffs))
				}
				if err := binary.Write(w, binary.LittleEndian, coeffs); err != nil {
					return err
				}
			}
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func createSeries(root, caseName, file string) (*bufio.Writer, *os.File, error) {
	dir := filepath.Join(root, caseName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(filepath.Join(dir, file))
	if err != nil {
		return nil, nil, err
	}
	return bufio.NewWriterSize(f, 1<<20), f, nil
}
