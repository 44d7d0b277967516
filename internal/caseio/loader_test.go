package caseio

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func domeSeeingRecords(timestamps []float64, nx, ny int) []Record {
	recs := make([]Record, len(timestamps))
	for i, ts := range timestamps {
		opd := make([]float64, nx*ny)
		for j := range opd {
			opd[j] = float64(i) * 1e-9
		}
		recs[i] = Record{Timestamp: ts, OPD: opd}
	}
	return recs
}

func windLoadsRecords(timestamps []float64, nSeg, nElastic int) []Record {
	recs := make([]Record, len(timestamps))
	for i, ts := range timestamps {
		rec := Record{
			Timestamp: ts,
			M1:        make([][NumRigidBodyDOF]float64, nSeg),
			M2:        make([][NumRigidBodyDOF]float64, nSeg),
		}
		rec.M1[0][2] = float64(i) * 1e-8 // piston on segment 1
		if nElastic > 0 {
			rec.Elastic = make([][]float64, nSeg)
			for s := range rec.Elastic {
				rec.Elastic[s] = make([]float64, nElastic)
			}
		}
		recs[i] = rec
	}
	return recs
}

// TestDomeSeeingRoundTrip verifies a written series reads back record
// by record.
func TestDomeSeeingRoundTrip(t *testing.T) {
	root := t.TempDir()
	ts := []float64{0, 0.2, 0.4, 0.6}
	if err := WriteDomeSeeing(root, "zen30az000_OS7", 8, 8, domeSeeingRecords(ts, 8, 8)); err != nil {
		t.Fatalf("WriteDomeSeeing failed: %v", err)
	}

	s, err := Open(root, "zen30az000_OS7", DomeSeeing)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if nx, ny := s.GridSize(); nx != 8 || ny != 8 {
		t.Fatalf("grid = %d×%d, want 8×8", nx, ny)
	}

	for i, want := range ts {
		rec, err := s.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if rec.Timestamp != want {
			t.Errorf("record %d timestamp = %g, want %g", i, rec.Timestamp, want)
		}
		if rec.Kind != DomeSeeing || len(rec.OPD) != 64 {
			t.Errorf("record %d: kind %v, %d OPD samples", i, rec.Kind, len(rec.OPD))
		}
		if rec.OPD[0] != float64(i)*1e-9 {
			t.Errorf("record %d OPD[0] = %g", i, rec.OPD[0])
		}
	}

	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err after last record = %v, want io.EOF", err)
	}
}

// TestWindLoadsRoundTrip verifies the FEM record layout.
func TestWindLoadsRoundTrip(t *testing.T) {
	root := t.TempDir()
	ts := []float64{0, 1, 2}
	if err := WriteWindLoads(root, "zen30az000_OS7", 7, 4, windLoadsRecords(ts, 7, 4)); err != nil {
		t.Fatalf("WriteWindLoads failed: %v", err)
	}

	s, err := Open(root, "zen30az000_OS7", WindLoads)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := range ts {
		rec, err := s.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if len(rec.M1) != 7 || len(rec.M2) != 7 {
			t.Fatalf("record %d: %d M1 / %d M2 segments", i, len(rec.M1), len(rec.M2))
		}
		if rec.M1[0][2] != float64(i)*1e-8 {
			t.Errorf("record %d M1[0].Tz = %g", i, rec.M1[0][2])
		}
		if len(rec.Elastic) != 7 || len(rec.Elastic[0]) != 4 {
			t.Errorf("record %d: elastic layout %dx%d", i, len(rec.Elastic), len(rec.Elastic[0]))
		}
	}
}

// TestOrderingViolation verifies the loader rejects a series whose
// timestamps go backwards.
func TestOrderingViolation(t *testing.T) {
	root := t.TempDir()
	ts := []float64{0, 1, 0.5, 2}
	if err := WriteDomeSeeing(root, "bad", 4, 4, domeSeeingRecords(ts, 4, 4)); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root, "bad", DomeSeeing)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatal(err)
	}
	_, err = s.Next()
	if !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("err = %v, want ErrOrderingViolation", err)
	}
}

// TestCaseNotFound verifies the missing-case error.
func TestCaseNotFound(t *testing.T) {
	_, err := Open(t.TempDir(), "zen30az000_OS7", DomeSeeing)
	if !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("err = %v, want ErrCaseNotFound", err)
	}
}

// TestSchemaMismatch verifies that a mislabeled export — a file whose
// payload belongs to the other perturbation kind — is reported as a
// schema mismatch, as is unrecognized content.
func TestSchemaMismatch(t *testing.T) {
	root := t.TempDir()
	if err := WriteWindLoads(root, "c1", 7, 0, windLoadsRecords([]float64{0, 1}, 7, 0)); err != nil {
		t.Fatal(err)
	}
	if err := WriteDomeSeeing(root, "c2", 4, 4, domeSeeingRecords([]float64{0, 1}, 4, 4)); err != nil {
		t.Fatal(err)
	}

	// CFD payload under the windloads file name.
	if err := copyFile(
		filepath.Join(root, "c2", domeSeeingFile),
		filepath.Join(root, "c1", windLoadsFile),
	); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(root, "c1", WindLoads); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}

	// Unrecognized content under the dome-seeing file name.
	if err := os.WriteFile(filepath.Join(root, "c2", domeSeeingFile), []byte("garbage data, not a series"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(root, "c2", DomeSeeing); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// TestDecimateSkipsOrderingOfDroppedRecords pins the documented
// trade-off: dropped records are discarded undecoded, so disorder
// confined to them goes unnoticed while kept records stay ordered.
func TestDecimateSkipsOrderingOfDroppedRecords(t *testing.T) {
	root := t.TempDir()
	ts := []float64{0, 1, 2, 0.5, 4, 5, 6, 7}
	if err := WriteWindLoads(root, "c", 7, 0, windLoadsRecords(ts, 7, 0)); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root, "c", WindLoads)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Decimate(0, 4) // keep records 0 and 4; disorder at record 3 is dropped

	want := []float64{0, 4}
	for i, w := range want {
		rec, err := s.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if rec.Timestamp != w {
			t.Errorf("kept record %d timestamp = %g, want %g", i, rec.Timestamp, w)
		}
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

// TestRewindReproducesSequence verifies restartability.
func TestRewindReproducesSequence(t *testing.T) {
	root := t.TempDir()
	ts := []float64{0, 0.2, 0.4}
	if err := WriteDomeSeeing(root, "c", 4, 4, domeSeeingRecords(ts, 4, 4)); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root, "c", DomeSeeing)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var first []float64
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		first = append(first, rec.Timestamp)
	}

	if err := s.Rewind(); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}

	var second []float64
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		second = append(second, rec.Timestamp)
	}

	if len(first) != len(second) {
		t.Fatalf("first pass %d records, second %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("record %d: %g vs %g after rewind", i, first[i], second[i])
		}
	}
}

// TestDecimate verifies warm-up skip and stride downsampling.
func TestDecimate(t *testing.T) {
	root := t.TempDir()
	ts := make([]float64, 20)
	for i := range ts {
		// Exactly representable spacing so timestamps compare with ==.
		ts[i] = float64(i) * 0.25
	}
	if err := WriteWindLoads(root, "c", 7, 0, windLoadsRecords(ts, 7, 0)); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root, "c", WindLoads)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Decimate(5, 4) // keep records 5, 9, 13, 17

	want := []float64{1.25, 2.25, 3.25, 4.25}
	for i, w := range want {
		rec, err := s.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if rec.Timestamp != w {
			t.Errorf("decimated record %d timestamp = %g, want %g", i, rec.Timestamp, w)
		}
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
