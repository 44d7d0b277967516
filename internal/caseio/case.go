// Package caseio reads CFD and FEM perturbation time series for one
// telescope case. A case is identified by its zenith angle, azimuth
// angle, enclosure configuration and wind speed; its data lives in a
// locally mirrored repository directory named after the case.
package caseio

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind selects the perturbation source of a time series.
type Kind int

const (
	// DomeSeeing is enclosure turbulence: full optical path difference
	// maps on the pupil grid from CFD.
	DomeSeeing Kind = iota

	// WindLoads is wind-induced structural deflection: per-segment
	// rigid-body motions and elastic modal forces from FEM.
	WindLoads
)

func (k Kind) String() string {
	switch k {
	case DomeSeeing:
		return "dome-seeing"
	case WindLoads:
		return "windloads"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a user-facing kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dome-seeing", "domeseeing":
		return DomeSeeing, nil
	case "windloads", "wind-loads":
		return WindLoads, nil
	default:
		return 0, fmt.Errorf("unknown perturbation kind %q", s)
	}
}

// Valid zenith angles, azimuth angles and wind speeds of the CFD baseline.
var (
	ZenithAngles  = []int{0, 30, 60}
	AzimuthAngles = []int{0, 45, 90, 135, 180}
	WindSpeeds    = []int{2, 7, 12, 17}
)

// CfdCase identifies one CFD baseline case.
type CfdCase struct {
	Zenith    int    // degrees: 0, 30 or 60
	Azimuth   int    // degrees: 0, 45, 90, 135 or 180
	Enclosure string // "os", "cd" or "cs"
	WindSpeed int    // m/s: 2, 7, 12 or 17
}

// EnclosureConfig derives the enclosure configuration from wind speed
// and zenith angle: open sky for wind ≤ 7 m/s, closed dome above that
// below 60° zenith, closed sky otherwise.
func EnclosureConfig(windSpeed, zenith int) string {
	if windSpeed <= 7 {
		return "os"
	}
	if zenith < 60 {
		return "cd"
	}
	return "cs"
}

// Colloquial builds a CfdCase from zenith, azimuth and wind speed,
// deriving the enclosure configuration.
func Colloquial(zenith, azimuth, windSpeed int) (CfdCase, error) {
	c := CfdCase{
		Zenith:    zenith,
		Azimuth:   azimuth,
		Enclosure: EnclosureConfig(windSpeed, zenith),
		WindSpeed: windSpeed,
	}
	if !contains(ZenithAngles, zenith) {
		return c, fmt.Errorf("invalid zenith angle %d (want one of %v)", zenith, ZenithAngles)
	}
	if !contains(AzimuthAngles, azimuth) {
		return c, fmt.Errorf("invalid azimuth angle %d (want one of %v)", azimuth, AzimuthAngles)
	}
	if !contains(WindSpeeds, windSpeed) {
		return c, fmt.Errorf("invalid wind speed %d (want one of %v)", windSpeed, WindSpeeds)
	}
	return c, nil
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// String formats the case in repository naming convention, e.g.
// "zen30az045_OS7".
func (c CfdCase) String() string {
	return fmt.Sprintf("zen%02daz%03d_%s%d", c.Zenith, c.Azimuth, strings.ToUpper(c.Enclosure), c.WindSpeed)
}

// ParseCase parses a repository case name such as "zen30az045_OS7".
func ParseCase(name string) (CfdCase, error) {
	var c CfdCase
	rest, ok := strings.CutPrefix(name, "zen")
	if !ok {
		return c, fmt.Errorf("invalid case name %q", name)
	}
	azIdx := strings.Index(rest, "az")
	sepIdx := strings.Index(rest, "_")
	if azIdx < 0 || sepIdx < azIdx+2 || len(rest) < sepIdx+3 {
		return c, fmt.Errorf("invalid case name %q", name)
	}

	zen, err := strconv.Atoi(rest[:azIdx])
	if err != nil {
		return c, fmt.Errorf("invalid case name %q: zenith: %w", name, err)
	}
	az, err := strconv.Atoi(rest[azIdx+2 : sepIdx])
	if err != nil {
		return c, fmt.Errorf("invalid case name %q: azimuth: %w", name, err)
	}

	suffix := rest[sepIdx+1:]
	enclosure := strings.ToLower(suffix[:2])
	if enclosure != "os" && enclosure != "cd" && enclosure != "cs" {
		return c, fmt.Errorf("invalid case name %q: enclosure %q", name, enclosure)
	}
	wind, err := strconv.Atoi(suffix[2:])
	if err != nil {
		return c, fmt.Errorf("invalid case name %q: wind speed: %w", name, err)
	}

	c = CfdCase{Zenith: zen, Azimuth: az, Enclosure: enclosure, WindSpeed: wind}
	return c, nil
}

// Baseline enumerates the full CFD baseline sweep: every valid
// zenith/azimuth/wind-speed combination with its derived enclosure.
func Baseline() []CfdCase {
	var cases []CfdCase
	for _, zen := range ZenithAngles {
		for _, az := range AzimuthAngles {
			for _, ws := range WindSpeeds {
				cases = append(cases, CfdCase{
					Zenith:    zen,
					Azimuth:   az,
					Enclosure: EnclosureConfig(ws, zen),
					WindSpeed: ws,
				})
			}
		}
	}
	return cases
}
