// Package view describes what a caller wants computed: a named view with one
// or more calculation configurations, each listing terminal requirements.
package view

import (
	"fmt"
	"time"

	"github.com/specialistvlad/calcgrid/internal/value"
)

// Definition is a named view.
type Definition struct {
	Name        string
	CalcConfigs []CalcConfig
}

// CalcConfig is one calculation configuration of a view.
type CalcConfig struct {
	Name         string
	Requirements []value.Requirement
}

// CalcConfig returns the configuration with the given name.
func (d *Definition) CalcConfig(name string) (CalcConfig, bool) {
	for _, cc := range d.CalcConfigs {
		if cc.Name == name {
			return cc, true
		}
	}
	return CalcConfig{}, false
}

// VersionCorrection pins the versions of the reference data a graph was
// built against. The zero value means "latest".
type VersionCorrection struct {
	VersionAsOf time.Time
	CorrectedTo time.Time
}

// Latest returns the zero VersionCorrection.
func Latest() VersionCorrection {
	return VersionCorrection{}
}

// IsLatest reports whether both instants are unset.
func (v VersionCorrection) IsLatest() bool {
	return v.VersionAsOf.IsZero() && v.CorrectedTo.IsZero()
}

func (v VersionCorrection) String() string {
	if v.IsLatest() {
		return "LATEST"
	}
	return fmt.Sprintf("V%s.C%s", stamp(v.VersionAsOf), stamp(v.CorrectedTo))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "LATEST"
	}
	return t.UTC().Format(time.RFC3339)
}
