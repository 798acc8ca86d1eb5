package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalcConfig(t *testing.T) {
	d := &Definition{Name: "book", CalcConfigs: []CalcConfig{{Name: "default"}, {Name: "stress"}}}

	cc, ok := d.CalcConfig("stress")
	assert.True(t, ok)
	assert.Equal(t, "stress", cc.Name)

	_, ok = d.CalcConfig("intraday")
	assert.False(t, ok)
}

func TestVersionCorrectionString(t *testing.T) {
	asOf := time.Date(2026, 1, 5, 9, 30, 0, 0, time.FixedZone("CET", 3600))

	testCases := []struct {
		name string
		vc   VersionCorrection
		want string
	}{
		{name: "latest", vc: Latest(), want: "LATEST"},
		{name: "version only", vc: VersionCorrection{VersionAsOf: asOf}, want: "V2026-01-05T08:30:00Z.CLATEST"},
		{name: "both", vc: VersionCorrection{VersionAsOf: asOf, CorrectedTo: asOf.Add(time.Hour)}, want: "V2026-01-05T08:30:00Z.C2026-01-05T09:30:00Z"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.vc.String())
			assert.Equal(t, tc.name == "latest", tc.vc.IsLatest())
		})
	}
}
