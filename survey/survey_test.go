package survey

import (
	"bytes"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssi-engine/radio"
)

const sample = `<?xml version="1.0"?>
<survey>
  <source id="ap-7" freq="2412000000"/>
  <truth pos="1,2,0.5" power="-3"/>
  <readinglist>
    <readingItem pos="0,0,1.2" rssi="-61.5" std="2" quality="0.8"/>
    <readingItem pos="4, 1, 0" rssi="-58" quality="0.5"/>
    <readingItem pos="4,1" rssi="-58" quality="0.5"/>
    <readingItem pos="3,3,3" rssi="loud" quality="0.5"/>
    <readingItem pos="-2,5,2" rssi="-70.25" quality="0.1"/>
  </readinglist>
  <readingItem pos="9,9,9" rssi="-1"/>
</survey>`

func TestParse(t *testing.T) {
	s, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "ap-7", s.Source.ID)
	assert.Equal(t, 2.412e9, s.Source.Frequency)
	require.NotNil(t, s.Truth)
	assert.Equal(t, radio.NewPoint3(1, 2, 0.5), s.Truth.Position)
	assert.Equal(t, -3.0, s.Truth.PowerDbm)
	assert.Equal(t, radio.DefaultPathLossExponent, s.Truth.PathLossExponent)

	// "4,1" is a valid 2D point, the dimension check is left to Validate.
	require.Len(t, s.Readings, 4)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, radio.NewPoint3(0, 0, 1.2), s.Readings[0].Position)
	assert.Equal(t, -61.5, s.Readings[0].RSSI)
	assert.Equal(t, 2.0, s.Readings[0].RSSIStdDev)
	assert.False(t, s.Readings[1].HasStdDev())
	assert.Equal(t, "ap-7", s.Readings[3].Source.ID)
	assert.Equal(t, []float64{0.8, 0.5, 0.5, 0.1}, s.QualityScores)

	assert.ErrorIs(t, s.Validate(), radio.ErrDimensionMismatch)
	s.Readings = append(s.Readings[:2], s.Readings[3])
	s.QualityScores = []float64{0.8, 0.5, 0.1}
	assert.NoError(t, s.Validate())
	assert.Equal(t, 3, s.Dim())
}

func TestParseWithoutQuality(t *testing.T) {
	doc := `<survey><source id="b"/><readinglist>
		<readingItem pos="0,0" rssi="-40" quality="1"/>
		<readingItem pos="1,0" rssi="-41"/>
	</readinglist></survey>`
	s, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Nil(t, s.QualityScores)
	assert.Nil(t, s.Truth)
	assert.Equal(t, []float64{1, 1}, s.Scores())
	assert.NoError(t, s.Validate())

	_, err = Parse(strings.NewReader(`<survey><readinglist>`))
	assert.Error(t, err)

	assert.ErrorIs(t, (&Survey{}).Validate(), ErrEmpty)
}

func TestWriteParseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := DefaultSimulateConfig()
	cfg.Readings = 25
	cfg.NoiseStdDev = 0.5
	cfg.Frequency = 5.18e9
	s, err := Simulate(rng, cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s))
	back, err := Parse(&buf)
	require.NoError(t, err)

	assert.Equal(t, s.Source, back.Source)
	assert.Equal(t, s.Truth, back.Truth)
	assert.Equal(t, s.Readings, back.Readings)
	assert.Equal(t, s.QualityScores, back.QualityScores)
	assert.Zero(t, back.Skipped)

	path := filepath.Join(t.TempDir(), "survey.xml")
	require.NoError(t, Save(path, s))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Readings, loaded.Readings)

	_, err = Load(filepath.Join(t.TempDir(), "none.xml"))
	assert.Error(t, err)
}

func TestSimulate(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	cfg := DefaultSimulateConfig()
	cfg.Source = radio.NewPoint2(2, -3)
	cfg.PowerDbm = -5
	cfg.Readings = 400
	cfg.OutlierRatio = 0.25

	s, err := Simulate(rng, cfg)
	require.NoError(t, err)
	require.Len(t, s.Readings, 400)
	require.Len(t, s.QualityScores, 400)
	require.NoError(t, s.Validate())

	outliers := 0
	for i, r := range s.Readings {
		assert.GreaterOrEqual(t, r.Position.Distance(cfg.Source), cfg.MinRange)
		for _, v := range r.Position {
			assert.LessOrEqual(t, math.Abs(v), cfg.Extent)
		}
		e := r.RSSI - radio.PredictRSSI(cfg.Source, cfg.PowerDbm, cfg.PathLossExponent, r.Position, radio.DefaultFrequency)
		if math.Abs(e) > 1e-9 {
			outliers++
			assert.GreaterOrEqual(t, math.Abs(e), cfg.OutlierMin-1e-9)
			assert.LessOrEqual(t, math.Abs(e), cfg.OutlierMax+1e-9)
			assert.Less(t, s.QualityScores[i], 0.05)
		} else {
			assert.InDelta(t, 1.0, s.QualityScores[i], 1e-9)
		}
	}
	assert.InDelta(t, 100, outliers, 40)

	est := &radio.EstimatedSource{Position: cfg.Source, PowerDbm: cfg.PowerDbm, PathLossExponent: cfg.PathLossExponent}
	st := Residuals(s, est, 1)
	assert.Equal(t, outliers, st.Outliers)
	assert.Equal(t, 400-outliers, st.Inliers)
	assert.InDelta(t, 0, st.Mean, 1e-9)
	assert.InDelta(t, 0, st.StdDev, 1e-9)

	bad := cfg
	bad.Source = radio.Point{1}
	_, err = Simulate(rng, bad)
	assert.ErrorIs(t, err, radio.ErrDimensionMismatch)
	bad = cfg
	bad.OutlierRatio = 2
	_, err = Simulate(rng, bad)
	assert.Error(t, err)
}
