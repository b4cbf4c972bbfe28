package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"rssi-engine/radio"
	"rssi-engine/store"
)

// SourceID names a scanned source by its 32 bit radio address.
func SourceID(addr uint32) string { return fmt.Sprintf("%08X", addr) }

// Result is the outcome of one estimation run.
type Result struct {
	RunID      uuid.UUID
	Addr       uint32
	Source     radio.Source
	Time       time.Time
	Readings   int
	Inliers    int
	Iterations int

	// Estimated is nil when Err is set.
	Estimated *radio.EstimatedSource
	Err       error
}

// wsSource is the JSON form of an estimate, pushed to websocket clients and
// listed at /sources.
type wsSource struct {
	ID          string  `json:"id"`
	RunID       string  `json:"runId"`
	TS          int64   `json:"ts"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	PowerDbm    float64 `json:"power"`
	PathLoss    float64 `json:"pathLoss"`
	PositionStd float64 `json:"positionStd,omitempty"`
	Readings    int     `json:"readings"`
	Inliers     int     `json:"inliers"`
}

func newWsSource(r *Result) *wsSource {
	est := r.Estimated
	msg := &wsSource{
		ID:          r.Source.ID,
		RunID:       r.RunID.String(),
		TS:          r.Time.UnixMilli(),
		PowerDbm:    est.PowerDbm,
		PathLoss:    est.PathLossExponent,
		PositionStd: est.PositionStdDev(),
		Readings:    r.Readings,
		Inliers:     r.Inliers,
	}
	msg.X, msg.Y, msg.Z = xyz(est.Position)
	return msg
}

func wsSourceFromModel(m *store.Model) *wsSource {
	msg := &wsSource{
		ID:       m.ID,
		RunID:    m.RunID,
		TS:       m.CreatedAt.UnixMilli(),
		X:        m.X,
		Y:        m.Y,
		Z:        m.Z.Float64,
		PowerDbm: m.Bias,
		PathLoss: m.Gamma,
		Readings: m.Readings,
		Inliers:  m.Inliers,
	}
	if m.PositionStd.Valid {
		msg.PositionStd = m.PositionStd.Float64
	}
	return msg
}

func xyz(p radio.Point) (x, y, z float64) {
	if len(p) > 0 {
		x = p[0]
	}
	if len(p) > 1 {
		y = p[1]
	}
	if len(p) > 2 {
		z = p[2]
	}
	return x, y, z
}
