package relay

import (
	"fmt"
	"time"

	"rssi-engine/radio"
)

const timeLayout = "20060102150405.000"

// FormatSource formats an estimate as a display record:
//
//	display:NNN,<id>,<seq>,<time>,<region>,<x>,<y>,<z>,<dBm>,<n>\r\n
//
// NNN is the record length. 2D positions report z as 0.
func FormatSource(id uint32, ts time.Time, seq uint16, region int, est *radio.EstimatedSource) []byte {
	var x, y, z float64
	p := est.Position
	if len(p) > 0 {
		x = p[0]
	}
	if len(p) > 1 {
		y = p[1]
	}
	if len(p) > 2 {
		z = p[2]
	}
	body := fmt.Sprintf("display:   ,%08X,%d,%s,%d,%.2f,%.2f,%.2f,%.2f,%.3f\r\n",
		id, seq, ts.Format(timeLayout), region, x, y, z, est.PowerDbm, est.PathLossExponent)
	return fillLength([]byte(body))
}

// FormatSummary reports the consensus outcome of one run.
func FormatSummary(id uint32, ts time.Time, runID string, readings, inliers, iterations int) []byte {
	body := fmt.Sprintf("summary:   ,%08X,%s,%s,%d,%d,%d\r\n",
		id, ts.Format(timeLayout), runID, readings, inliers, iterations)
	return fillLength([]byte(body))
}

// FormatWarning reports a run that produced no estimate.
func FormatWarning(id uint32, ts time.Time, runID string, err error) []byte {
	body := fmt.Sprintf("warning:   ,%08X,%s,%s,%s\r\n", id, ts.Format(timeLayout), runID, err)
	return fillLength([]byte(body))
}

// fillLength writes the decimal record length over the three blanks after
// the 8 byte tag. The hundreds digit stays blank below 100.
func fillLength(b []byte) []byte {
	n := len(b)
	if n >= 100 {
		b[8] = byte('0' + (n/100)%10)
	}
	b[9] = byte('0' + (n/10)%10)
	b[10] = byte('0' + n%10)
	return b
}
