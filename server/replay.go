package server

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"rssi-engine/binlog"
)

// Replay feeds a capture through the server as if its datagrams had just
// arrived. speed scales the recorded timing; 0 replays as fast as possible.
// Anchor records extend the anchor table.
func (s *Server) Replay(path string, speed float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd, err := binlog.NewReader(f)
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path, "speed": speed}).Info("server: replaying capture")

	var first time.Time
	var startReal time.Time
	pktCount := 0
	for !s.stopped.Load() {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		if rec.IsMetadata() {
			if n := s.anchors.Merge(rec.Anchors()); n > 0 {
				log.WithField("anchors", n).Info("server: anchors loaded from capture")
			}
			continue
		}

		pktCount++
		if first.IsZero() {
			first = rec.Time
			startReal = time.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Time.Sub(first)) / speed)
			if wait := target - time.Since(startReal); wait > 0 {
				time.Sleep(wait)
			}
		}
		s.handlePacket(rec.Payload, rec.Addr(), rec.Time)
	}
	log.WithFields(log.Fields{"path": path, "packets": pktCount}).Info("server: replay finished")
	return nil
}
