package server

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"rssi-engine/binlog"
	"rssi-engine/radio"
)

// AnchorTable maps the 16 bit short id of each receiver to its position in
// metres. It is safe for concurrent use.
type AnchorTable struct {
	mu  sync.RWMutex
	pos map[int]radio.Point
}

func NewAnchorTable() *AnchorTable {
	return &AnchorTable{pos: make(map[int]radio.Point)}
}

func shortID(id uint64) int { return int(id & 0xFFFF) }

func (t *AnchorTable) Set(id uint64, p radio.Point) {
	t.mu.Lock()
	t.pos[shortID(id)] = p.Clone()
	t.mu.Unlock()
}

// Merge adds the anchors of a capture. Anchors already known keep their
// position.
func (t *AnchorTable) Merge(anchors []binlog.Anchor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, a := range anchors {
		id := shortID(a.ID)
		if _, ok := t.pos[id]; ok {
			continue
		}
		t.pos[id] = a.Position.Clone()
		added++
	}
	return added
}

func (t *AnchorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pos)
}

// Anchors lists the table for a capture header, ordered by id.
func (t *AnchorTable) Anchors() []binlog.Anchor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	anchors := make([]binlog.Anchor, 0, len(t.pos))
	for id, p := range t.pos {
		anchors = append(anchors, binlog.Anchor{ID: uint64(id), Position: p.Clone()})
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].ID < anchors[j].ID })
	return anchors
}

// Readings turns a scan into readings of src. Receivers missing from the
// table are counted in unknown. Each reading's quality score grows with its
// signal strength, so strong readings are sampled first.
func (t *AnchorTable) Readings(scan binlog.Scan, src radio.Source, dim int, stdDev float64) (readings []radio.Reading, scores []float64, unknown int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, smp := range scan.Samples {
		p, ok := t.pos[smp.AnchorID&0xFFFF]
		if !ok || len(p) < dim {
			unknown++
			continue
		}
		readings = append(readings, radio.Reading{
			Source:     src,
			RSSI:       float64(smp.RSSI),
			Position:   p[:dim].Clone(),
			RSSIStdDev: stdDev,
		})
		scores = append(scores, float64(smp.RSSI+129))
	}
	return readings, scores, unknown
}

// LoadProjectAnchors reads the anchorlist of a project file:
//
//	<anchorlist>
//	  <deviceItem id="00A1" pos="120,-300,250"/>
//	</anchorlist>
//
// ids are hex, positions centimetres. Malformed items are skipped.
func LoadProjectAnchors(path string) (*AnchorTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := NewAnchorTable()
	dec := xml.NewDecoder(f)
	inAnchorList := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		switch e := tok.(type) {
		case xml.StartElement:
			if e.Name.Local == "anchorlist" {
				inAnchorList = true
				continue
			}
			if e.Name.Local != "deviceItem" || !inAnchorList {
				continue
			}
			idStr, ok := attrValue(e, "id")
			if !ok {
				continue
			}
			posStr, ok := attrValue(e, "pos")
			if !ok {
				continue
			}
			aid, err := strconv.ParseUint(strings.TrimSpace(idStr), 16, 64)
			if err != nil {
				continue
			}
			p, ok := parseCentimetres(posStr)
			if !ok {
				continue
			}
			t.Set(aid, p)
		case xml.EndElement:
			if e.Name.Local == "anchorlist" {
				inAnchorList = false
			}
		}
	}
	return t, nil
}

func attrValue(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseCentimetres(s string) (radio.Point, bool) {
	coords := strings.Split(s, ",")
	if len(coords) < 3 {
		return nil, false
	}
	p := make(radio.Point, 3)
	for i := range p {
		v, err := strconv.ParseFloat(strings.TrimSpace(coords[i]), 64)
		if err != nil {
			return nil, false
		}
		p[i] = v / 100
	}
	return p, true
}
