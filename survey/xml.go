package survey

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"rssi-engine/radio"
)

// Survey files look like
//
//	<survey>
//	  <source id="ap-1" freq="2412000000"/>
//	  <truth pos="1,2,0.5" power="-3" pathloss="2"/>
//	  <readinglist>
//	    <readingItem pos="0,0,1.2" rssi="-61.5" std="2" quality="0.8"/>
//	  </readinglist>
//	</survey>
//
// Positions are metres. std and quality are optional; quality scores are kept
// only when every reading carries one.

// Load reads a survey file.
func Load(path string) (*Survey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse streams a survey document. Malformed reading items are skipped and
// counted in Survey.Skipped.
func Parse(r io.Reader) (*Survey, error) {
	dec := xml.NewDecoder(r)
	s := &Survey{}
	var (
		inList     bool
		scores     []float64
		allQuality = true
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("survey: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "source":
				s.Source.ID, _ = attrValue(t, "id")
				s.Source.Frequency, _ = parseFloatAttr(t, "freq")
			case "truth":
				pos, ok := attrValue(t, "pos")
				if !ok {
					continue
				}
				p, err := parsePoint(pos)
				if err != nil {
					return nil, fmt.Errorf("survey: truth: %w", err)
				}
				tr := &Truth{Position: p, PathLossExponent: radio.DefaultPathLossExponent}
				tr.PowerDbm, _ = parseFloatAttr(t, "power")
				if n, ok := parseFloatAttr(t, "pathloss"); ok {
					tr.PathLossExponent = n
				}
				s.Truth = tr
			case "readinglist":
				inList = true
			case "readingItem":
				if !inList {
					continue
				}
				rd, quality, hasQuality, ok := parseReading(t)
				if !ok {
					s.Skipped++
					continue
				}
				s.Readings = append(s.Readings, rd)
				scores = append(scores, quality)
				allQuality = allQuality && hasQuality
			}
		case xml.EndElement:
			if t.Name.Local == "readinglist" {
				inList = false
			}
		}
	}
	for i := range s.Readings {
		s.Readings[i].Source = s.Source
	}
	if allQuality && len(scores) > 0 {
		s.QualityScores = scores
	}
	if s.Skipped > 0 {
		log.WithField("skipped", s.Skipped).Warn("survey: malformed reading items ignored")
	}
	return s, nil
}

func parseReading(t xml.StartElement) (radio.Reading, float64, bool, bool) {
	var rd radio.Reading
	pos, ok := attrValue(t, "pos")
	if !ok {
		return rd, 0, false, false
	}
	p, err := parsePoint(pos)
	if err != nil {
		return rd, 0, false, false
	}
	rssi, ok := parseFloatAttr(t, "rssi")
	if !ok {
		return rd, 0, false, false
	}
	rd.Position = p
	rd.RSSI = rssi
	rd.RSSIStdDev, _ = parseFloatAttr(t, "std")
	quality, hasQuality := parseFloatAttr(t, "quality")
	return rd, quality, hasQuality, true
}

// Save writes s to path, replacing any existing file.
func Save(path string, s *Survey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write encodes s in the format read by Parse.
func Write(w io.Writer, s *Survey) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{Name: xml.Name{Local: "survey"}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	src := []xml.Attr{attr("id", s.Source.ID)}
	if s.Source.Frequency > 0 {
		src = append(src, attr("freq", formatFloat(s.Source.Frequency)))
	}
	if err := emptyElement(enc, "source", src); err != nil {
		return err
	}
	if s.Truth != nil {
		if err := emptyElement(enc, "truth", []xml.Attr{
			attr("pos", formatPoint(s.Truth.Position)),
			attr("power", formatFloat(s.Truth.PowerDbm)),
			attr("pathloss", formatFloat(s.Truth.PathLossExponent)),
		}); err != nil {
			return err
		}
	}

	list := xml.StartElement{Name: xml.Name{Local: "readinglist"}}
	if err := enc.EncodeToken(list); err != nil {
		return err
	}
	for i, r := range s.Readings {
		attrs := []xml.Attr{
			attr("pos", formatPoint(r.Position)),
			attr("rssi", formatFloat(r.RSSI)),
		}
		if r.HasStdDev() {
			attrs = append(attrs, attr("std", formatFloat(r.RSSIStdDev)))
		}
		if i < len(s.QualityScores) {
			attrs = append(attrs, attr("quality", formatFloat(s.QualityScores[i])))
		}
		if err := emptyElement(enc, "readingItem", attrs); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(list.End()); err != nil {
		return err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func emptyElement(enc *xml.Encoder, name string, attrs []xml.Attr) error {
	start := xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func attrValue(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseFloatAttr(start xml.StartElement, name string) (float64, bool) {
	if v, ok := attrValue(start, name); ok {
		val, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return val, true
		}
	}
	return 0, false
}

// parsePoint reads "x,y" or "x,y,z".
func parsePoint(val string) (radio.Point, error) {
	toks := strings.Split(val, ",")
	if len(toks) != 2 && len(toks) != 3 {
		return nil, fmt.Errorf("position %q: want 2 or 3 coordinates", val)
	}
	p := make(radio.Point, len(toks))
	for i, tok := range toks {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, fmt.Errorf("position %q: %w", val, err)
		}
		p[i] = v
	}
	return p, nil
}

func formatPoint(p radio.Point) string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
