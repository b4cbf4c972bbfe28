package relay

import (
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Target is a downstream consumer listed in a project file:
//
//	<txlist>
//	  <transferItem addr="10.0.0.5" port="9000" type="TCP" data="7"/>
//	</txlist>
//
// data is the decimal flag mask. Types other than TCP are sent over UDP.
type Target struct {
	Addr string
	Port int
	Type string
	Mask uint32
}

func (t Target) HostPort() string {
	return net.JoinHostPort(t.Addr, strconv.Itoa(t.Port))
}

// LoadTargets reads the txlist of a project file. Items without an address
// or a valid port are skipped.
func LoadTargets(path string) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var targets []Target
	dec := xml.NewDecoder(f)
	inTxList := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "txlist" {
				inTxList = true
				continue
			}
			if t.Name.Local != "transferItem" || !inTxList {
				continue
			}
			var tgt Target
			var portStr, maskStr string
			for _, a := range t.Attr {
				switch a.Name.Local {
				case "addr":
					tgt.Addr = strings.TrimSpace(a.Value)
				case "port":
					portStr = a.Value
				case "type":
					tgt.Type = strings.ToUpper(strings.TrimSpace(a.Value))
				case "data":
					maskStr = a.Value
				}
			}
			port, err := strconv.Atoi(strings.TrimSpace(portStr))
			if err != nil || port <= 0 || port > 65535 || tgt.Addr == "" {
				continue
			}
			tgt.Port = port
			tgt.Mask = FlagAll
			if mask, err := strconv.ParseUint(strings.TrimSpace(maskStr), 10, 32); err == nil {
				tgt.Mask = uint32(mask)
			}
			targets = append(targets, tgt)
		case xml.EndElement:
			if t.Name.Local == "txlist" {
				inTxList = false
			}
		}
	}
	return targets, nil
}

// AddTargets registers every target with s.
func (s *Sender) AddTargets(targets []Target) error {
	for _, t := range targets {
		if t.Type == "TCP" {
			s.AddTCPSender(t.HostPort(), t.Mask)
			continue
		}
		if err := s.AddUDPSender(t.HostPort(), t.Mask); err != nil {
			return fmt.Errorf("relay target %s: %w", t.HostPort(), err)
		}
	}
	return nil
}
