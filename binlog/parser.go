// Package binlog reads and writes scan captures: a pcap-style container of
// received UNIB datagrams plus metadata records describing the receivers.
package binlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"rssi-engine/radio"
)

const (
	pcapGlobalLen = 24
	pcapRecordLen = 16
	phdr2Len      = 8
	anchorItemLen = 24

	FlagAnchor = 0x04
	FlagTag    = 0x08
	FlagStats  = 0x10
)

// Anchor is a receiver at a surveyed position, in metres.
type Anchor struct {
	ID       uint64
	Position radio.Point
	Region   uint16
}

// Record is one capture entry.
type Record struct {
	Time    time.Time
	Flag    uint16
	Port    uint16
	Word    [4]byte // sender IPv4, or item size for metadata blocks
	Payload []byte
}

// Addr is the datagram's sender.
func (r *Record) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(r.Word[0], r.Word[1], r.Word[2], r.Word[3]), Port: int(r.Port)}
}

// IsMetadata reports whether r is an anchor, tag or stats block.
func (r *Record) IsMetadata() bool {
	return r.Flag == FlagAnchor || r.Flag == FlagTag || r.Flag == FlagStats
}

// Anchors decodes an anchor block: Port items of the size given in Word.
func (r *Record) Anchors() []Anchor {
	if r.Flag != FlagAnchor {
		return nil
	}
	itemnum := int(r.Port)
	itemsize := int(binary.LittleEndian.Uint32(r.Word[:]))
	if itemsize < 22 {
		return nil
	}
	var anchors []Anchor
	for i := 0; i < itemnum; i++ {
		start := i * itemsize
		end := start + itemsize
		if end > len(r.Payload) {
			break
		}
		chunk := r.Payload[start:end]
		x := int32(binary.LittleEndian.Uint32(chunk[8:12]))
		y := int32(binary.LittleEndian.Uint32(chunk[12:16]))
		z := int32(binary.LittleEndian.Uint32(chunk[16:20]))
		anchors = append(anchors, Anchor{
			ID:       binary.LittleEndian.Uint64(chunk[0:8]),
			Position: radio.NewPoint3(float64(x)/100, float64(y)/100, float64(z)/100),
			Region:   binary.LittleEndian.Uint16(chunk[20:22]),
		})
	}
	return anchors
}

// Reader iterates the records of a capture.
type Reader struct {
	r    io.Reader
	rec  []byte
	phdr []byte
}

func NewReader(r io.Reader) (*Reader, error) {
	hdr := make([]byte, pcapGlobalLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != PcapMagic {
		return nil, fmt.Errorf("pcap header: magic 0x%x", magic)
	}
	return &Reader{r: r, rec: make([]byte, pcapRecordLen), phdr: make([]byte, phdr2Len)}, nil
}

// Next returns the next record, or io.EOF once the capture is exhausted. A
// record cut short by the end of the file also ends the capture.
func (r *Reader) Next() (*Record, error) {
	for {
		if _, err := io.ReadFull(r.r, r.rec); err != nil {
			return nil, eof(err, "pcap record")
		}
		tsSec := binary.LittleEndian.Uint32(r.rec[0:4])
		tsUsec := binary.LittleEndian.Uint32(r.rec[4:8])
		inclLen := binary.LittleEndian.Uint32(r.rec[8:12])
		if inclLen < phdr2Len {
			// malformed record, skip the stated length
			if _, err := io.CopyN(io.Discard, r.r, int64(inclLen)); err != nil {
				return nil, eof(err, "skip malformed record")
			}
			continue
		}

		if _, err := io.ReadFull(r.r, r.phdr); err != nil {
			return nil, eof(err, "pcap phdr2")
		}
		rec := &Record{
			Time:    time.Unix(int64(tsSec), int64(tsUsec)*1000),
			Flag:    binary.LittleEndian.Uint16(r.phdr[0:2]),
			Port:    binary.LittleEndian.Uint16(r.phdr[2:4]),
			Payload: make([]byte, int(inclLen)-phdr2Len),
		}
		copy(rec.Word[:], r.phdr[4:8])
		if _, err := io.ReadFull(r.r, rec.Payload); err != nil {
			return nil, eof(err, "pcap payload")
		}
		return rec, nil
	}
}

func eof(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Event is a captured datagram with the scans it carried.
type Event struct {
	Time  time.Time
	Addr  *net.UDPAddr
	Scans []Scan
}

// Capture is a fully decoded capture file.
type Capture struct {
	Anchors []Anchor
	Events  []Event
	// Bad counts damaged frames.
	Bad int
}

// Parse decodes every record of the capture at path.
func Parse(path string, verifyCRC bool) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rd, err := NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c := &Capture{}
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if rec.IsMetadata() {
			c.Anchors = append(c.Anchors, rec.Anchors()...)
			continue
		}
		scans, bad := DecodeScans(rec.Payload, verifyCRC)
		c.Bad += bad
		if len(scans) > 0 {
			c.Events = append(c.Events, Event{Time: rec.Time, Addr: rec.Addr(), Scans: scans})
		}
	}
	if c.Bad > 0 {
		log.WithFields(log.Fields{"path": path, "bad": c.Bad}).Warn("binlog: damaged frames skipped")
	}
	return c, nil
}
