package binlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"time"
)

const (
	PcapMagic = 0xA1B2C3D4

	// FlagScan marks a received UNIB datagram: RX_PKT(1) | RBB_PKT(8) | PROT_UDP(0x100).
	FlagScan = 0x109
)

// Writer appends records to a capture. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// Create truncates path and writes the global header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	pw, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return pw, nil
}

// NewWriter writes the global header to w. Close closes w when it is an
// io.Closer.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := &Writer{
		w:   w,
		buf: make([]byte, 32), // reused buffer for headers
	}
	if err := pw.writeGlobalHeader(); err != nil {
		return nil, err
	}
	return pw, nil
}

func (pw *Writer) writeGlobalHeader() error {
	// Magic(4), Major(2), Minor(2), Zone(4), Sig(4), Snap(4), Link(4)
	b := make([]byte, pcapGlobalLen)
	binary.LittleEndian.PutUint32(b[0:], PcapMagic)
	binary.LittleEndian.PutUint16(b[4:], 2)
	binary.LittleEndian.PutUint16(b[6:], 4)
	binary.LittleEndian.PutUint32(b[16:], 65535)
	binary.LittleEndian.PutUint32(b[20:], 1)

	_, err := pw.w.Write(b)
	return err
}

// WritePacket records data received from addr now.
func (pw *Writer) WritePacket(flag uint16, addr *net.UDPAddr, data []byte) error {
	return pw.WritePacketAt(time.Now(), flag, addr, data)
}

func (pw *Writer) WritePacketAt(ts time.Time, flag uint16, addr *net.UDPAddr, data []byte) error {
	port := uint16(0)
	var ip4 net.IP
	if addr != nil {
		port = uint16(addr.Port)
		ip4 = addr.IP.To4()
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.writeRecord(ts, flag, port, ip4, 0, data)
}

// WriteAnchors records the receiver table so a replay can resolve scans
// without the original project file. Item count and size travel in the
// port and address fields of the record header.
func (pw *Writer) WriteAnchors(anchors []Anchor) error {
	payload := make([]byte, len(anchors)*anchorItemLen)
	for i, a := range anchors {
		chunk := payload[i*anchorItemLen : (i+1)*anchorItemLen]
		binary.LittleEndian.PutUint64(chunk[0:8], a.ID)
		for j := 0; j < 3; j++ {
			var v float64
			if j < len(a.Position) {
				v = a.Position[j]
			}
			cm := math.Round(v * 100)
			if cm > math.MaxInt32 || cm < math.MinInt32 {
				return fmt.Errorf("anchor %X: coordinate %v out of range", a.ID, v)
			}
			binary.LittleEndian.PutUint32(chunk[8+4*j:12+4*j], uint32(int32(cm)))
		}
		binary.LittleEndian.PutUint16(chunk[20:22], a.Region)
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.writeRecord(time.Now(), FlagAnchor, uint16(len(anchors)), nil, anchorItemLen, payload)
}

func (pw *Writer) writeRecord(ts time.Time, flag, port uint16, ip4 net.IP, word uint32, data []byte) error {
	totalLen := uint32(len(data) + phdr2Len)

	// ts_sec(4), ts_usec(4), incl_len(4), orig_len(4)
	binary.LittleEndian.PutUint32(pw.buf[0:], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(pw.buf[4:], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(pw.buf[8:], totalLen)
	binary.LittleEndian.PutUint32(pw.buf[12:], totalLen)
	if _, err := pw.w.Write(pw.buf[:pcapRecordLen]); err != nil {
		return err
	}

	// flag(2), port(2), ip(4)
	binary.LittleEndian.PutUint16(pw.buf[0:], flag)
	binary.LittleEndian.PutUint16(pw.buf[2:], port)
	if len(ip4) == net.IPv4len {
		// Network byte order, as the capture tools expect.
		copy(pw.buf[4:8], ip4)
	} else {
		binary.LittleEndian.PutUint32(pw.buf[4:], word)
	}
	if _, err := pw.w.Write(pw.buf[:phdr2Len]); err != nil {
		return err
	}

	_, err := pw.w.Write(data)
	return err
}

func (pw *Writer) Close() error {
	if c, ok := pw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
