package binlog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	unibMagic   = 0x7857 // 'W' 'x' little endian
	unibHdrLen  = 9
	unibWrapLen = 11
	secondsFlag = 0x2

	maxBodyLen = 0x7FF
	maxType    = 0x3FF

	TypeLoraRawDataUp = 0x48
	TypeRssiFrame     = 0x60
	TypeRssiFrameS    = 0x61
)

var ErrCRC = errors.New("binlog: crc mismatch")

// Frame is one UNIB packet: 9 byte header, body, crc16.
type Frame struct {
	Addr  uint32
	Type  uint16
	Flags uint8
	Body  []byte
}

// Len is the encoded size of f.
func (f *Frame) Len() int { return unibWrapLen + len(f.Body) }

// ParseFrame decodes the frame at the start of data. Body aliases data.
func ParseFrame(data []byte, verifyCRC bool) (*Frame, error) {
	if len(data) < unibWrapLen {
		return nil, fmt.Errorf("unib too short")
	}
	if magic := binary.LittleEndian.Uint16(data[0:2]); magic != unibMagic {
		return nil, fmt.Errorf("unib magic 0x%x", magic)
	}
	// byte 6: flags:3, typ_l:5. byte 7: typ_h:5, len_l:3. byte 8: len_h.
	b6, b7 := data[6], data[7]
	bodyLen := int(b7>>5) + int(data[8])<<3
	bodyEnd := unibHdrLen + bodyLen
	if bodyEnd+2 > len(data) {
		return nil, fmt.Errorf("unib body truncated")
	}
	if verifyCRC && crc16(data[:bodyEnd]) != binary.LittleEndian.Uint16(data[bodyEnd:bodyEnd+2]) {
		return nil, ErrCRC
	}
	return &Frame{
		Addr:  binary.LittleEndian.Uint32(data[2:6]),
		Type:  uint16(b6>>3) + uint16(b7&0x1F)<<5,
		Flags: b6 & 0x7,
		Body:  data[unibHdrLen:bodyEnd],
	}, nil
}

// Encode appends the wire form of f, crc included.
func (f *Frame) Encode(dst []byte) ([]byte, error) {
	if len(f.Body) > maxBodyLen {
		return dst, fmt.Errorf("unib body of %d bytes", len(f.Body))
	}
	if f.Type > maxType {
		return dst, fmt.Errorf("unib type 0x%x", f.Type)
	}
	start := len(dst)
	var hdr [unibHdrLen]byte
	binary.LittleEndian.PutUint16(hdr[0:2], unibMagic)
	binary.LittleEndian.PutUint32(hdr[2:6], f.Addr)
	hdr[6] = f.Flags&0x7 | byte(f.Type&0x1F)<<3
	hdr[7] = byte(f.Type>>5)&0x1F | byte(len(f.Body)&0x7)<<5
	hdr[8] = byte(len(f.Body) >> 3)
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Body...)
	return binary.LittleEndian.AppendUint16(dst, crc16(dst[start:])), nil
}

// crc16 is CRC-16/XMODEM.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Sample is one receiver's reading of a scanned source.
type Sample struct {
	AnchorID int
	RSSI     int // dBm
}

// Scan is an RSSI frame: the receivers that heard source Source.
type Scan struct {
	Source  uint32
	Seq     uint8
	Samples []Sample
}

// DecodeScans walks a datagram of back to back UNIB frames, unwrapping
// LoRa raw uplinks, and returns the RSSI scans it carries. Frames of other
// types are ignored; damaged ones are counted in bad.
func DecodeScans(data []byte, verifyCRC bool) (scans []Scan, bad int) {
	return decodeScans(data, verifyCRC, 0, scans)
}

func decodeScans(data []byte, verifyCRC bool, parentFlags uint8, scans []Scan) ([]Scan, int) {
	bad := 0
	for pos := 0; pos+unibWrapLen <= len(data); {
		if binary.LittleEndian.Uint16(data[pos:pos+2]) != unibMagic {
			pos++
			continue
		}
		f, err := ParseFrame(data[pos:], verifyCRC)
		if err != nil {
			bad++
			pos++
			continue
		}
		pos += f.Len()

		body := f.Body
		if (f.Flags|parentFlags)&secondsFlag != 0 && len(body) > 0 {
			body = body[1:]
		}
		switch f.Type {
		case TypeLoraRawDataUp:
			// device id (2 or 4 bytes) and gateway rssi precede the wrapped frames
			off := 4
			if len(body) >= 6 {
				off = 6
			}
			if len(body) <= off {
				bad++
				continue
			}
			var n int
			scans, n = decodeScans(body[off:], verifyCRC, f.Flags, scans)
			bad += n
		case TypeRssiFrame, TypeRssiFrameS:
			seq, samples, err := decodeRssi(body, f.Type == TypeRssiFrameS)
			if err != nil {
				bad++
				continue
			}
			scans = append(scans, Scan{Source: f.Addr, Seq: seq, Samples: samples})
		}
	}
	return scans, bad
}

func decodeRssi(body []byte, short bool) (uint8, []Sample, error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("rssi too short")
	}
	seq := body[0]
	num := int(body[1] >> 4)
	width := 4
	// short samples sent with the long type carry a zero count
	if short {
		width = 3
	} else if num == 0 && len(body) >= 5 && (len(body)-2)%3 == 0 {
		width = 3
		num = (len(body) - 2) / 3
	}
	if 2+num*width > len(body) {
		return seq, nil, fmt.Errorf("rssi: %d samples truncated", num)
	}
	samples := make([]Sample, num)
	for i := range samples {
		b := body[2+i*width:]
		id := int(binary.LittleEndian.Uint16(b[0:2]))
		if width == 4 {
			id |= int(b[2]) << 16
		}
		samples[i] = Sample{AnchorID: id, RSSI: int(int8(b[width-1]))}
	}
	return seq, samples, nil
}

// EncodeScan builds the RSSI frame for s. Short frames carry 16 bit
// receiver ids.
func EncodeScan(dst []byte, s Scan, short bool) ([]byte, error) {
	if len(s.Samples) > 15 {
		return dst, fmt.Errorf("rssi frame of %d samples", len(s.Samples))
	}
	width, typ, maxID := 4, uint16(TypeRssiFrame), 0xFFFFFF
	if short {
		width, typ, maxID = 3, TypeRssiFrameS, 0xFFFF
	}
	body := make([]byte, 2, 2+width*len(s.Samples))
	body[0] = s.Seq
	body[1] = byte(len(s.Samples) << 4)
	for _, smp := range s.Samples {
		if smp.AnchorID < 0 || smp.AnchorID > maxID {
			return dst, fmt.Errorf("rssi: receiver id 0x%x out of range", smp.AnchorID)
		}
		if smp.RSSI < -128 || smp.RSSI > 127 {
			return dst, fmt.Errorf("rssi: %d dBm out of range", smp.RSSI)
		}
		body = binary.LittleEndian.AppendUint16(body, uint16(smp.AnchorID))
		if !short {
			body = append(body, byte(smp.AnchorID>>16))
		}
		body = append(body, byte(int8(smp.RSSI)))
	}
	f := Frame{Addr: s.Source, Type: typ, Body: body}
	return f.Encode(dst)
}
