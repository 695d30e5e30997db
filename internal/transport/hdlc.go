package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20

	maxSerialFrame = 4096
)

var (
	errFrameCRC   = errors.New("serial: frame crc mismatch")
	errShortFrame = errors.New("serial: short frame")
)

var crc16Table [256]uint16

// CRC-16/CCITT-FALSE (poly=0x1021, init=0xFFFF).
func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// hdlcEncode wraps payload and its CRC between flag bytes, escaping any
// flag or escape byte inside.
func hdlcEncode(payload []byte) []byte {
	body := make([]byte, len(payload)+2)
	copy(body, payload)
	binary.BigEndian.PutUint16(body[len(payload):], crc16(payload))

	out := make([]byte, 0, len(body)+len(body)/8+2)
	out = append(out, hdlcFlag)
	for _, b := range body {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// readHDLCFrame reads up to the next complete frame and returns its payload
// with the CRC verified and stripped. Empty frames between back-to-back
// flags are skipped.
func readHDLCFrame(r *bufio.Reader) ([]byte, error) {
	var body []byte
	inFrame := false
	escaped := false

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		switch {
		case b == hdlcFlag:
			if inFrame && len(body) > 0 {
				return checkFrame(body)
			}
			inFrame = true
			body = body[:0]
			escaped = false
		case !inFrame:
			// line noise before the first flag
		case b == hdlcEscape:
			escaped = true
		default:
			if escaped {
				b ^= hdlcXor
				escaped = false
			}
			if len(body) >= maxSerialFrame {
				inFrame = false
				body = body[:0]
				continue
			}
			body = append(body, b)
		}
	}
}

func checkFrame(body []byte) ([]byte, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("%w (%d bytes)", errShortFrame, len(body))
	}
	payload := body[:len(body)-2]
	want := binary.BigEndian.Uint16(body[len(body)-2:])
	if got := crc16(payload); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", errFrameCRC, got, want)
	}
	return append([]byte(nil), payload...), nil
}
