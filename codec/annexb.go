// Package codec contains the decode and encode stages, which drive
// long-lived ffmpeg processes over pipes, plus the Annex B helpers both
// directions share.
package codec

import (
	"bufio"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ForEachNALU walks the Annex B start codes in buf and invokes fn with
// each NALU body (start code excluded).
func ForEachNALU(buf []byte, fn func(nalu []byte)) {
	start := -1
	i := 0
	for i+2 < len(buf) {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && buf[end-1] == 0 {
					end--
				}
				fn(buf[start:end])
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start < len(buf) {
		fn(buf[start:])
	}
}

// HasIDR reports whether an Annex B access unit contains an IDR slice.
func HasIDR(au []byte) bool {
	found := false
	ForEachNALU(au, func(nalu []byte) {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeIDR {
			found = true
		}
	})
	return found
}

// ExtractParameterSets returns the SPS and PPS NALUs of an access unit,
// or nil for the ones not present.
func ExtractParameterSets(au []byte) (sps, pps []byte) {
	ForEachNALU(au, func(nalu []byte) {
		if len(nalu) == 0 {
			return
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = append([]byte(nil), nalu...)
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = append([]byte(nil), nalu...)
			}
		}
	})
	return sps, pps
}

// NALUs splits an Annex B access unit into its NALU bodies.
func NALUs(au []byte) [][]byte {
	var out [][]byte
	ForEachNALU(au, func(nalu []byte) {
		if len(nalu) > 0 {
			out = append(out, nalu)
		}
	})
	return out
}

// AUScanner splits an Annex B byte stream into access units. The encoder
// inserts an access-unit delimiter before every AU, so a boundary is any
// AUD start code after the first byte of buffered content; the stream
// tail at EOF is the final unit.
type AUScanner struct {
	r   *bufio.Reader
	buf []byte
	eof bool
}

// NewAUScanner wraps r.
func NewAUScanner(r io.Reader) *AUScanner {
	return &AUScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete access unit, or io.EOF when the stream
// is exhausted. The returned slice is owned by the caller.
func (s *AUScanner) Next() ([]byte, error) {
	for {
		if idx := s.boundary(); idx > 0 {
			au := append([]byte(nil), s.buf[:idx]...)
			s.buf = s.buf[idx:]
			return au, nil
		}
		if s.eof {
			if len(s.buf) > 0 {
				au := append([]byte(nil), s.buf...)
				s.buf = nil
				return au, nil
			}
			return nil, io.EOF
		}

		chunk := make([]byte, 32*1024)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			s.eof = true
		}
	}
}

// boundary returns the byte offset of the next AUD start code strictly
// after the beginning of the buffer, or -1. The offset includes the
// start code (and its leading zero when 4 bytes long).
func (s *AUScanner) boundary() int {
	buf := s.buf
	for i := 1; i+3 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			if h264.NALUType(buf[i+3]&0x1f) != h264.NALUTypeAccessUnitDelimiter {
				continue
			}
			start := i
			if start > 0 && buf[start-1] == 0 {
				start--
			}
			if start == 0 {
				continue
			}
			return start
		}
	}
	return -1
}
