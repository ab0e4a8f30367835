package tcp_protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	connIDHighLen = 4
	// HeaderLen is the fixed segment header: connid-high followed by a
	// 20 byte TCP header whose port pair carries connid-low.
	HeaderLen = connIDHighLen + header.TCPMinimumSize
	// MaxMSS is the largest payload whose segment still fits one UDP
	// datagram over IPv4.
	MaxMSS = 65507 - HeaderLen
)

var ErrMalformed = errors.New("malformed segment")

// ConnID names one connection end to end in place of the address/port tuple.
// High is chosen by the side that connects, Low by the side that accepts.
type ConnID struct {
	High uint32
	Low  uint32
}

func (id ConnID) String() string {
	return fmt.Sprintf("%08x:%08x", id.High, id.Low)
}

// Header is a decoded segment header
type Header struct {
	ID         ConnID
	SeqNum     uint32
	AckNum     uint32
	DataOffset uint8
	Flags      uint8
	WindowSize uint16
	Checksum   uint16
}

func (h *Header) Has(flags uint8) bool {
	return h.Flags&flags == flags
}

// IsSYN reports a bare SYN, the only segment that is demultiplexed by port
func (h *Header) IsSYN() bool {
	return h.Flags&(header.TCPFlagSyn|header.TCPFlagAck|header.TCPFlagRst) == header.TCPFlagSyn
}

// IsSYNACK reports the handshake answer that completes a connecting identifier
func (h *Header) IsSYNACK() bool {
	return h.Flags&(header.TCPFlagSyn|header.TCPFlagAck|header.TCPFlagRst) == header.TCPFlagSyn|header.TCPFlagAck
}

// Encode writes the header followed by payload into b and returns the
// segment length. The checksum covers the whole segment when enabled.
func Encode(b []byte, h *Header, payload []byte, checksum bool) (int, error) {
	total := HeaderLen + len(payload)
	if len(b) < total {
		return 0, errors.Wrapf(ErrMalformed, "buffer of %d bytes for %d byte segment", len(b), total)
	}
	binary.BigEndian.PutUint32(b[0:connIDHighLen], h.ID.High)
	tcpHdr := header.TCP(b[connIDHighLen:HeaderLen])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:       uint16(h.ID.Low >> 16),
		DstPort:       uint16(h.ID.Low),
		SeqNum:        h.SeqNum,
		AckNum:        h.AckNum,
		DataOffset:    header.TCPMinimumSize,
		Flags:         h.Flags,
		WindowSize:    h.WindowSize,
		Checksum:      0,
		UrgentPointer: 0,
	})
	copy(b[HeaderLen:], payload)
	if checksum {
		tcpHdr.SetChecksum(ComputeChecksum(b[:total]))
	}
	return total, nil
}

// Decode parses the fixed header of b. Options, if the data offset
// announces any, are skipped; the returned length is where payload starts.
func Decode(b []byte) (*Header, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, errors.Wrapf(ErrMalformed, "%d bytes", len(b))
	}
	tcpHdr := header.TCP(b[connIDHighLen:])
	h := &Header{
		ID: ConnID{
			High: binary.BigEndian.Uint32(b[0:connIDHighLen]),
			Low:  uint32(tcpHdr.SourcePort())<<16 | uint32(tcpHdr.DestinationPort()),
		},
		SeqNum:     tcpHdr.SequenceNumber(),
		AckNum:     tcpHdr.AckNumber(),
		DataOffset: tcpHdr.DataOffset(),
		Flags:      tcpHdr.Flags(),
		WindowSize: tcpHdr.WindowSize(),
		Checksum:   tcpHdr.Checksum(),
	}
	hdrLen := connIDHighLen + int(h.DataOffset)
	if h.DataOffset < header.TCPMinimumSize || hdrLen > len(b) {
		return nil, 0, errors.Wrapf(ErrMalformed, "data offset %d in %d bytes", h.DataOffset, len(b))
	}
	return h, hdrLen, nil
}

// VerifyChecksum sums a whole segment spread over views. A segment that
// carries its own checksum folds to 0xffff. Callers skip the check when the
// checksum field is zero, the sender did not compute one then.
func VerifyChecksum(vv buffer.VectorisedView) bool {
	var sum uint16
	var odd []byte
	for _, v := range vv.Views() {
		if len(v) == 0 {
			continue
		}
		if odd != nil {
			sum = header.Checksum([]byte{odd[0], v[0]}, sum)
			odd = nil
			v = v[1:]
		}
		if len(v)%2 == 1 {
			odd = v[len(v)-1:]
			v = v[:len(v)-1]
		}
		sum = header.Checksum(v, sum)
	}
	if odd != nil {
		sum = header.Checksum(odd, sum)
	}
	return sum == 0xffff
}

// PeekConnID reads the identifier from its fixed position.
func PeekConnID(b []byte) (ConnID, bool) {
	if len(b) < HeaderLen {
		return ConnID{}, false
	}
	return ConnID{
		High: binary.BigEndian.Uint32(b[0:4]),
		Low:  binary.BigEndian.Uint32(b[4:8]),
	}, true
}

// ComputeChecksum is the Internet checksum of a segment whose checksum field is zero
func ComputeChecksum(segment []byte) uint16 {
	checksum := header.Checksum(segment, 0)
	return checksum ^ 0xffff
}
