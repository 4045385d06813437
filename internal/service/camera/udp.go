package camera

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

// maxFrameBytes bounds a reassembled frame; larger streams are discarded.
const maxFrameBytes = 4 << 20

// maxPendingSenders bounds how many senders may have a partial frame at once.
// The sender written to least recently is dropped to make room.
const maxPendingSenders = 16

// pendingFrame is a partial frame and the write sequence it was last touched at.
type pendingFrame struct {
	buf  bytes.Buffer
	seen uint64
}

// FrameAssembler rebuilds JPEG frames from packets sent by network cameras.
// A packet starting with the JPEG SOI marker begins a new frame and a packet
// ending with the EOI marker completes it. Each sender has its own buffer,
// which only exists while a frame is in progress.
type FrameAssembler struct {
	buffers    map[string]*pendingFrame
	maxPending int
	seq        uint64
}

// NewFrameAssembler creates an empty assembler.
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{
		buffers:    make(map[string]*pendingFrame),
		maxPending: maxPendingSenders,
	}
}

// Write adds a packet from sender and returns a complete frame when one is
// finished.
func (a *FrameAssembler) Write(sender string, packet []byte) ([]byte, bool) {
	a.seq++
	p, ok := a.buffers[sender]

	if bytes.HasPrefix(packet, jpegHeader) {
		if !ok {
			a.evict()
			p = &pendingFrame{}
			a.buffers[sender] = p
		}
		p.buf.Reset()
	} else if !ok {
		// Middle of a frame whose start we missed.
		return nil, false
	}
	p.seen = a.seq
	p.buf.Write(packet)

	if p.buf.Len() > maxFrameBytes {
		delete(a.buffers, sender)
		return nil, false
	}

	if !bytes.HasSuffix(packet, jpegFooter) {
		return nil, false
	}

	frame := make([]byte, p.buf.Len())
	copy(frame, p.buf.Bytes())
	delete(a.buffers, sender)
	return frame, true
}

// Pending returns the number of senders with a partial frame.
func (a *FrameAssembler) Pending() int {
	return len(a.buffers)
}

// evict drops the stalest partial frame when the sender limit is reached.
func (a *FrameAssembler) evict() {
	if len(a.buffers) < a.maxPending {
		return
	}
	var oldest string
	var oldestSeen uint64
	first := true
	for sender, p := range a.buffers {
		if first || p.seen < oldestSeen {
			oldest, oldestSeen, first = sender, p.seen, false
		}
	}
	delete(a.buffers, oldest)
}

// UDPReceiver listens for JPEG frames streamed over UDP.
type UDPReceiver struct {
	conn      *net.UDPConn
	assembler *FrameAssembler
	packet    []byte
}

// ListenUDP opens a receiver on port. Port 0 picks a free port.
func ListenUDP(port int) (*UDPReceiver, error) {
	addr, err := net.ResolveUDPAddr("udp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}

	return &UDPReceiver{
		conn:      conn,
		assembler: NewFrameAssembler(),
		packet:    make([]byte, 65536),
	}, nil
}

// Addr returns the local address the receiver is bound to.
func (r *UDPReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// ReadJPEG blocks until a complete frame arrives and returns it with the
// sender's IP. After Close it returns ErrEndOfStream; other socket errors are
// returned wrapped so the caller can retry.
func (r *UDPReceiver) ReadJPEG() ([]byte, string, error) {
	for {
		n, remote, err := r.conn.ReadFromUDP(r.packet)
		if errors.Is(err, net.ErrClosed) {
			return nil, "", ErrEndOfStream
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read UDP packet: %w", err)
		}

		sender := remote.IP.String()
		if frame, ok := r.assembler.Write(sender, r.packet[:n]); ok {
			return frame, sender, nil
		}
	}
}

// Close stops the receiver. A blocked ReadJPEG returns ErrEndOfStream.
func (r *UDPReceiver) Close() error {
	return r.conn.Close()
}
