// Package dispatch is the producer/consumer IPC plane: a method-code
// table, a request/reply envelope, and a Transport abstraction with a
// real unix.Socketpair-backed implementation plus an in-memory one for
// tests. It plays the role the control plane's ioctl/io_uring submit
// loop plays for ublk, but carries BufferQueue method calls instead of
// device-management commands (spec §6.1).
package dispatch

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

// Method identifies a remote BufferQueue/producer operation, mirroring
// the code list spec §6.1 assigns to IRemoteBroker-style interfaces.
type Method uint32

const (
	MethodRequestBuffer Method = iota + 1
	MethodCancelBuffer
	MethodFlushBuffer
	MethodAcquireBuffer
	MethodReleaseBuffer
	MethodAttachBuffer
	MethodDetachBuffer
	MethodRequestAndDetachBuffer
	MethodAttachAndFlushBuffer
	MethodConnect
	MethodDisconnect
	MethodConnectStrictly
	MethodDisconnectStrictly
	MethodSetQueueSize
	MethodGetQueueSize
	MethodCleanCache
	MethodGoBackground
	MethodOnBufferReleased
	MethodGetProducerInitInfo
)

// interfaceToken is checked on every request to reject payloads from an
// unrelated protocol, the same defensive check the original IPC stubs
// perform before touching the request body.
const interfaceToken uint32 = 0x53554246 // "SUBF"

// Envelope is a single request or reply crossing the transport.
type Envelope struct {
	Token    uint32
	Method   Method
	Sequence uint32
	Code     int32 // 0 on a request; reply status on a response
	Payload  []byte
}

const envelopeHeaderSize = 4 + 4 + 4 + 4 + 4 // token, method, sequence, code, payload length

// Marshal encodes the envelope as a length-prefixed frame.
func (e Envelope) Marshal() []byte {
	buf := make([]byte, envelopeHeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], e.Token)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Method))
	binary.LittleEndian.PutUint32(buf[8:12], e.Sequence)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.Code))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(e.Payload)))
	copy(buf[20:], e.Payload)
	return buf
}

// UnmarshalEnvelope decodes a length-prefixed frame previously produced
// by Marshal. It returns an error if the interface token doesn't match.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	if len(data) < envelopeHeaderSize {
		return Envelope{}, fmt.Errorf("dispatch: short envelope header (%d bytes)", len(data))
	}
	token := binary.LittleEndian.Uint32(data[0:4])
	if token != interfaceToken {
		return Envelope{}, fmt.Errorf("dispatch: bad interface token 0x%x", token)
	}
	payloadLen := binary.LittleEndian.Uint32(data[16:20])
	if len(data) < envelopeHeaderSize+int(payloadLen) {
		return Envelope{}, fmt.Errorf("dispatch: short envelope payload (want %d, got %d)", payloadLen, len(data)-envelopeHeaderSize)
	}
	return Envelope{
		Token:    token,
		Method:   Method(binary.LittleEndian.Uint32(data[4:8])),
		Sequence: binary.LittleEndian.Uint32(data[8:12]),
		Code:     int32(binary.LittleEndian.Uint32(data[12:16])),
		Payload:  data[envelopeHeaderSize : envelopeHeaderSize+int(payloadLen)],
	}, nil
}

// NewRequest builds a request envelope with the interface token set.
func NewRequest(method Method, sequence uint32, payload []byte) Envelope {
	return Envelope{Token: interfaceToken, Method: method, Sequence: sequence, Payload: payload}
}

// NewReply builds a reply envelope echoing the request's method/sequence.
func NewReply(req Envelope, code int32, payload []byte) Envelope {
	return Envelope{Token: interfaceToken, Method: req.Method, Sequence: req.Sequence, Code: code, Payload: payload}
}

// Transport sends and receives whole Envelopes. Implementations are
// expected to be safe for one concurrent Send and one concurrent Recv,
// but not for concurrent Sends (callers serialize writes themselves).
type Transport interface {
	Send(e Envelope) error
	Recv() (Envelope, error)
	Close() error
}

// SocketTransport is a Transport over a connected unix domain socket,
// typically one end of a unix.Socketpair(SOCK_STREAM) pair -- the local
// analog of the binder/IPC channel a real producer/consumer pair would
// use across processes.
type SocketTransport struct {
	mu sync.Mutex
	fd int
}

// NewSocketPair creates two connected SocketTransports sharing a single
// unix.Socketpair, one for the producer side and one for the consumer.
func NewSocketPair() (*SocketTransport, *SocketTransport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: socketpair: %w", err)
	}
	return &SocketTransport{fd: fds[0]}, &SocketTransport{fd: fds[1]}, nil
}

// Send writes e as a length-prefixed frame. It rejects an oversize
// parcel before ever touching the fd (spec §6.1's parcel size limit).
func (t *SocketTransport) Send(e Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := e.Marshal()
	if err := proto.CheckParcelSize(len(buf)); err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := unix.Write(t.fd, lenPrefix[:]); err != nil {
		return err
	}
	_, err := unix.Write(t.fd, buf)
	return err
}

// Recv reads one length-prefixed frame and decodes it. The advertised
// payload length is checked against the parcel size limit before it is
// used to size an allocation, the same bound Send enforces on the way out.
func (t *SocketTransport) Recv() (Envelope, error) {
	var lenPrefix [4]byte
	if err := readFull(t.fd, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if err := proto.CheckParcelSize(int(n)); err != nil {
		return Envelope{}, err
	}
	buf := make([]byte, n)
	if err := readFull(t.fd, buf); err != nil {
		return Envelope{}, err
	}
	return UnmarshalEnvelope(buf)
}

// Close closes the underlying fd.
func (t *SocketTransport) Close() error {
	return unix.Close(t.fd)
}

func readFull(fd int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
		read += n
	}
	return nil
}

var _ Transport = (*SocketTransport)(nil)

// ChanTransport is an in-memory Transport pair for tests: no fds,
// no kernel round-trip, just two buffered channels.
type ChanTransport struct {
	send   chan<- Envelope
	recv   <-chan Envelope
	closed chan struct{}
	once   sync.Once
}

// NewChanPair creates two connected ChanTransports.
func NewChanPair(buffer int) (*ChanTransport, *ChanTransport) {
	ab := make(chan Envelope, buffer)
	ba := make(chan Envelope, buffer)
	return &ChanTransport{send: ab, recv: ba, closed: make(chan struct{})},
		&ChanTransport{send: ba, recv: ab, closed: make(chan struct{})}
}

// Send enqueues e for the peer's Recv. The parcel size limit is
// enforced here too, even though no bytes actually cross a wire, so a
// caller sees the same GSERROR_BINDER-mapped failure on either
// Transport implementation (spec §6.1).
func (c *ChanTransport) Send(e Envelope) error {
	if err := proto.CheckParcelSize(len(e.Marshal())); err != nil {
		return err
	}
	select {
	case c.send <- e:
		return nil
	case <-c.closed:
		return fmt.Errorf("dispatch: transport closed")
	}
}

// Recv dequeues the next envelope from the peer.
func (c *ChanTransport) Recv() (Envelope, error) {
	select {
	case e := <-c.recv:
		return e, nil
	case <-c.closed:
		return Envelope{}, fmt.Errorf("dispatch: transport closed")
	}
}

// Close marks the transport closed; pending/future Send and Recv calls
// return an error instead of blocking forever.
func (c *ChanTransport) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

var _ Transport = (*ChanTransport)(nil)
