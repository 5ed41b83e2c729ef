// Package proto implements the wire encoding for buffer-queue IPC
// payloads: the fixed-size structs exchanged between a producer and a
// consumer over the transport (spec §6.1-§6.3). Each type supports
// Marshal/Unmarshal to a flat byte slice using explicit little-endian
// field layout, the same technique the control plane uses for its
// C-ABI-compatible structs.
package proto

import (
	"encoding/binary"
	"fmt"
)

// ErrInsufficientData is returned by Unmarshal when the input is
// shorter than the struct's fixed wire size.
type ErrInsufficientData struct {
	Want, Got int
}

func (e ErrInsufficientData) Error() string {
	return fmt.Sprintf("proto: need %d bytes, got %d", e.Want, e.Got)
}

// ErrParcelTooLarge is returned when a payload exceeds MaxParcelSize.
type ErrParcelTooLarge struct {
	Size, Max int
}

func (e ErrParcelTooLarge) Error() string {
	return fmt.Sprintf("proto: parcel size %d exceeds limit %d", e.Size, e.Max)
}

// MaxParcelSize bounds any single marshaled request/reply payload
// (SURFACE_PARCEL_SIZE_LIMIT, spec §6.1).
const MaxParcelSize = 128 * 1024 * 1024

// Rect is a damage/crop region, always in buffer pixel coordinates.
type Rect struct {
	Left   int32
	Top    int32
	Width  int32
	Height int32
}

const rectWireSize = 16

// Marshal encodes r into a 16-byte little-endian record.
func (r Rect) Marshal() []byte {
	buf := make([]byte, rectWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Left))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Top))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Width))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.Height))
	return buf
}

// UnmarshalRect decodes a Rect from its 16-byte wire form.
func UnmarshalRect(data []byte) (Rect, error) {
	if len(data) < rectWireSize {
		return Rect{}, ErrInsufficientData{Want: rectWireSize, Got: len(data)}
	}
	return Rect{
		Left:   int32(binary.LittleEndian.Uint32(data[0:4])),
		Top:    int32(binary.LittleEndian.Uint32(data[4:8])),
		Width:  int32(binary.LittleEndian.Uint32(data[8:12])),
		Height: int32(binary.LittleEndian.Uint32(data[12:16])),
	}, nil
}

// FdSlot is the wire form of a possibly-absent file descriptor: a
// validity flag plus the in-band fd value, matching how the producer
// marks "no fence"/"no handle" without sending a negative fd through
// IPC fd-passing (spec §6.3's HasFence/HasFd convention).
type FdSlot struct {
	Valid bool
	Fd    int32
}

const fdSlotWireSize = 8

// Marshal encodes s into an 8-byte little-endian record.
func (s FdSlot) Marshal() []byte {
	buf := make([]byte, fdSlotWireSize)
	if s.Valid {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.Fd))
	return buf
}

// UnmarshalFdSlot decodes an FdSlot from its 8-byte wire form.
func UnmarshalFdSlot(data []byte) (FdSlot, error) {
	if len(data) < fdSlotWireSize {
		return FdSlot{}, ErrInsufficientData{Want: fdSlotWireSize, Got: len(data)}
	}
	return FdSlot{
		Valid: data[0] != 0,
		Fd:    int32(binary.LittleEndian.Uint32(data[4:8])),
	}, nil
}

// BufferRequestConfig is the {width, height, strideAlignment, format,
// usage, timeout} tuple a producer sends with RequestBuffer (spec §3.1,
// §6.1). It is the wire counterpart of allocator.Config.
type BufferRequestConfig struct {
	Width           int32
	Height          int32
	StrideAlignment int32
	Format          int32
	Usage           uint64
	Timeout         int32
}

const bufferRequestConfigWireSize = 28

// Marshal encodes c into a 28-byte little-endian record.
func (c BufferRequestConfig) Marshal() []byte {
	buf := make([]byte, bufferRequestConfigWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(c.Height))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c.StrideAlignment))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(c.Format))
	binary.LittleEndian.PutUint64(buf[16:24], c.Usage)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(c.Timeout))
	return buf
}

// UnmarshalBufferRequestConfig decodes a BufferRequestConfig from its
// 28-byte wire form.
func UnmarshalBufferRequestConfig(data []byte) (BufferRequestConfig, error) {
	if len(data) < bufferRequestConfigWireSize {
		return BufferRequestConfig{}, ErrInsufficientData{Want: bufferRequestConfigWireSize, Got: len(data)}
	}
	return BufferRequestConfig{
		Width:           int32(binary.LittleEndian.Uint32(data[0:4])),
		Height:          int32(binary.LittleEndian.Uint32(data[4:8])),
		StrideAlignment: int32(binary.LittleEndian.Uint32(data[8:12])),
		Format:          int32(binary.LittleEndian.Uint32(data[12:16])),
		Usage:           binary.LittleEndian.Uint64(data[16:24]),
		Timeout:         int32(binary.LittleEndian.Uint32(data[24:28])),
	}, nil
}

// BufferTransfer is the wire record describing a single slot
// round-tripping through RequestBuffer/FlushBuffer/AcquireBuffer/
// ReleaseBuffer: its sequence number, whether a new allocation was
// made (vs. reusing the cache), its fence, and the damage region for
// this present (spec §3.2, §6.2).
type BufferTransfer struct {
	Sequence    uint32
	IsNewBuffer bool
	Fence       FdSlot
	Damage      Rect
	Timestamp   int64
}

const bufferTransferWireSize = 4 + 4 + fdSlotWireSize + rectWireSize + 8

// Marshal encodes t into its fixed-size wire form.
func (t BufferTransfer) Marshal() []byte {
	buf := make([]byte, bufferTransferWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], t.Sequence)
	if t.IsNewBuffer {
		buf[4] = 1
	}
	off := 8
	copy(buf[off:off+fdSlotWireSize], t.Fence.Marshal())
	off += fdSlotWireSize
	copy(buf[off:off+rectWireSize], t.Damage.Marshal())
	off += rectWireSize
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(t.Timestamp))
	return buf
}

// UnmarshalBufferTransfer decodes a BufferTransfer from its wire form.
func UnmarshalBufferTransfer(data []byte) (BufferTransfer, error) {
	if len(data) < bufferTransferWireSize {
		return BufferTransfer{}, ErrInsufficientData{Want: bufferTransferWireSize, Got: len(data)}
	}
	t := BufferTransfer{
		Sequence:    binary.LittleEndian.Uint32(data[0:4]),
		IsNewBuffer: data[4] != 0,
	}
	off := 8
	fence, err := UnmarshalFdSlot(data[off : off+fdSlotWireSize])
	if err != nil {
		return BufferTransfer{}, err
	}
	t.Fence = fence
	off += fdSlotWireSize
	damage, err := UnmarshalRect(data[off : off+rectWireSize])
	if err != nil {
		return BufferTransfer{}, err
	}
	t.Damage = damage
	off += rectWireSize
	t.Timestamp = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	return t, nil
}

// AttachBufferRequest is the wire record for injecting a foreign buffer
// directly into the queue (spec §4.2.6): the buffer's allocator config,
// its HAL handle, and how long the server should wait for a free slot.
type AttachBufferRequest struct {
	Config  BufferRequestConfig
	Handle  FdSlot
	Timeout int64
}

const attachBufferRequestWireSize = bufferRequestConfigWireSize + fdSlotWireSize + 8

// Marshal encodes a into its fixed-size wire form.
func (a AttachBufferRequest) Marshal() []byte {
	buf := make([]byte, 0, attachBufferRequestWireSize)
	buf = append(buf, a.Config.Marshal()...)
	buf = append(buf, a.Handle.Marshal()...)
	buf = append(buf, EncodeUint64(uint64(a.Timeout))...)
	return buf
}

// UnmarshalAttachBufferRequest decodes an AttachBufferRequest from its
// wire form.
func UnmarshalAttachBufferRequest(data []byte) (AttachBufferRequest, error) {
	if len(data) < attachBufferRequestWireSize {
		return AttachBufferRequest{}, ErrInsufficientData{Want: attachBufferRequestWireSize, Got: len(data)}
	}
	cfg, err := UnmarshalBufferRequestConfig(data[0:bufferRequestConfigWireSize])
	if err != nil {
		return AttachBufferRequest{}, err
	}
	off := bufferRequestConfigWireSize
	handle, err := UnmarshalFdSlot(data[off : off+fdSlotWireSize])
	if err != nil {
		return AttachBufferRequest{}, err
	}
	off += fdSlotWireSize
	timeout := int64(binary.LittleEndian.Uint64(data[off : off+8]))
	return AttachBufferRequest{Config: cfg, Handle: handle, Timeout: timeout}, nil
}

// EncodeUint32 returns v as a 4-byte little-endian slice, for callers
// building up a reply payload field by field.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// EncodeUint64 returns v as an 8-byte little-endian slice.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// ProducerInitInfo is the wire form of the one-time producer-creation
// reply (spec §3.5): Name/BufferName/AppName are length-prefixed, the
// rest fixed-size.
type ProducerInitInfo struct {
	Name          string
	UniqueId      uint64
	BufferName    string
	AppName       string
	ProducerId    uint64
	Width         int32
	Height        int32
	TransformHint int32
	IsInHebcList  bool
}

// Marshal encodes p field by field, each string preceded by its
// 4-byte length.
func (p ProducerInitInfo) Marshal() []byte {
	buf := make([]byte, 0, 64+len(p.Name)+len(p.BufferName)+len(p.AppName))
	buf = appendString(buf, p.Name)
	buf = append(buf, EncodeUint64(p.UniqueId)...)
	buf = appendString(buf, p.BufferName)
	buf = appendString(buf, p.AppName)
	buf = append(buf, EncodeUint64(p.ProducerId)...)
	buf = append(buf, EncodeUint32(uint32(p.Width))...)
	buf = append(buf, EncodeUint32(uint32(p.Height))...)
	buf = append(buf, EncodeUint32(uint32(p.TransformHint))...)
	if p.IsInHebcList {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// UnmarshalProducerInitInfo decodes a ProducerInitInfo from its wire form.
func UnmarshalProducerInitInfo(data []byte) (ProducerInitInfo, error) {
	var p ProducerInitInfo
	var off int
	var err error

	if p.Name, off, err = readString(data, 0); err != nil {
		return ProducerInitInfo{}, err
	}
	if len(data) < off+8 {
		return ProducerInitInfo{}, ErrInsufficientData{Want: off + 8, Got: len(data)}
	}
	p.UniqueId = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	if p.BufferName, off, err = readString(data, off); err != nil {
		return ProducerInitInfo{}, err
	}
	if p.AppName, off, err = readString(data, off); err != nil {
		return ProducerInitInfo{}, err
	}

	if len(data) < off+21 {
		return ProducerInitInfo{}, ErrInsufficientData{Want: off + 21, Got: len(data)}
	}
	p.ProducerId = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	p.Width = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	p.Height = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	p.TransformHint = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	p.IsInHebcList = data[off] != 0

	return p, nil
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, EncodeUint32(uint32(len(s)))...)
	return append(buf, s...)
}

func readString(data []byte, off int) (string, int, error) {
	if len(data) < off+4 {
		return "", 0, ErrInsufficientData{Want: off + 4, Got: len(data)}
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+n {
		return "", 0, ErrInsufficientData{Want: off + n, Got: len(data)}
	}
	return string(data[off : off+n]), off + n, nil
}

// CheckParcelSize returns ErrParcelTooLarge if size exceeds MaxParcelSize.
func CheckParcelSize(size int) error {
	if size > MaxParcelSize {
		return ErrParcelTooLarge{Size: size, Max: MaxParcelSize}
	}
	return nil
}
