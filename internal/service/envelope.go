// Package service implements the hybrid-kernel request/response protocol:
// kernel-side stubs for VFS/socket/device entry points package a typed
// request, hand it to the responsible userspace service over an
// internal/ipc channel, and block the caller until a matching reply or a
// timeout. It is a marshalling and wait/wake layer, not an implementation of
// filesystem, network, or device semantics — those live entirely in the
// userspace services this package talks to.
package service

import (
	"encoding/binary"
	"errors"

	"github.com/splax-s/splax/internal/ipc"
)

// OpTag identifies what an Envelope means: a request operation for one of
// the three service domains, or one of the Reply shapes a service sends
// back. Request and reply tags share one enum, with replies acting as a
// fourth domain alongside VFS/Socket/Device.
type OpTag uint32

const (
	_ OpTag = iota // 0 reserved: an Envelope must always carry a real tag

	// VFS request tags.
	TagVFSOpen
	TagVFSClose
	TagVFSRead
	TagVFSWrite
	TagVFSSeek
	TagVFSStat
	TagVFSReaddir
	TagVFSMkdir
	TagVFSRmdir
	TagVFSUnlink
	TagVFSMount
	TagVFSUmount

	// Socket request tags.
	TagSocketCreate
	TagSocketBind
	TagSocketListen
	TagSocketAccept
	TagSocketConnect
	TagSocketSend
	TagSocketRecv
	TagSocketClose

	// Device request tags.
	TagDeviceIoctl
	TagDeviceIrqNotify
	TagDeviceRead
	TagDeviceWrite

	// Reply tags: a service's response to any of the above.
	ReplyOk
	ReplyError
	ReplyData
	ReplyFd
)

// IsReply reports whether tag identifies a reply rather than a request.
func (t OpTag) IsReply() bool {
	return t == ReplyOk || t == ReplyError || t == ReplyData || t == ReplyFd
}

// ErrProtocol is returned when a wire message cannot be parsed as a valid
// Envelope (truncated header, length-prefixed body overruns the buffer).
var ErrProtocol = errors.New("service: malformed wire message")

// Envelope is the fixed header every kernel<->service message carries:
// request_id (0 only if this is impossible to correlate, which Stub never
// produces), tag, flags, caller_pid, reply_channel, followed by a
// length-prefixed body. All integers are little-endian.
type Envelope struct {
	RequestID    uint64
	Tag          OpTag
	Flags        uint16
	CallerPID    uint64
	ReplyChannel ipc.ChannelID
	Body         []byte
}

const envelopeHeaderSize = 8 + 4 + 2 + 8 + 8 + 4 // + 4-byte body length prefix

// Marshal encodes e as the little-endian, length-prefixed wire frame.
func (e Envelope) Marshal() []byte {
	buf := make([]byte, envelopeHeaderSize+len(e.Body))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], e.RequestID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(e.Tag))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], e.Flags)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], e.CallerPID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.ReplyChannel))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Body)))
	off += 4
	copy(buf[off:], e.Body)
	return buf
}

// UnmarshalEnvelope decodes a wire frame produced by Marshal.
func UnmarshalEnvelope(buf []byte) (Envelope, error) {
	if len(buf) < envelopeHeaderSize {
		return Envelope{}, ErrProtocol
	}
	var e Envelope
	off := 0
	e.RequestID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Tag = OpTag(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	e.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	e.CallerPID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.ReplyChannel = ipc.ChannelID(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	bodyLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if uint32(len(buf)-off) < bodyLen {
		return Envelope{}, ErrProtocol
	}
	e.Body = append([]byte(nil), buf[off:off+int(bodyLen)]...)
	return e, nil
}
