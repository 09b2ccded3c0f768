// Package cluster implements the parent/worker pipe IPC spec.md §4.G
// describes: length-prefixed frames carrying pub/sub publish and
// subscription-table updates between a parent process and its workers.
package cluster

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/deferio/reactor/internal/rerr"
)

// FrameType enumerates the wire frame kinds spec.md §6 names.
type FrameType uint16

const (
	FramePublish FrameType = iota
	FrameSubscribe
	FrameUnsubscribe
	FramePSubscribe
	FramePUnsubscribe
	FrameShutdown
	FramePing
	// FramePublishRoot carries an EngineRoot publication: the parent
	// delivers it to its own registry only, never fanning it out to other
	// workers the way FramePublish is (spec.md §4.H, "If engine == ROOT:
	// only the parent").
	FramePublishRoot
)

// FrameFlags is a bitmask over a frame's wire flags.
type FrameFlags uint16

const (
	// FlagContinuation marks a frame as carrying a chunk of a message
	// whose total length exceeded MaxFramePayload; the receiver keeps
	// reassembling until it has collected MsgLen bytes in total.
	FlagContinuation FrameFlags = 1 << iota
)

// MaxFramePayload bounds a single wire frame's payload (everything after
// the leading length prefix). spec.md §6 requires at least 1 MiB; larger
// logical messages are split into continuation frames.
const MaxFramePayload = 1 << 20

// headerSize is the fixed portion of a frame after the u32 payload_len
// prefix: type(2) + flags(2) + channel_len(2) + msg_len(4) + filter(4) +
// is_json(1) + pad(1), per spec.md §6's byte layout.
const headerSize = 16

// Frame is one fully reassembled logical frame, after continuation frames
// (if any) have been joined back together.
type Frame struct {
	Type    FrameType
	Filter  int32
	IsJSON  bool
	Channel string
	Msg     []byte
}

type wireHeader struct {
	Type       FrameType
	Flags      FrameFlags
	ChannelLen uint16
	MsgLen     uint32
	Filter     int32
	IsJSON     uint8
	Pad        uint8
}

func encodeHeader(buf []byte, h wireHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Flags))
	binary.LittleEndian.PutUint16(buf[4:6], h.ChannelLen)
	binary.LittleEndian.PutUint32(buf[6:10], h.MsgLen)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(h.Filter))
	buf[14] = h.IsJSON
	buf[15] = h.Pad
}

func decodeHeader(buf []byte) wireHeader {
	return wireHeader{
		Type:       FrameType(binary.LittleEndian.Uint16(buf[0:2])),
		Flags:      FrameFlags(binary.LittleEndian.Uint16(buf[2:4])),
		ChannelLen: binary.LittleEndian.Uint16(buf[4:6]),
		MsgLen:     binary.LittleEndian.Uint32(buf[6:10]),
		Filter:     int32(binary.LittleEndian.Uint32(buf[10:14])),
		IsJSON:     buf[14],
		Pad:        buf[15],
	}
}

// writeRawFrame writes one wire frame: a u32 payload_len prefix followed by
// the fixed header, channel bytes, and this chunk of the message. totalMsgLen
// is the logical message's full length, repeated on every continuation
// frame so the receiver knows when reassembly is complete.
func writeRawFrame(w io.Writer, typ FrameType, flags FrameFlags, channel, chunk []byte, totalMsgLen uint32, filter int32, isJSON bool) error {
	payload := make([]byte, headerSize+len(channel)+len(chunk))
	h := wireHeader{
		Type:       typ,
		Flags:      flags,
		ChannelLen: uint16(len(channel)),
		MsgLen:     totalMsgLen,
		Filter:     filter,
	}
	if isJSON {
		h.IsJSON = 1
	}
	encodeHeader(payload, h)
	copy(payload[headerSize:headerSize+len(channel)], channel)
	copy(payload[headerSize+len(channel):], chunk)

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "cluster: write frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "cluster: write frame payload")
	}
	return nil
}

// WriteFrame sends one logical frame over w, splitting msg across
// continuation frames if it exceeds MaxFramePayload (spec.md §6). The full
// channel name is always sent in the first frame; a channel alone longer
// than the max is a hard error.
func WriteFrame(w io.Writer, typ FrameType, filter int32, isJSON bool, channel string, msg []byte) error {
	chBytes := []byte(channel)
	if len(chBytes) > 0xFFFF || headerSize+len(chBytes) >= MaxFramePayload {
		return rerr.New(rerr.BufferFull, "cluster: channel exceeds max frame payload")
	}

	totalMsgLen := uint32(len(msg))
	firstCap := MaxFramePayload - headerSize - len(chBytes)

	first := msg
	more := false
	if len(first) > firstCap {
		first = msg[:firstCap]
		more = true
	}
	flags := FrameFlags(0)
	if more {
		flags |= FlagContinuation
	}
	if err := writeRawFrame(w, typ, flags, chBytes, first, totalMsgLen, filter, isJSON); err != nil {
		return err
	}

	remaining := msg[len(first):]
	chunkCap := MaxFramePayload - headerSize
	for len(remaining) > 0 {
		n := chunkCap
		cont := true
		if n >= len(remaining) {
			n = len(remaining)
			cont = false
		}
		chunk := remaining[:n]
		remaining = remaining[n:]
		f := FrameFlags(0)
		if cont {
			f |= FlagContinuation
		}
		if err := writeRawFrame(w, typ, f, nil, chunk, totalMsgLen, filter, isJSON); err != nil {
			return err
		}
	}
	return nil
}

// Decoder reassembles a stream of wire frames from r back into logical
// Frames, transparently joining continuation sequences.
type Decoder struct {
	r io.Reader

	assembling bool
	typ        FrameType
	filter     int32
	isJSON     bool
	channel    []byte
	msg        []byte
	wantLen    uint32
}

// NewDecoder wraps r for frame-at-a-time reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) readRaw() (wireHeader, []byte, []byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(d.r, lenPrefix[:]); err != nil {
		return wireHeader{}, nil, nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(lenPrefix[:])
	if payloadLen < headerSize {
		return wireHeader{}, nil, nil, rerr.New(rerr.ClusterIPCFailure, "cluster: frame shorter than header")
	}
	buf := make([]byte, payloadLen)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return wireHeader{}, nil, nil, errors.Wrap(err, "cluster: read frame payload")
	}
	h := decodeHeader(buf[:headerSize])
	rest := buf[headerSize:]
	if uint32(len(rest)) < uint32(h.ChannelLen) {
		return wireHeader{}, nil, nil, rerr.New(rerr.ClusterIPCFailure, "cluster: channel_len exceeds payload")
	}
	channel := rest[:h.ChannelLen]
	msg := rest[h.ChannelLen:]
	return h, channel, msg, nil
}

// ReadFrame blocks for the next complete logical frame, transparently
// reassembling any continuation sequence.
func (d *Decoder) ReadFrame() (*Frame, error) {
	for {
		h, channel, chunk, err := d.readRaw()
		if err != nil {
			return nil, err
		}

		if !d.assembling {
			if uint32(len(chunk)) >= h.MsgLen {
				return &Frame{
					Type:    h.Type,
					Filter:  h.Filter,
					IsJSON:  h.IsJSON != 0,
					Channel: string(channel),
					Msg:     chunk[:h.MsgLen],
				}, nil
			}
			d.assembling = true
			d.typ = h.Type
			d.filter = h.Filter
			d.isJSON = h.IsJSON != 0
			d.channel = append([]byte(nil), channel...)
			d.msg = append([]byte(nil), chunk...)
			d.wantLen = h.MsgLen
			continue
		}

		d.msg = append(d.msg, chunk...)
		if uint32(len(d.msg)) >= d.wantLen {
			f := &Frame{Type: d.typ, Filter: d.filter, IsJSON: d.isJSON, Channel: string(d.channel), Msg: d.msg}
			d.assembling = false
			d.channel, d.msg = nil, nil
			return f, nil
		}
	}
}
