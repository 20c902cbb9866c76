// Package pdu implements the LL Data Channel PDU and LL Control PDU
// (Channel Map Indication only) binary codec of spec.md §3/§4.9. It
// returns a CRC-failed marker rather than an error for corrupted frames;
// malformed structure (wrong lengths, unknown opcodes) is a real error.
package pdu

import (
	"fmt"

	"github.com/user/blesim/channel"
)

// LLID identifies the PDU's payload kind, the BLE Link Layer's 2-bit
// LLID field.
type LLID uint8

const (
	LLIDContinuationOrEmpty LLID = 0x01 // empty PDU, or a continuation fragment
	LLIDStartOrComplete     LLID = 0x02 // data PDU carrying an application payload
	LLIDControl             LLID = 0x03 // LL Control PDU
)

// ControlOpcode identifies the LL Control PDU's operation. Only Channel
// Map Indication is modeled (spec.md §1 scope).
type ControlOpcode uint8

const ControlOpcodeChannelMapIndication ControlOpcode = 0x01

const (
	headerLen = 2
	crcLen    = 3
	// chMapBytes is the 5-byte packed form of the 37-bit channel map used
	// on the wire by the real Channel Map Indication PDU.
	chMapBytes = 5
	// channelMapIndicationPayloadLen is opcode(1) + ChM(5) + Instant(2).
	channelMapIndicationPayloadLen = 1 + chMapBytes + 2
)

// FrameOverhead is the header+CRC byte cost added to every payload on the
// wire, used by callers that need to tally transmitted/received bytes.
const FrameOverhead = headerLen + crcLen

// PeekLLID reads the LLID out of a frame's header without validating its
// CRC, so a receiver can dispatch to DecodeDataPDU or
// DecodeChannelMapIndication before it knows whether the frame is intact.
func PeekLLID(frame []byte) (LLID, error) {
	if len(frame) < headerLen {
		return 0, fmt.Errorf("pdu: frame of %d bytes shorter than header length %d", len(frame), headerLen)
	}
	h, _ := decodeHeader(frame)
	return h.LLID, nil
}

// CorruptCRC returns a copy of frame with its trailing CRC byte flipped, so
// a decode of the copy always reports crcOK=false. Used by the simulated
// medium to model a PHY-level bit error that garbles only the checksum.
func CorruptCRC(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	if len(out) > 0 {
		out[len(out)-1] ^= 0xFF
	}
	return out
}

// Header is the two-byte LL PDU header shared by data and control PDUs.
type Header struct {
	LLID     LLID
	NESN     bool // next-expected-sequence-number bit
	SN       bool // sequence-number bit
	MoreData bool // more data queued behind this PDU
}

func (h Header) encode(payloadLen int) []byte {
	b := make([]byte, headerLen)
	b[0] = byte(h.LLID) & 0x03
	if h.NESN {
		b[0] |= 1 << 2
	}
	if h.SN {
		b[0] |= 1 << 3
	}
	if h.MoreData {
		b[0] |= 1 << 4
	}
	b[1] = byte(payloadLen)
	return b
}

func decodeHeader(b []byte) (Header, int) {
	h := Header{
		LLID:     LLID(b[0] & 0x03),
		NESN:     b[0]&(1<<2) != 0,
		SN:       b[0]&(1<<3) != 0,
		MoreData: b[0]&(1<<4) != 0,
	}
	return h, int(b[1])
}

// EncodeDataPDU builds an LL Data PDU (or an empty PDU when payload is
// empty), appending a CRC24 computed with crcSeed.
func EncodeDataPDU(h Header, payload []byte, crcSeed uint32) ([]byte, error) {
	if len(payload) > 251 {
		return nil, fmt.Errorf("pdu: payload of %d bytes exceeds 251-byte maximum", len(payload))
	}
	if len(payload) == 0 {
		h.LLID = LLIDContinuationOrEmpty
	} else {
		h.LLID = LLIDStartOrComplete
	}
	return encode(h, payload, crcSeed), nil
}

// DecodeDataPDU parses a frame previously built by EncodeDataPDU. crcOK
// is false when the trailing CRC does not match crcSeed — the "CRC-failed
// marker" of spec.md §3; a false crcOK is not an error.
func DecodeDataPDU(frame []byte, crcSeed uint32) (h Header, payload []byte, crcOK bool, err error) {
	h, payload, crcOK, err = decode(frame, crcSeed)
	if err != nil {
		return Header{}, nil, false, err
	}
	if h.LLID != LLIDContinuationOrEmpty && h.LLID != LLIDStartOrComplete {
		return Header{}, nil, false, fmt.Errorf("pdu: expected data LLID, got 0x%02X", h.LLID)
	}
	return h, payload, crcOK, nil
}

// ChannelMapIndication is the LL Control PDU's Channel Map Indication
// payload: the new used-channel map and the event-counter instant at
// which both sides commit it (spec.md §4.9).
type ChannelMapIndication struct {
	Map     channel.Map
	Instant uint16
}

// EncodeChannelMapIndication builds the LL Control PDU.
func EncodeChannelMapIndication(ind ChannelMapIndication, nesn, sn bool, crcSeed uint32) []byte {
	payload := make([]byte, channelMapIndicationPayloadLen)
	payload[0] = byte(ControlOpcodeChannelMapIndication)
	packChannelMap(payload[1:1+chMapBytes], ind.Map)
	payload[1+chMapBytes] = byte(ind.Instant)
	payload[1+chMapBytes+1] = byte(ind.Instant >> 8)

	h := Header{LLID: LLIDControl, NESN: nesn, SN: sn}
	return encode(h, payload, crcSeed)
}

// DecodeChannelMapIndication parses a Channel Map Indication control PDU.
// crcOK follows the same CRC-failed-marker convention as DecodeDataPDU.
func DecodeChannelMapIndication(frame []byte, crcSeed uint32) (ind ChannelMapIndication, nesn, sn bool, crcOK bool, err error) {
	h, payload, crcOK, err := decode(frame, crcSeed)
	if err != nil {
		return ChannelMapIndication{}, false, false, false, err
	}
	if h.LLID != LLIDControl {
		return ChannelMapIndication{}, false, false, false, fmt.Errorf("pdu: expected control LLID, got 0x%02X", h.LLID)
	}
	if !crcOK {
		return ChannelMapIndication{}, h.NESN, h.SN, false, nil
	}
	if len(payload) != channelMapIndicationPayloadLen {
		return ChannelMapIndication{}, false, false, false, fmt.Errorf("pdu: channel map indication payload is %d bytes, want %d", len(payload), channelMapIndicationPayloadLen)
	}
	if ControlOpcode(payload[0]) != ControlOpcodeChannelMapIndication {
		return ChannelMapIndication{}, false, false, false, fmt.Errorf("pdu: unsupported control opcode 0x%02X", payload[0])
	}
	m := unpackChannelMap(payload[1 : 1+chMapBytes])
	instant := uint16(payload[1+chMapBytes]) | uint16(payload[1+chMapBytes+1])<<8
	return ChannelMapIndication{Map: m, Instant: instant}, h.NESN, h.SN, true, nil
}

func encode(h Header, payload []byte, crcSeed uint32) []byte {
	buf := make([]byte, headerLen+len(payload)+crcLen)
	copy(buf, h.encode(len(payload)))
	copy(buf[headerLen:], payload)
	crc := crc24(crcSeed, buf[:headerLen+len(payload)])
	putUint24LE(buf[headerLen+len(payload):], crc)
	return buf
}

func decode(frame []byte, crcSeed uint32) (Header, []byte, bool, error) {
	if len(frame) < headerLen+crcLen {
		return Header{}, nil, false, fmt.Errorf("pdu: frame of %d bytes shorter than minimum %d", len(frame), headerLen+crcLen)
	}
	h, length := decodeHeader(frame)
	want := headerLen + length + crcLen
	if len(frame) != want {
		return Header{}, nil, false, fmt.Errorf("pdu: frame length %d does not match header length field (%d)", len(frame), want)
	}
	payload := append([]byte(nil), frame[headerLen:headerLen+length]...)
	gotCRC := getUint24LE(frame[headerLen+length:])
	wantCRC := crc24(crcSeed, frame[:headerLen+length])
	return h, payload, gotCRC == wantCRC, nil
}

// packChannelMap writes m's low 37 bits into a 5-byte little-endian field.
func packChannelMap(b []byte, m channel.Map) {
	v := uint64(m)
	for i := 0; i < chMapBytes; i++ {
		b[i] = byte(v >> uint(8*i))
	}
}

func unpackChannelMap(b []byte) channel.Map {
	var v uint64
	for i := 0; i < chMapBytes; i++ {
		v |= uint64(b[i]) << uint(8*i)
	}
	return channel.Map(v & ((1 << channel.NumDataChannels) - 1))
}
