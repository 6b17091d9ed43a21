package protocol

import (
	"encoding/binary"
	"io"
)

// Wire framing constants, part of the protocol contract (§6): must not
// change independently of a protocol version bump.
const (
	dataFrameSync0 = 0xAA
	dataFrameSync1 = 0x55

	ackSync0 = 0x55
	ackSync1 = 0xAA

	// handshakeAck is the single byte the host writes back once the
	// handshake has been parsed, signalling readiness to the controller.
	handshakeAck = 0x01

	deviceNameMaxLen = 32

	// dataFrameHeaderLen is sync(2) + sequence(4) + command(1) + offset(2)
	// + timestamp(8) + bodyLength(2).
	dataFrameHeaderLen = 2 + 4 + 1 + 2 + 8 + 2
	crcLen             = 2

	// ackLen is sync(2) + sequence(4) + status(1) + tReceiverIn(8) +
	// tReceiverOut(8) + crc(2).
	ackLen = 2 + 4 + 1 + 8 + 8 + 2
)

// Encode builds the wire bytes for a data frame with the given sequence.
// Pure: no I/O, no mutation of frame. The caller is responsible for having
// already rewritten frame.Timestamp into the controller's clock domain.
func Encode(frame *Frame, sequence uint32) ([]byte, error) {
	body := 3 * len(frame.Colors)
	if body > 0xFFFF {
		return nil, New(KindInvalidArgument, "color body exceeds 65535 bytes")
	}

	out := NewScratchOutput(dataFrameHeaderLen + body + crcLen)
	out.Output([]byte{dataFrameSync0, dataFrameSync1})

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], sequence)
	out.Output(seqBuf[:])

	out.Output([]byte{byte(frame.Command)})

	var offBuf [2]byte
	binary.BigEndian.PutUint16(offBuf[:], frame.Offset)
	out.Output(offBuf[:])

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(frame.Timestamp))
	out.Output(tsBuf[:])

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(body))
	out.Output(lenBuf[:])

	out.Output(appendRGB(make([]byte, 0, body), frame.Colors))

	header := out.Result()
	crc := CRC16(header)
	var crcBuf [2]byte
	binary.BigEndian.PutUint16(crcBuf[:], crc)
	out.Output(crcBuf[:])

	return out.Result(), nil
}

// DecodeAck reads exactly one acknowledgement from r. It reads the fixed
// ackLen bytes needed to classify the message (no variable-length fields
// in an Ack) and validates sync markers and CRC before returning.
func DecodeAck(r io.Reader) (*Ack, error) {
	buf := make([]byte, ackLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, Wrap(KindLinkClosed, "reading ack", err)
	}

	if buf[0] != ackSync0 || buf[1] != ackSync1 {
		return nil, New(KindFramingError, "ack sync mismatch")
	}

	frameCRC := binary.BigEndian.Uint16(buf[ackLen-crcLen:])
	actualCRC := CRC16(buf[:ackLen-crcLen])
	if frameCRC != actualCRC {
		return nil, New(KindCRCMismatch, "ack crc mismatch")
	}

	return &Ack{
		Sequence:     binary.BigEndian.Uint32(buf[2:6]),
		Status:       Status(buf[6]),
		TReceiverIn:  binary.BigEndian.Uint64(buf[7:15]),
		TReceiverOut: binary.BigEndian.Uint64(buf[15:23]),
	}, nil
}

// ReadHandshake reads the controller's one-time handshake message from r
// and returns the parsed Configuration.
func ReadHandshake(r io.Reader) (*Configuration, error) {
	var cfg Configuration

	var version [3]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading protocol version", err)
	}
	cfg.ProtocolVersion = version

	var nameLen [1]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading device name length", err)
	}
	if nameLen[0] > deviceNameMaxLen {
		return nil, New(KindProtocolError, "device name exceeds 32 bytes")
	}
	name := make([]byte, nameLen[0])
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading device name", err)
	}
	cfg.DeviceName = string(name)

	var rest [4]byte // ledCount(2) + dataPin(1) + clockPin(1)
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading device fields", err)
	}
	cfg.LEDCount = binary.BigEndian.Uint16(rest[0:2])
	cfg.DataPin = rest[2]
	cfg.ClockPin = rest[3]

	var extraLen [2]byte
	if _, err := io.ReadFull(r, extraLen[:]); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading extra values length", err)
	}
	n := binary.BigEndian.Uint16(extraLen[:])
	extra := make([]byte, n)
	if _, err := io.ReadFull(r, extra); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading extra values", err)
	}
	cfg.ExtraValues = extra

	var bufSize [2]byte
	if _, err := io.ReadFull(r, bufSize[:]); err != nil {
		return nil, Wrap(KindHandshakeTimeout, "reading frame buffer size", err)
	}
	cfg.FrameBufferSize = binary.BigEndian.Uint16(bufSize[:])

	return &cfg, nil
}

// WriteHandshakeAck writes the host's empty readiness acknowledgement.
func WriteHandshakeAck(w io.Writer) error {
	_, err := w.Write([]byte{handshakeAck})
	return err
}

// EncodeHandshake is the controller-side counterpart, used only by the
// scripted test controller to produce a handshake message a Session can
// parse with ReadHandshake.
func EncodeHandshake(cfg *Configuration) []byte {
	out := NewScratchOutput(16 + len(cfg.DeviceName) + len(cfg.ExtraValues))
	out.Output(cfg.ProtocolVersion[:])
	out.Output([]byte{byte(len(cfg.DeviceName))})
	out.Output([]byte(cfg.DeviceName))

	var rest [4]byte
	binary.BigEndian.PutUint16(rest[0:2], cfg.LEDCount)
	rest[2] = cfg.DataPin
	rest[3] = cfg.ClockPin
	out.Output(rest[:])

	var extraLen [2]byte
	binary.BigEndian.PutUint16(extraLen[:], uint16(len(cfg.ExtraValues)))
	out.Output(extraLen[:])
	out.Output(cfg.ExtraValues)

	var bufSize [2]byte
	binary.BigEndian.PutUint16(bufSize[:], cfg.FrameBufferSize)
	out.Output(bufSize[:])

	return out.Result()
}

// EncodeAck is the controller-side counterpart to DecodeAck, used by the
// scripted test controller fixture.
func EncodeAck(ack *Ack) []byte {
	out := NewScratchOutput(ackLen)
	out.Output([]byte{ackSync0, ackSync1})

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], ack.Sequence)
	out.Output(seqBuf[:])

	out.Output([]byte{byte(ack.Status)})

	var inBuf, outBuf [8]byte
	binary.BigEndian.PutUint64(inBuf[:], ack.TReceiverIn)
	binary.BigEndian.PutUint64(outBuf[:], ack.TReceiverOut)
	out.Output(inBuf[:])
	out.Output(outBuf[:])

	header := out.Result()
	crc := CRC16(header)
	var crcBuf [2]byte
	binary.BigEndian.PutUint16(crcBuf[:], crc)
	out.Output(crcBuf[:])

	return out.Result()
}

// DecodeFrame is the controller-side counterpart to Encode, used by the
// scripted test controller to parse frames sent by a real Session.
func DecodeFrame(r io.Reader) (*Frame, uint32, error) {
	var header [dataFrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, Wrap(KindLinkClosed, "reading frame header", err)
	}
	if header[0] != dataFrameSync0 || header[1] != dataFrameSync1 {
		return nil, 0, New(KindFramingError, "frame sync mismatch")
	}

	sequence := binary.BigEndian.Uint32(header[2:6])
	command := Command(header[6])
	offset := binary.BigEndian.Uint16(header[7:9])
	timestamp := int64(binary.BigEndian.Uint64(header[9:17]))
	bodyLen := binary.BigEndian.Uint16(header[17:19])

	body := make([]byte, int(bodyLen)+crcLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, Wrap(KindLinkClosed, "reading frame body", err)
	}

	frameCRC := binary.BigEndian.Uint16(body[bodyLen:])
	full := append(append([]byte{}, header[:]...), body[:bodyLen]...)
	if CRC16(full) != frameCRC {
		return nil, 0, New(KindCRCMismatch, "frame crc mismatch")
	}

	return &Frame{
		Command:   command,
		Offset:    offset,
		Timestamp: timestamp,
		Colors:    colorsFromRGB(body[:bodyLen]),
	}, sequence, nil
}
