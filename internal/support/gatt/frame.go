package gatt

import (
	"encoding/binary"
	"fmt"
)

// FrameSize is the fixed length of a ring command frame.
const FrameSize = 16

// Ring command opcodes.
const (
	CmdRealtimeHeartRate byte = 0x69
)

// realtime measurement sub-commands
const (
	realtimeTypeHeartRate byte = 0x01
	realtimeActionStart   byte = 0x01
)

// BuildFrame lays out a command frame: opcode, payload, zero padding and a
// trailing checksum that is the low byte of the sum of bytes 0..14.
func BuildFrame(cmd byte, payload ...byte) ([]byte, error) {
	if len(payload) > FrameSize-2 {
		return nil, fmt.Errorf("payload too long: %d bytes, max %d", len(payload), FrameSize-2)
	}

	frame := make([]byte, FrameSize)
	frame[0] = cmd
	copy(frame[1:], payload)

	var sum int
	for _, b := range frame[:FrameSize-1] {
		sum += int(b)
	}
	frame[FrameSize-1] = byte(sum & 0xFF)
	return frame, nil
}

// StartHeartRateFrame is the frame that starts a one-shot realtime heart-rate measurement.
func StartHeartRateFrame() []byte {
	frame, _ := BuildFrame(CmdRealtimeHeartRate, realtimeTypeHeartRate, realtimeActionStart)
	return frame
}

// DecodeHeartRateMeasurement parses a Heart Rate Measurement (0x2A37) value.
// Bit 0 of the flags byte selects an 8-bit or a 16-bit little-endian rate.
func DecodeHeartRateMeasurement(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("heart rate measurement too short: %d bytes", len(data))
	}

	flags := data[0]
	if flags&0x01 == 0 {
		return int(data[1]), nil
	}
	if len(data) < 3 {
		return 0, fmt.Errorf("16-bit heart rate measurement too short: %d bytes", len(data))
	}
	return int(binary.LittleEndian.Uint16(data[1:3])), nil
}
