package protocol

import "fmt"

// TicksPerSecond is the wire clock resolution step events are quantized
// to before VLQ encoding, matching the microsecond granularity Klipper's
// own MCU clock uses for queue_step's interval field.
const TicksPerSecond = 1_000_000

// StepDelta is one step event in wire form: which motor, which
// direction, and how many ticks after the previous event in the same
// block it fires (Klipper's queue_step encodes intervals the same way,
// so a long steady run of steps compresses to a short run of small
// deltas).
type StepDelta struct {
	MotorID   int32
	Direction int32 // +1 or -1
	DtTicks   int32 // >= 0
}

// EncodeStepBlock serializes deltas as a VLQ-encoded (motor_id,
// direction, dt_ticks) triple per event, followed by a big-endian
// CRC16-CCITT trailer over the payload (§6's step-event wire format,
// handed to pkg/transport one block at a time).
func EncodeStepBlock(deltas []StepDelta) []byte {
	payload := make([]byte, 0, len(deltas)*4)
	for _, d := range deltas {
		EncodeUint32(&payload, d.MotorID)
		EncodeUint32(&payload, d.Direction)
		EncodeUint32(&payload, d.DtTicks)
	}
	hi, lo := CRC16CCITT(payload)
	return append(payload, hi, lo)
}

// DecodeStepBlock validates the trailing CRC16 and decodes the payload
// back into step deltas.
func DecodeStepBlock(buf []byte) ([]StepDelta, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("protocol: step block too short (%d bytes)", len(buf))
	}
	payload, trailer := buf[:len(buf)-2], buf[len(buf)-2:]
	wantHi, wantLo := CRC16CCITT(payload)
	if trailer[0] != wantHi || trailer[1] != wantLo {
		return nil, fmt.Errorf("protocol: step block CRC mismatch: got %02x%02x want %02x%02x",
			trailer[0], trailer[1], wantHi, wantLo)
	}

	var deltas []StepDelta
	pos := 0
	for pos < len(payload) {
		motorID, next := DecodeUint32(payload, pos)
		pos = next
		direction, next := DecodeUint32(payload, pos)
		pos = next
		dt, next := DecodeUint32(payload, pos)
		pos = next
		deltas = append(deltas, StepDelta{MotorID: motorID, Direction: direction, DtTicks: dt})
	}
	return deltas, nil
}

// SecondsToTicks quantizes a print-time duration to the wire clock's
// tick resolution.
func SecondsToTicks(seconds float64) int32 {
	return int32(seconds*TicksPerSecond + 0.5)
}
