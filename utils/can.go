package utils

import (
	"context"
	"fmt"
	"math"
	"net"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CANWriter transmits frames to a drive-by-wire bus.
type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// SocketCANWriter sends frames over a Linux SocketCAN interface.
type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// Actuation frame layout, little-endian:
//
//	bits  0..15  steering command, signed, factor 1e-4  (normalized [-1, 1])
//	bits 16..31  throttle command, signed, factor 1e-4  (normalized [-1, 1])
//	bits 32..39  rolling counter
const (
	ActuationFrameID  uint32 = 0x210
	ActuationFrameDLC        = 5

	actuationFactor = 1e-4
)

// ActuationCmd is one normalized steering/throttle command mirrored onto the
// CAN bus after each solve.
type ActuationCmd struct {
	Steering float64
	Throttle float64
	Counter  uint8
}

// Encode packs the command into a transmit-ready frame. Values are clamped to
// the normalized actuator range before scaling.
func (c ActuationCmd) Encode() can.Frame {
	var payload uint64
	payload = setBits(payload, 0, 16, rawToUnsigned(physToRaw(c.Steering), 16))
	payload = setBits(payload, 16, 16, rawToUnsigned(physToRaw(c.Throttle), 16))
	payload = setBits(payload, 32, 8, uint64(c.Counter))

	var f can.Frame
	f.ID = ActuationFrameID
	f.Length = ActuationFrameDLC
	for i := 0; i < ActuationFrameDLC; i++ {
		f.Data[i] = byte(payload >> (8 * i))
	}
	return f
}

// DecodeActuationCmd unpacks a frame produced by Encode.
func DecodeActuationCmd(f can.Frame) (ActuationCmd, error) {
	if f.ID != ActuationFrameID {
		return ActuationCmd{}, fmt.Errorf("unexpected frame id 0x%X", uint32(f.ID))
	}
	if f.Length < ActuationFrameDLC {
		return ActuationCmd{}, fmt.Errorf("frame 0x%X expects DLC %d, got %d", uint32(f.ID), ActuationFrameDLC, f.Length)
	}

	var payload uint64
	for i := 0; i < ActuationFrameDLC; i++ {
		payload |= uint64(f.Data[i]) << (8 * i)
	}
	return ActuationCmd{
		Steering: float64(unsignedToRawInt64(getBits(payload, 0, 16), 16)) * actuationFactor,
		Throttle: float64(unsignedToRawInt64(getBits(payload, 16, 16), 16)) * actuationFactor,
		Counter:  uint8(getBits(payload, 32, 8)),
	}, nil
}

func physToRaw(v float64) int64 {
	v = math.Max(-1, math.Min(1, v))
	return int64(math.Round(v / actuationFactor))
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	mask := uint64(1)<<bitLen - 1
	return (payload >> startBit) & mask
}

func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	mask := uint64(1)<<bitLen - 1
	payload &^= mask << startBit
	payload |= (value & mask) << startBit
	return payload
}

func unsignedToRawInt64(u uint64, bitLen int) int64 {
	signBit := uint64(1) << (bitLen - 1)
	if u&signBit == 0 {
		return int64(u)
	}
	fullMask := uint64(1)<<bitLen - 1
	return -int64((^u + 1) & fullMask)
}

func rawToUnsigned(raw int64, bitLen int) uint64 {
	if raw >= 0 {
		return uint64(raw)
	}
	fullMask := uint64(1)<<bitLen - 1
	return (^uint64(-raw) + 1) & fullMask
}
