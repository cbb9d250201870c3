package feed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/andybalholm/brotli"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	capnp "zombiezen.com/go/capnproto2"
)

// Frame on the wire:
//
//	[0:4]   magic "CLF1"
//	[4]     flags (bit 0: body is brotli-compressed)
//	[5:]    body, a single-segment Cap'n Proto message
//
// The root struct carries four data words and two pointers:
//
//	@0  epoch u64
//	@8  seq u64
//	@16 progress f32
//	@20 particles u32
//	@24 phase u8
//	ptr 0  selected List(UInt32), draw order
//	ptr 1  positions List(Float32), particles × 3
const (
	magic      = "CLF1"
	headerSize = 5

	flagCompressed byte = 1 << 0

	offEpoch     capnp.DataOffset = 0
	offSeq       capnp.DataOffset = 8
	offProgress  capnp.DataOffset = 16
	offParticles capnp.DataOffset = 20
	offPhase     capnp.DataOffset = 24

	ptrSelected  = 0
	ptrPositions = 1
)

var frameSize = capnp.ObjectSize{DataSize: 32, PointerCount: 2}

// maxBody bounds a decompressed body: message and list headers plus
// MaxParticles positions and as many selected indices
const maxBody = 256 + 16*foundation.MaxParticles

var ErrMalformedFrame = errors.New("malformed frame")

// Header is the fixed part of an encoded frame
type Header struct {
	Epoch         uint64
	Seq           uint64
	Phase         foundation.Phase
	Progress      float32
	ParticleCount int
	Compressed    bool
}

// Decoded is a frame read back off the wire
type Decoded struct {
	Header
	Selected  []int
	Positions []float32
}

// EncodeFrame renders frame for the wire. quality is the brotli level used
// when compress is set.
func EncodeFrame(frame *foundation.Frame, compress bool, quality int) ([]byte, error) {
	if len(frame.Positions) != 3*frame.ParticleCount {
		return nil, fmt.Errorf("encode frame: %d positions for %d particles", len(frame.Positions), frame.ParticleCount)
	}
	if frame.ParticleCount > foundation.MaxParticles || len(frame.Selected) > foundation.MaxParticles {
		return nil, fmt.Errorf("encode frame: %d particles exceeds %d", frame.ParticleCount, foundation.MaxParticles)
	}

	body, err := marshalBody(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var out bytes.Buffer
	out.Grow(headerSize + len(body))
	out.WriteString(magic)
	if !compress {
		out.WriteByte(0)
		out.Write(body)
		return out.Bytes(), nil
	}

	out.WriteByte(flagCompressed)
	w := brotli.NewWriterLevel(&out, quality)
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	return out.Bytes(), nil
}

func marshalBody(frame *foundation.Frame) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	root, err := capnp.NewRootStruct(seg, frameSize)
	if err != nil {
		return nil, err
	}
	root.SetUint64(offEpoch, frame.Epoch)
	root.SetUint64(offSeq, frame.Seq)
	root.SetUint32(offProgress, math.Float32bits(float32(frame.Progress)))
	root.SetUint32(offParticles, uint32(frame.ParticleCount))
	root.SetUint8(offPhase, uint8(frame.Phase))

	selected, err := capnp.NewUInt32List(seg, int32(len(frame.Selected)))
	if err != nil {
		return nil, err
	}
	for i, idx := range frame.Selected {
		selected.Set(i, uint32(idx))
	}
	if err := root.SetPtr(ptrSelected, selected.ToPtr()); err != nil {
		return nil, err
	}

	positions, err := capnp.NewFloat32List(seg, int32(len(frame.Positions)))
	if err != nil {
		return nil, err
	}
	for i, v := range frame.Positions {
		positions.Set(i, float32(v))
	}
	if err := root.SetPtr(ptrPositions, positions.ToPtr()); err != nil {
		return nil, err
	}
	return msg.Marshal()
}

// DecodeFrame parses a frame produced by EncodeFrame
func DecodeFrame(data []byte) (*Decoded, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFrame)
	}

	body := data[headerSize:]
	compressed := data[4]&flagCompressed != 0
	if compressed {
		raw, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(raw) > maxBody {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedFrame, maxBody)
		}
		body = raw
	}

	d, err := unmarshalBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	d.Compressed = compressed
	return d, nil
}

func unmarshalBody(body []byte) (*Decoded, error) {
	msg, err := capnp.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	ptr, err := msg.RootPtr()
	if err != nil {
		return nil, err
	}
	if !ptr.IsValid() {
		return nil, errors.New("missing root")
	}
	root := ptr.Struct()

	d := &Decoded{Header: Header{
		Epoch:         root.Uint64(offEpoch),
		Seq:           root.Uint64(offSeq),
		Progress:      math.Float32frombits(root.Uint32(offProgress)),
		ParticleCount: int(root.Uint32(offParticles)),
		Phase:         foundation.Phase(root.Uint8(offPhase)),
	}}
	if d.ParticleCount > foundation.MaxParticles {
		return nil, fmt.Errorf("%d particles exceeds %d", d.ParticleCount, foundation.MaxParticles)
	}

	sp, err := root.Ptr(ptrSelected)
	if err != nil {
		return nil, err
	}
	selected := capnp.UInt32List{List: sp.List()}
	d.Selected = make([]int, selected.Len())
	for i := range d.Selected {
		d.Selected[i] = int(selected.At(i))
	}

	pp, err := root.Ptr(ptrPositions)
	if err != nil {
		return nil, err
	}
	positions := capnp.Float32List{List: pp.List()}
	if positions.Len() != 3*d.ParticleCount {
		return nil, fmt.Errorf("%d positions for %d particles", positions.Len(), d.ParticleCount)
	}
	d.Positions = make([]float32, positions.Len())
	for i := range d.Positions {
		d.Positions[i] = positions.At(i)
	}
	return d, nil
}
