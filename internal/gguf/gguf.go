// Package gguf writes and inspects GGUF v3 files, the container used by
// llama.cpp-compatible runtimes.
package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"
)

const (
	Magic   = 0x46554747 // "GGUF" in little-endian
	Version = 3

	// DefaultAlignment is the tensor data alignment unless general.alignment
	// says otherwise.
	DefaultAlignment = 32
)

// Type is a metadata value type.
type Type uint32

const (
	TypeUint8   Type = 0
	TypeInt8    Type = 1
	TypeUint16  Type = 2
	TypeInt16   Type = 3
	TypeUint32  Type = 4
	TypeInt32   Type = 5
	TypeFloat32 Type = 6
	TypeBool    Type = 7
	TypeString  Type = 8
	TypeArray   Type = 9
	TypeUint64  Type = 10
	TypeInt64   Type = 11
	TypeFloat64 Type = 12
)

// TensorType is a GGML tensor element type. Only the unquantized types are
// produced here.
type TensorType uint32

const (
	TensorF32 TensorType = 0
	TensorF16 TensorType = 1
)

func (t TensorType) String() string {
	switch t {
	case TensorF32:
		return "F32"
	case TensorF16:
		return "F16"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Size returns the byte width of one element.
func (t TensorType) Size() uint64 {
	switch t {
	case TensorF32:
		return 4
	case TensorF16:
		return 2
	}
	return 0
}

var ErrFormat = errors.New("gguf: malformed file")

// Writer serializes the pieces of a GGUF file in order: header, metadata,
// tensor infos, then aligned tensor data.
type Writer struct {
	w         io.Writer
	alignment uint64
	written   uint64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, alignment: DefaultAlignment}
}

func (gw *Writer) Write(p []byte) (int, error) {
	n, err := gw.w.Write(p)
	gw.written += uint64(n)
	return n, err
}

func (gw *Writer) put(v any) error {
	return binary.Write(gw, binary.LittleEndian, v)
}

func (gw *Writer) WriteHeader(kvCount, tensorCount uint64) error {
	if err := gw.put(uint32(Magic)); err != nil {
		return err
	}
	if err := gw.put(uint32(Version)); err != nil {
		return err
	}
	if err := gw.put(tensorCount); err != nil {
		return err
	}
	return gw.put(kvCount)
}

func (gw *Writer) WriteString(s string) error {
	if err := gw.put(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(gw, s)
	return err
}

// WriteKV writes one metadata pair. Arrays are written for []uint32,
// []int32, []float32 and []string values.
func (gw *Writer) WriteKV(key string, value any) error {
	if err := gw.WriteString(key); err != nil {
		return err
	}

	switch v := value.(type) {
	case uint8:
		return gw.typed(TypeUint8, v)
	case int8:
		return gw.typed(TypeInt8, v)
	case uint16:
		return gw.typed(TypeUint16, v)
	case int16:
		return gw.typed(TypeInt16, v)
	case uint32:
		return gw.typed(TypeUint32, v)
	case int32:
		return gw.typed(TypeInt32, v)
	case float32:
		return gw.typed(TypeFloat32, v)
	case uint64:
		return gw.typed(TypeUint64, v)
	case int64:
		return gw.typed(TypeInt64, v)
	case float64:
		return gw.typed(TypeFloat64, v)
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return gw.typed(TypeBool, b)
	case string:
		if err := gw.put(TypeString); err != nil {
			return err
		}
		return gw.WriteString(v)
	case []uint32:
		return gw.array(TypeUint32, len(v), v)
	case []int32:
		return gw.array(TypeInt32, len(v), v)
	case []float32:
		return gw.array(TypeFloat32, len(v), v)
	case []string:
		if err := gw.arrayHeader(TypeString, len(v)); err != nil {
			return err
		}
		for _, s := range v {
			if err := gw.WriteString(s); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("gguf: unsupported value type %T for key %q", value, key)
}

func (gw *Writer) typed(t Type, v any) error {
	if err := gw.put(t); err != nil {
		return err
	}
	return gw.put(v)
}

func (gw *Writer) arrayHeader(t Type, n int) error {
	if err := gw.put(TypeArray); err != nil {
		return err
	}
	if err := gw.put(t); err != nil {
		return err
	}
	return gw.put(uint64(n))
}

func (gw *Writer) array(t Type, n int, v any) error {
	if err := gw.arrayHeader(t, n); err != nil {
		return err
	}
	return gw.put(v)
}

// WriteTensorInfo writes a tensor descriptor. shape is in row-major order;
// GGUF stores dimensions innermost first.
func (gw *Writer) WriteTensorInfo(name string, shape []uint64, t TensorType, offset uint64) error {
	if err := gw.WriteString(name); err != nil {
		return err
	}
	if err := gw.put(uint32(len(shape))); err != nil {
		return err
	}
	for i := len(shape) - 1; i >= 0; i-- {
		if err := gw.put(shape[i]); err != nil {
			return err
		}
	}
	if err := gw.put(uint32(t)); err != nil {
		return err
	}
	return gw.put(offset)
}

// Pad writes zeros up to the next alignment boundary.
func (gw *Writer) Pad() error {
	if n := padding(gw.written, gw.alignment); n > 0 {
		_, err := gw.Write(make([]byte, n))
		return err
	}
	return nil
}

func padding(offset, alignment uint64) uint64 {
	return (alignment - offset%alignment) % alignment
}

// Tensor is one tensor to be written.
type Tensor struct {
	Name  string
	Shape []uint64
	Type  TensorType
	Data  []float32
}

// NumElements returns the product of the shape.
func (t Tensor) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size returns the encoded data size in bytes.
func (t Tensor) Size() uint64 {
	return t.NumElements() * t.Type.Size()
}

func (t Tensor) encode() ([]byte, error) {
	if uint64(len(t.Data)) != t.NumElements() {
		return nil, fmt.Errorf("gguf: tensor %q has %d values for shape %v", t.Name, len(t.Data), t.Shape)
	}
	switch t.Type {
	case TensorF32:
		b := make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b, nil
	case TensorF16:
		b := make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b, nil
	}
	return nil, fmt.Errorf("gguf: tensor %q has unsupported type %s", t.Name, t.Type)
}

// KV is one metadata pair; WriteFile keeps the order given.
type KV struct {
	Key   string
	Value any
}

// Write writes a complete GGUF file to w.
func Write(w io.Writer, kvs []KV, tensors []Tensor) error {
	gw := NewWriter(w)
	for _, kv := range kvs {
		if kv.Key != "general.alignment" {
			continue
		}
		a, ok := kv.Value.(uint32)
		if !ok || a == 0 || a%8 != 0 {
			return fmt.Errorf("gguf: general.alignment must be a non-zero uint32 multiple of 8, got %v", kv.Value)
		}
		gw.alignment = uint64(a)
	}

	if err := gw.WriteHeader(uint64(len(kvs)), uint64(len(tensors))); err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := gw.WriteKV(kv.Key, kv.Value); err != nil {
			return err
		}
	}

	var offset uint64
	for _, t := range tensors {
		if err := gw.WriteTensorInfo(t.Name, t.Shape, t.Type, offset); err != nil {
			return err
		}
		offset += t.Size()
		offset += padding(offset, gw.alignment)
	}

	for _, t := range tensors {
		if err := gw.Pad(); err != nil {
			return err
		}
		b, err := t.encode()
		if err != nil {
			return err
		}
		if _, err := gw.Write(b); err != nil {
			return err
		}
	}
	return nil
}
