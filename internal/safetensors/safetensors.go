// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype, shape and byte offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// DType is a safetensors element type.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// ErrDType reports an element type this package cannot decode.
var ErrDType = errors.New("safetensors: unsupported dtype")

// Size returns the byte width of one element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	}
	return 0
}

// ParseDType accepts the usual spellings ("f32", "float16", "bf16", ...).
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32", "f32", "float32":
		return F32, nil
	case "F16", "f16", "float16", "half":
		return F16, nil
	case "BF16", "bf16", "bfloat16":
		return BF16, nil
	}
	return "", fmt.Errorf("%w: %q", ErrDType, s)
}

// Tensor is one named tensor with its little-endian encoded data.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	raw   []byte
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bytes returns the encoded data.
func (t *Tensor) Bytes() []byte { return t.raw }

// New wraps already encoded bytes.
func New(name string, dtype DType, shape []int, raw []byte) (*Tensor, error) {
	t := &Tensor{Name: name, DType: dtype, Shape: slices.Clone(shape), raw: raw}
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %s for tensor %q", ErrDType, dtype, name)
	}
	if want := t.NumElements() * dtype.Size(); want != len(raw) {
		return nil, fmt.Errorf("safetensors: tensor %q has %d bytes, shape %v needs %d", name, len(raw), shape, want)
	}
	return t, nil
}

// FromFloat32 encodes data as dtype.
func FromFloat32(name string, dtype DType, shape []int, data []float32) (*Tensor, error) {
	var raw []byte
	switch dtype {
	case F32:
		raw = make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	case F16:
		raw = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		raw = bfloat16.EncodeFloat32(data)
	default:
		return nil, fmt.Errorf("%w: %s for tensor %q", ErrDType, dtype, name)
	}
	return New(name, dtype, shape, raw)
}

// FromFloat16 encodes half-precision values without another rounding step.
func FromFloat16(name string, shape []int, data []float16.Float16) (*Tensor, error) {
	raw := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[2*i:], v.Bits())
	}
	return New(name, F16, shape, raw)
}

// FromMatrix encodes a 2-D gonum matrix.
func FromMatrix(name string, dtype DType, m mat.Matrix) (*Tensor, error) {
	r, c := m.Dims()
	data := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return FromFloat32(name, dtype, []int{r, c}, data)
}

// Float32 decodes the tensor data.
func (t *Tensor) Float32() ([]float32, error) {
	n := t.NumElements()
	switch t.DType {
	case F32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.raw[4*i:]))
		}
		return out, nil
	case F16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.raw[2*i:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(t.raw), nil
	}
	return nil, fmt.Errorf("%w: %s for tensor %q", ErrDType, t.DType, t.Name)
}

// Float64 decodes the tensor data widened to float64.
func (t *Tensor) Float64() ([]float64, error) {
	f32, err := t.Float32()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f32))
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// Matrix decodes a 2-D tensor into a gonum matrix.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if len(t.Shape) != 2 || t.NumElements() == 0 {
		return nil, fmt.Errorf("safetensors: tensor %q has shape %v, want a non-empty matrix", t.Name, t.Shape)
	}
	data, err := t.Float64()
	if err != nil {
		return nil, err
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], data), nil
}
