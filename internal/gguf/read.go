package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TensorInfo describes one tensor of a decoded file. Shape is row-major.
type TensorInfo struct {
	Name   string
	Shape  []uint64
	Type   TensorType
	Offset uint64
}

// Info is the metadata section of a GGUF file.
type Info struct {
	Version uint32
	KV      []KV
	Tensors []TensorInfo
}

// Value returns the metadata value stored under key.
func (i *Info) Value(key string) (any, bool) {
	for _, kv := range i.KV {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

type reader struct {
	r   io.Reader
	err error
}

func (rd *reader) get(v any) {
	if rd.err == nil {
		rd.err = binary.Read(rd.r, binary.LittleEndian, v)
	}
}

func (rd *reader) u32() uint32 {
	var v uint32
	rd.get(&v)
	return v
}

func (rd *reader) u64() uint64 {
	var v uint64
	rd.get(&v)
	return v
}

// maxLength bounds strings and arrays so corrupt input fails instead of
// allocating.
const maxLength = 1 << 24

func (rd *reader) str() string {
	n := rd.u64()
	if rd.err != nil {
		return ""
	}
	if n > maxLength {
		rd.err = fmt.Errorf("%w: string of %d bytes", ErrFormat, n)
		return ""
	}
	b := make([]byte, n)
	rd.get(b)
	return string(b)
}

func (rd *reader) value(t Type) any {
	switch t {
	case TypeUint8:
		var v uint8
		rd.get(&v)
		return v
	case TypeInt8:
		var v int8
		rd.get(&v)
		return v
	case TypeUint16:
		var v uint16
		rd.get(&v)
		return v
	case TypeInt16:
		var v int16
		rd.get(&v)
		return v
	case TypeUint32:
		return rd.u32()
	case TypeInt32:
		var v int32
		rd.get(&v)
		return v
	case TypeFloat32:
		var v float32
		rd.get(&v)
		return v
	case TypeBool:
		var v uint8
		rd.get(&v)
		return v != 0
	case TypeString:
		return rd.str()
	case TypeUint64:
		return rd.u64()
	case TypeInt64:
		var v int64
		rd.get(&v)
		return v
	case TypeFloat64:
		var v float64
		rd.get(&v)
		return v
	case TypeArray:
		et := Type(rd.u32())
		n := rd.u64()
		if rd.err == nil && n > maxLength {
			rd.err = fmt.Errorf("%w: array of %d elements", ErrFormat, n)
		}
		if rd.err != nil {
			return nil
		}
		switch et {
		case TypeUint32:
			v := make([]uint32, n)
			rd.get(v)
			return v
		case TypeInt32:
			v := make([]int32, n)
			rd.get(v)
			return v
		case TypeFloat32:
			v := make([]float32, n)
			rd.get(v)
			return v
		case TypeString:
			v := make([]string, n)
			for i := range v {
				v[i] = rd.str()
			}
			return v
		}
		rd.err = fmt.Errorf("%w: unsupported array element type %d", ErrFormat, et)
		return nil
	}
	if rd.err == nil {
		rd.err = fmt.Errorf("%w: unknown value type %d", ErrFormat, t)
	}
	return nil
}

// ReadInfo decodes the header, metadata and tensor infos of a GGUF stream.
// Tensor data is not read.
func ReadInfo(r io.Reader) (*Info, error) {
	rd := &reader{r: r}
	if magic := rd.u32(); rd.err == nil && magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrFormat, magic)
	}
	info := &Info{Version: rd.u32()}
	tensors := rd.u64()
	kvs := rd.u64()
	if rd.err != nil {
		return nil, rd.err
	}
	if tensors > maxLength || kvs > maxLength {
		return nil, fmt.Errorf("%w: %d tensors and %d keys", ErrFormat, tensors, kvs)
	}

	for i := uint64(0); i < kvs && rd.err == nil; i++ {
		key := rd.str()
		val := rd.value(Type(rd.u32()))
		info.KV = append(info.KV, KV{Key: key, Value: val})
	}

	for i := uint64(0); i < tensors && rd.err == nil; i++ {
		ti := TensorInfo{Name: rd.str()}
		rank := rd.u32()
		if rd.err == nil && rank > 8 {
			return nil, fmt.Errorf("%w: tensor %q has rank %d", ErrFormat, ti.Name, rank)
		}
		ti.Shape = make([]uint64, rank)
		for d := int(rank) - 1; d >= 0; d-- {
			ti.Shape[d] = rd.u64()
		}
		ti.Type = TensorType(rd.u32())
		ti.Offset = rd.u64()
		info.Tensors = append(info.Tensors, ti)
	}
	if rd.err != nil {
		return nil, rd.err
	}
	return info, nil
}
