package convert

import (
	"fmt"
	"strconv"

	"github.com/nlpodyssey/gopickle/pytorch"
)

// Torch artifacts are nested dicts, lists and tensors. These narrow
// interfaces cover the gopickle container types used here.
type pyDict interface {
	Keys() []any
	MustGet(key any) any
}

type pyList interface {
	Len() int
	Get(i int) any
}

func loadTorch(path string) (any, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// pyKey converts an int or numeric string dict key to an int.
func pyKey(k any) (int, bool) {
	switch k := k.(type) {
	case int:
		return k, true
	case int64:
		return int(k), true
	case string:
		n, err := strconv.Atoi(k)
		return n, err == nil
	}
	return 0, false
}

// pyInts flattens a list of ints or an integer tensor.
func pyInts(v any) ([]int, error) {
	switch v := v.(type) {
	case *pytorch.Tensor:
		f, err := tensorValues(v)
		if err != nil {
			return nil, err
		}
		out := make([]int, len(f))
		for i, x := range f {
			out[i] = int(x)
		}
		return out, nil
	case pyList:
		out := make([]int, v.Len())
		for i := range out {
			switch x := v.Get(i).(type) {
			case int:
				out[i] = x
			case int64:
				out[i] = int(x)
			default:
				return nil, fmt.Errorf("list element %d is %T, want int", i, x)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("got %T, want a list or tensor of ints", v)
}

// tensorValues reads a tensor's elements in row-major order, following its
// strides so transposed and sliced views come back in logical order.
func tensorValues(t *pytorch.Tensor) ([]float64, error) {
	var (
		at   func(i int) float64
		size int
	)
	switch s := t.Source.(type) {
	case *pytorch.LongStorage:
		at, size = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.IntStorage:
		at, size = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, size = func(i int) float64 { return s.Data[i] }, len(s.Data)
	case *pytorch.FloatStorage:
		at, size = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.HalfStorage:
		at, size = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.BFloat16Storage:
		at, size = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", t.Source)
	}

	if len(t.Stride) != len(t.Size) {
		return nil, fmt.Errorf("tensor has %d strides for %d dimensions", len(t.Stride), len(t.Size))
	}
	n := 1
	for d, dim := range t.Size {
		if dim < 0 || t.Stride[d] < 0 {
			return nil, fmt.Errorf("tensor has negative size or stride at dimension %d", d)
		}
		n *= dim
	}
	if n == 0 {
		return []float64{}, nil
	}

	// Highest storage position the view touches.
	last := t.StorageOffset
	for d, dim := range t.Size {
		last += (dim - 1) * t.Stride[d]
	}
	if t.StorageOffset < 0 || last >= size {
		return nil, fmt.Errorf("tensor view [%d, %d] exceeds its storage of %d elements", t.StorageOffset, last, size)
	}

	out := make([]float64, 0, n)
	pos := make([]int, len(t.Size))
	for {
		off := t.StorageOffset
		for d, p := range pos {
			off += p * t.Stride[d]
		}
		out = append(out, at(off))

		// Advance the multi-index, last dimension fastest.
		d := len(pos) - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < t.Size[d] {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			return out, nil
		}
	}
}
