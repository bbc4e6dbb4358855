package convert

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// expertSlice is one expert's share of a dense gated MLP, row-major.
type expertSlice struct {
	size  int       // intermediate neurons
	gate  []float32 // (size, hidden)
	up    []float32 // (size, hidden)
	down  []float32 // (hidden, size)
	downT []float32 // (size, hidden)
}

// denseMLP is one layer's dense projections.
type denseMLP struct {
	hidden, intermediate int
	gate, up             []float32 // (intermediate, hidden)
	down                 []float32 // (hidden, intermediate)

	// downRows caches down transposed to (intermediate, hidden) rows.
	downRows [][]float32
}

func gatherRows(data []float32, cols int, idx []int) []float32 {
	out := make([]float32, 0, len(idx)*cols)
	for _, i := range idx {
		out = append(out, data[i*cols:(i+1)*cols]...)
	}
	return out
}

func (d *denseMLP) columns() ([][]float32, error) {
	if d.downRows != nil {
		return d.downRows, nil
	}
	var tt tensor.Tensor = tensor.New(tensor.WithShape(d.hidden, d.intermediate), tensor.WithBacking(d.down))
	tt, err := tensor.Transpose(tt, 1, 0)
	if err != nil {
		return nil, err
	}
	tt = tensor.Materialize(tt)
	rows, err := native.SelectF32(tt.(*tensor.Dense), 0)
	if err != nil {
		return nil, err
	}
	d.downRows = rows
	return rows, nil
}

// slice gathers the neurons idx: rows of gate and up, columns of down.
func (d *denseMLP) slice(idx []int) (*expertSlice, error) {
	rows, err := d.columns()
	if err != nil {
		return nil, err
	}

	s := &expertSlice{
		size: len(idx),
		gate: gatherRows(d.gate, d.hidden, idx),
		up:   gatherRows(d.up, d.hidden, idx),
	}
	s.downT = make([]float32, 0, len(idx)*d.hidden)
	for _, i := range idx {
		s.downT = append(s.downT, rows[i]...)
	}

	var tt tensor.Tensor = tensor.New(tensor.WithShape(len(idx), d.hidden), tensor.WithBacking(append([]float32(nil), s.downT...)))
	tt, err = tensor.Transpose(tt, 1, 0)
	if err != nil {
		return nil, err
	}
	tt = tensor.Materialize(tt)
	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		return nil, err
	}
	s.down, err = native.VectorF32(tt.(*tensor.Dense))
	if err != nil {
		return nil, fmt.Errorf("down projection: %w", err)
	}
	return s, nil
}
