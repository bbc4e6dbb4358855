package moe

import (
	"fmt"
)

// PaddingMask flags every flattened token as real (true) or padding
// (false). Token order matches HiddenStates.Tokens.
//
// Build one with the constructor matching the mask the caller holds:
// MaskFrom2D / MaskFromAttention2D for (batch, seq) masks and MaskFrom4D for
// additive (batch, 1, query, key) attention masks.
type PaddingMask struct {
	batch int
	seq   int
	flags []bool
	// flat masks carry no batch layout and match any (batch, seq) of the
	// same token count.
	flat bool
}

// AllReal returns a mask with no padding.
func AllReal(batch, seq int) PaddingMask {
	flags := make([]bool, batch*seq)
	for i := range flags {
		flags[i] = true
	}
	return PaddingMask{batch: batch, seq: seq, flags: flags}
}

// NewPaddingMask wraps a flat mask as a single sequence.
func NewPaddingMask(flags []bool) PaddingMask {
	return PaddingMask{batch: 1, seq: len(flags), flags: append([]bool(nil), flags...), flat: true}
}

// MaskFrom2D builds a mask from a (batch, seq) boolean matrix.
func MaskFrom2D(mask [][]bool) (PaddingMask, error) {
	if len(mask) == 0 || len(mask[0]) == 0 {
		return PaddingMask{}, fmt.Errorf("%w: empty 2-D mask", ErrMaskShape)
	}
	seq := len(mask[0])
	flags := make([]bool, 0, len(mask)*seq)
	for b, row := range mask {
		if len(row) != seq {
			return PaddingMask{}, fmt.Errorf("%w: row %d has %d positions, want %d", ErrMaskShape, b, len(row), seq)
		}
		flags = append(flags, row...)
	}
	return PaddingMask{batch: len(mask), seq: seq, flags: flags}, nil
}

// MaskFromAttention2D casts a (batch, seq) 0/1 attention mask: any
// non-zero entry is a real token.
func MaskFromAttention2D(mask [][]int) (PaddingMask, error) {
	rows := make([][]bool, len(mask))
	for b, row := range mask {
		rows[b] = make([]bool, len(row))
		for s, v := range row {
			rows[b][s] = v != 0
		}
	}
	return MaskFrom2D(rows)
}

// MaskFrom4D derives the mask from an additive (batch, heads, query, key)
// attention mask where 0 means "may attend". Only head 0 is read. Key
// position j is a real token when at least one query row attends to it;
// a key column masked for every query is padding.
func MaskFrom4D(mask [][][][]float64) (PaddingMask, error) {
	if len(mask) == 0 || len(mask[0]) == 0 || len(mask[0][0]) == 0 || len(mask[0][0][0]) == 0 {
		return PaddingMask{}, fmt.Errorf("%w: empty 4-D mask", ErrMaskShape)
	}
	queries := len(mask[0][0])
	keys := len(mask[0][0][0])

	flags := make([]bool, len(mask)*keys)
	for b, heads := range mask {
		if len(heads) == 0 {
			return PaddingMask{}, fmt.Errorf("%w: batch %d has no heads", ErrMaskShape, b)
		}
		if len(heads[0]) != queries {
			return PaddingMask{}, fmt.Errorf("%w: batch %d head 0 has %d query rows, want %d", ErrMaskShape, b, len(heads[0]), queries)
		}
		for q, row := range heads[0] {
			if len(row) != keys {
				return PaddingMask{}, fmt.Errorf("%w: batch %d query %d has %d keys, want %d", ErrMaskShape, b, q, len(row), keys)
			}
			for j, v := range row {
				if v == 0 {
					flags[b*keys+j] = true
				}
			}
		}
	}
	return PaddingMask{batch: len(mask), seq: keys, flags: flags}, nil
}

// Len returns the number of tokens described by the mask.
func (m PaddingMask) Len() int { return len(m.flags) }

// Shape returns (batch, seq).
func (m PaddingMask) Shape() (batch, seq int) { return m.batch, m.seq }

// Real reports whether token i is a real token.
func (m PaddingMask) Real(i int) bool { return m.flags[i] }

// Count returns the number of real tokens.
func (m PaddingMask) Count() int {
	n := 0
	for _, r := range m.flags {
		if r {
			n++
		}
	}
	return n
}

// Rows returns the indices of real tokens in order.
func (m PaddingMask) Rows() []int {
	rows := make([]int, 0, len(m.flags))
	for i, r := range m.flags {
		if r {
			rows = append(rows, i)
		}
	}
	return rows
}

// fits fails when the mask does not line up with h token for token.
func (m PaddingMask) fits(h *HiddenStates) error {
	if err := m.check(h.NumTokens()); err != nil {
		return err
	}
	if !m.flat && (m.batch != h.Batch || m.seq != h.Seq) {
		return fmt.Errorf("%w: mask is (%d, %d) for hidden states of (%d, %d)", ErrMaskShape, m.batch, m.seq, h.Batch, h.Seq)
	}
	return nil
}

// check fails fast when the mask does not describe exactly n tokens.
func (m PaddingMask) check(n int) error {
	if len(m.flags) != n {
		return fmt.Errorf("%w: mask has %d entries for %d tokens", ErrMaskShape, len(m.flags), n)
	}
	return nil
}
