package convert

import (
	"fmt"
	"strings"
)

// Layout is the on-disk organization of the converted expert weights.
type Layout string

const (
	// LayoutModuleList stores one w1/w2/w3 triple per expert (Mixtral style).
	LayoutModuleList Layout = "modulelist"
	// LayoutMegablocks stacks experts along the neuron axis.
	LayoutMegablocks Layout = "megablocks"
	// LayoutScatterMoE stacks fused gate/up and down per expert.
	LayoutScatterMoE Layout = "scattermoe"
	// LayoutGGUF writes a GGUF file with stacked expert tensors and the MoE
	// keys. Attention tensors keep their checkpoint row order and no
	// tokenizer is written, so the file is for inspection, not llama.cpp.
	LayoutGGUF Layout = "gguf"
)

// Layouts lists the supported layouts.
var Layouts = []Layout{LayoutModuleList, LayoutMegablocks, LayoutScatterMoE, LayoutGGUF}

// ParseLayout validates a layout name.
func ParseLayout(s string) (Layout, error) {
	for _, l := range Layouts {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown layout %q", s)
}

// outTensor is a converted tensor in row-major float32.
type outTensor struct {
	name  string
	shape []int
	data  []float32
}

// moeLayer is one converted layer.
type moeLayer struct {
	index    int
	hidden   int
	gate     []float32 // (experts, hidden)
	experts  []*expertSlice
	residual *expertSlice
}

func concat(parts ...[]float32) []float32 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float32, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// tensors names and stacks the layer's weights for the layout.
func (m *moeLayer) tensors(layout Layout) []outTensor {
	e, h := len(m.experts), m.hidden
	s := m.experts[0].size

	var (
		out    []outTensor
		prefix string
	)
	add := func(name string, data []float32, shape ...int) {
		out = append(out, outTensor{name: prefix + name, shape: shape, data: data})
	}

	pick := func(f func(*expertSlice) []float32) []float32 {
		parts := make([][]float32, e)
		for i, x := range m.experts {
			parts[i] = f(x)
		}
		return concat(parts...)
	}

	if layout == LayoutGGUF {
		prefix = fmt.Sprintf("blk.%d.", m.index)
		add("ffn_gate_inp.weight", m.gate, e, h)
		add("ffn_gate_exps.weight", pick(func(x *expertSlice) []float32 { return x.gate }), e, s, h)
		add("ffn_up_exps.weight", pick(func(x *expertSlice) []float32 { return x.up }), e, s, h)
		add("ffn_down_exps.weight", pick(func(x *expertSlice) []float32 { return x.down }), e, h, s)
		if r := m.residual; r != nil {
			add("ffn_gate_shexp.weight", r.gate, r.size, h)
			add("ffn_up_shexp.weight", r.up, r.size, h)
			add("ffn_down_shexp.weight", r.down, h, r.size)
		}
		return out
	}

	prefix = fmt.Sprintf("model.layers.%d.block_sparse_moe.", m.index)
	add("gate.weight", m.gate, e, h)

	switch layout {
	case LayoutModuleList:
		for i, x := range m.experts {
			add(fmt.Sprintf("experts.%d.w1.weight", i), x.gate, s, h)
			add(fmt.Sprintf("experts.%d.w2.weight", i), x.down, h, s)
			add(fmt.Sprintf("experts.%d.w3.weight", i), x.up, s, h)
		}
	case LayoutMegablocks:
		add("experts.mlp.w1", pick(func(x *expertSlice) []float32 { return x.gate }), e*s, h)
		add("experts.mlp.v1", pick(func(x *expertSlice) []float32 { return x.up }), e*s, h)
		add("experts.mlp.w2", pick(func(x *expertSlice) []float32 { return x.downT }), e*s, h)
	case LayoutScatterMoE:
		add("experts.experts.weight", pick(func(x *expertSlice) []float32 { return concat(x.gate, x.up) }), e, 2*s, h)
		add("experts.output_experts.weight", pick(func(x *expertSlice) []float32 { return x.down }), e, h, s)
	}

	if r := m.residual; r != nil {
		add("residual_block.w1.weight", r.gate, r.size, h)
		add("residual_block.w2.weight", r.down, h, r.size)
		add("residual_block.w3.weight", r.up, r.size, h)
	}
	return out
}

// ggufNames maps Hugging Face LLaMA tensor names to llama.cpp names.
var ggufNames = strings.NewReplacer(
	"lm_head", "output",
	"model.embed_tokens", "token_embd",
	"model.norm", "output_norm",
	"model.layers", "blk",
	"input_layernorm", "attn_norm",
	"post_attention_layernorm", "ffn_norm",
	"self_attn.q_proj", "attn_q",
	"self_attn.k_proj", "attn_k",
	"self_attn.v_proj", "attn_v",
	"self_attn.o_proj", "attn_output",
)
