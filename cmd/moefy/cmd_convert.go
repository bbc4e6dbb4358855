package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FlavioCFOliveira/moefy/internal/convert"
)

// ConvertHandler splits a dense checkpoint into an MoE checkpoint.
func ConvertHandler(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	opts := convert.Options{}
	opts.ModelDir, _ = flags.GetString("model")
	opts.OutputDir, _ = flags.GetString("output")
	opts.NeuronIndices, _ = flags.GetString("neuron-indices")
	opts.GateWeights, _ = flags.GetString("gate-weights")
	opts.NumExperts, _ = flags.GetInt("num-experts")
	opts.TopK, _ = flags.GetInt("top-k")
	opts.DType, _ = flags.GetString("dtype")
	opts.Seed, _ = flags.GetUint64("seed")
	opts.GateUseSoftmax, _ = flags.GetBool("gate-softmax")
	opts.BalanceLossWeight, _ = flags.GetFloat64("balance-loss-weight")

	layout, _ := flags.GetString("moe-type")
	opts.Layout = convert.Layout(layout)

	res, err := convert.Convert(cmd.Context(), opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d layers, %d experts of %d neurons, residual %d, %d tensors\n",
		res.Path, res.Layers, res.NumExperts, res.ExpertSize, res.ResidualSize, res.Tensors)
	return nil
}

func newConvertCmd() *cobra.Command {
	layouts := make([]string, len(convert.Layouts))
	for i, l := range convert.Layouts {
		layouts[i] = string(l)
	}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Split a dense checkpoint's MLPs into experts",
		Example: `  moefy convert --model ./llama-7b --neuron-indices ./split/indices.json \
    --output ./llama-moe-7b --moe-type modulelist --top-k 2`,
		Args: cobra.NoArgs,
		RunE: ConvertHandler,
	}
	cmd.Flags().String("model", "", "Dense model directory (config.json and *.safetensors)")
	cmd.Flags().String("output", "", "Output directory")
	cmd.Flags().String("neuron-indices", "", "Neuron-to-expert assignment (.json or .pt)")
	cmd.Flags().String("gate-weights", "", "Trained gate weights (.json or .pt); random when empty")
	cmd.Flags().String("moe-type", string(convert.LayoutModuleList), "Output layout: "+strings.Join(layouts, ", ")+
		" (gguf holds the expert tensors and MoE keys for inspection only; it has no tokenizer and is not loadable by llama.cpp)")
	cmd.Flags().Int("num-experts", 0, "Number of experts (default: from the indices file)")
	cmd.Flags().Int("top-k", 0, "Experts selected per token (default: 2)")
	cmd.Flags().String("dtype", "", "Output element type F32, F16 or BF16 (default: input type)")
	cmd.Flags().Uint64("seed", 0, "Seed for randomly initialized gates")
	cmd.Flags().Bool("gate-softmax", true, "Normalize selected gate scores with softmax")
	cmd.Flags().Float64("balance-loss-weight", 0.01, "Weight of the gate balance loss")
	return cmd
}
