package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/model"
	"github.com/FlavioCFOliveira/moefy/internal/moe"
	"github.com/FlavioCFOliveira/moefy/internal/monitor"
)

// parseIDs reads rows separated by ';' of ids separated by spaces or commas.
func parseIDs(s string) ([][]int, error) {
	var rows [][]int
	for _, r := range strings.Split(s, ";") {
		fields := strings.Fields(strings.ReplaceAll(r, ",", " "))
		if len(fields) == 0 {
			continue
		}
		row := make([]int, len(fields))
		for i, f := range fields {
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("--ids: %w", err)
			}
			row[i] = id
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.New("--ids: no token ids")
	}
	return rows, nil
}

// padBatch pads ragged rows with padID. Right padding yields a 2-D mask;
// left padding yields the additive causal 4-D mask a decoder would build.
func padBatch(rows [][]int, padID int, left bool) model.Inputs {
	seq := 0
	for _, r := range rows {
		seq = max(seq, len(r))
	}

	in := model.Inputs{IDs: make([][]int, len(rows))}
	lens := make([]int, len(rows))
	for b, r := range rows {
		ids := make([]int, seq)
		for i := range ids {
			ids[i] = padID
		}
		off := 0
		if left {
			off = seq - len(r)
		}
		copy(ids[off:], r)
		in.IDs[b] = ids
		lens[b] = len(r)
	}

	if !left {
		in.AttentionMask = make([][]int, len(rows))
		for b := range rows {
			in.AttentionMask[b] = make([]int, seq)
			for s := 0; s < lens[b]; s++ {
				in.AttentionMask[b][s] = 1
			}
		}
		return in
	}

	in.AttentionMask4D = make([][][][]float64, len(rows))
	for b := range rows {
		start := seq - lens[b]
		head := make([][]float64, seq)
		for q := range head {
			head[q] = make([]float64, seq)
			for k := range head[q] {
				if k > q || k < start {
					head[q][k] = math.Inf(-1)
				}
			}
		}
		in.AttentionMask4D[b] = [][][]float64{head}
	}
	return in
}

// randomBatch draws ids and shortens row b by b tokens so the batch always
// carries some padding.
func randomBatch(batch, seq, vocab int, seed uint64) [][]int {
	rng := layer.NewRNG(seed)
	rows := make([][]int, batch)
	for b := range rows {
		rows[b] = make([]int, max(1, seq-b))
		for i := range rows[b] {
			rows[b][i] = rng.IntN(vocab)
		}
	}
	return rows
}

func buildStack(cmd *cobra.Command, args []string, dump moe.DumpConfig) (*model.Stack, error) {
	flags := cmd.Flags()
	mode, _ := flags.GetString("mode")
	recorded, _ := flags.GetString("recorded-mode")
	workers, _ := flags.GetInt("workers")

	if len(args) == 1 {
		return model.Load(args[0], model.LoadOptions{
			ForwardMode:  moe.ForwardMode(mode),
			RecordedMode: moe.ForwardMode(recorded),
			Workers:      workers,
			Dump:         dump,
		})
	}

	ffn := moe.DefaultConfig()
	ffn.HiddenSize, _ = flags.GetInt("hidden")
	ffn.IntermediateSize, _ = flags.GetInt("intermediate")
	ffn.ResidualIntermediateSize, _ = flags.GetInt("residual")
	ffn.NumExperts, _ = flags.GetInt("experts")
	ffn.TopK, _ = flags.GetInt("top-k")
	ffn.GateNetwork, _ = flags.GetString("gate-network")
	ffn.GateUseSoftmax, _ = flags.GetBool("gate-softmax")
	ffn.GateBalanceLossWeight, _ = flags.GetFloat64("balance-loss-weight")
	ffn.Workers = workers
	ffn.Dump = dump
	if mode != "" {
		ffn.ForwardMode = moe.ForwardMode(mode)
	}
	if recorded != "" {
		ffn.RecordedMode = moe.ForwardMode(recorded)
	}

	cfg := model.Config{RMSNormEps: 1e-6, FFN: ffn}
	cfg.VocabSize, _ = flags.GetInt("vocab")
	cfg.NumLayers, _ = flags.GetInt("layers")
	seed, _ := flags.GetUint64("seed")
	return model.New(cfg, layer.NewRNG(seed))
}

// RouteHandler runs batches through a stack and reports how the gates
// distributed the real tokens.
func RouteHandler(cmd *cobra.Command, args []string) (err error) {
	flags := cmd.Flags()

	dump := moe.DumpConfig{}
	dump.Dir, _ = flags.GetString("dump-dir")
	dump.SaveInterval, _ = flags.GetInt("save-interval")
	dump.Template, _ = flags.GetString("template")
	dump.ReplicaID, _ = flags.GetInt("replica")

	stack, err := buildStack(cmd, args, dump)
	if err != nil {
		return err
	}

	if path, _ := flags.GetString("csv"); path != "" {
		appendRows, _ := flags.GetBool("append")
		logger := monitor.NewCSVLogger(path, appendRows)
		if err := logger.Open(); err != nil {
			return err
		}
		defer func() {
			if cerr := logger.Close(); err == nil {
				err = cerr
			}
		}()
		stack.AddObserver(logger)
	}

	reg := prometheus.NewRegistry()
	stack.AddObserver(monitor.NewMetrics(reg))

	var rows [][]int
	if s, _ := flags.GetString("ids"); s != "" {
		if rows, err = parseIDs(s); err != nil {
			return err
		}
	} else {
		batch, _ := flags.GetInt("batch")
		seq, _ := flags.GetInt("seq-len")
		seed, _ := flags.GetUint64("seed")
		rows = randomBatch(batch, seq, stack.Config().VocabSize, seed)
	}
	padID, _ := flags.GetInt("pad-id")
	leftPad, _ := flags.GetBool("left-pad")
	in := padBatch(rows, padID, leftPad)

	steps, _ := flags.GetInt("steps")
	var total float64
	for i := 0; i < steps; i++ {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		out, err := stack.Forward(in)
		if err != nil {
			return err
		}
		total += out.BalanceLoss
	}
	if err := stack.Flush(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	printGates(w, stack)
	printTrackers(w, stack)
	fmt.Fprintf(w, "\n%d steps, mean balance loss %.6f\n", steps, total/float64(max(steps, 1)))

	if path, _ := flags.GetString("metrics"); path != "" {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func printGates(w io.Writer, stack *model.Stack) {
	gates := stack.Gates()
	if len(gates) == 0 {
		return
	}
	table := newTable(w, "GATE", "EXPERT", "IMPORTANCE", "LOAD", "SHARE")
	for _, g := range gates {
		snap := g.Stats().Snapshot()
		var loads float64
		for _, l := range snap.LoadSum {
			loads += l
		}
		for e := range snap.ImportanceSum {
			share := 0.0
			if loads > 0 {
				share = snap.LoadSum[e] / loads
			}
			table.Append([]string{
				g.Config().Name,
				strconv.Itoa(e),
				formatFloat(snap.ImportanceSum[e]),
				strconv.Itoa(int(snap.LoadSum[e])),
				fmt.Sprintf("%.1f%%", 100*share),
			})
		}
	}
	table.Render()
}

func printTrackers(w io.Writer, stack *model.Stack) {
	trackers := stack.Trackers()
	if len(trackers) == 0 {
		return
	}
	fmt.Fprintln(w)
	table := newTable(w, "LAYER", "TOKENS", "MEAN", "VARIANCE")
	for _, t := range trackers {
		d := t.Snapshot()
		var mean, variance float64
		for i := range d.Mean {
			mean += d.Mean[i]
			variance += d.Variance[i]
		}
		if n := float64(len(d.Mean)); n > 0 {
			mean /= n
			variance /= n
		}
		table.Append([]string{t.Name(), strconv.Itoa(d.Count), formatFloat(mean), formatFloat(variance)})
	}
	table.Render()
}

func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route [MODEL_DIR]",
		Short: "Route a batch through a converted or random MoE stack",
		Long: `Route runs one batch through every layer and prints per-expert importance
and load of the non-padding tokens. Without MODEL_DIR a random stack is
built from the size flags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: RouteHandler,
	}

	f := cmd.Flags()
	f.String("ids", "", `Token ids, rows separated by ';' (e.g. "1 2 3;4 5")`)
	f.Int("batch", 4, "Random batch size when --ids is empty")
	f.Int("seq-len", 8, "Random sequence length when --ids is empty")
	f.Int("pad-id", 0, "Id used to pad short rows")
	f.Bool("left-pad", false, "Pad on the left and pass a causal 4-D mask")
	f.Int("steps", 1, "Forward passes over the batch")
	f.Uint64("seed", 0, "Seed for the random stack and batch")

	f.String("mode", "", "Forward mode: standard, padding-mask, feature-dump, distribution")
	f.String("recorded-mode", "", "Mode wrapped by the distribution mode")
	f.Int("workers", 0, "Experts evaluated concurrently (default: MOEFY_WORKERS)")

	f.Int("vocab", 32, "Vocabulary size of a random stack")
	f.Int("layers", 2, "Layers of a random stack")
	f.Int("hidden", 16, "Hidden size of a random stack")
	f.Int("intermediate", 8, "Per-expert intermediate size of a random stack")
	f.Int("residual", 0, "Residual block size of a random stack")
	f.Int("experts", 4, "Experts of a random stack")
	f.Int("top-k", 2, "Experts per token of a random stack")
	f.String("gate-network", moe.GateLinear, "Gate network of a random stack: linear, mlp")
	f.Bool("gate-softmax", true, "Softmax over the selected gate scores")
	f.Float64("balance-loss-weight", 0.01, "Balance loss weight of a random stack")

	f.String("csv", "", "Append one row per gate call to this CSV file")
	f.Bool("append", false, "Append to an existing CSV file")
	f.String("metrics", "", "Write gate metrics in Prometheus text format to this file")

	f.String("dump-dir", "", "Feature dump directory (default: MOEFY_DUMP_DIR)")
	f.Int("save-interval", 1, "Forward calls per feature dump chunk")
	f.String("template", moe.TemplateGateProj, "Recorded neurons: gate_proj, up_proj")
	f.Int("replica", -1, "Replica id of dump files (default: MOEFY_REPLICA_ID)")
	return cmd
}
