package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FlavioCFOliveira/moefy/internal/gguf"
	"github.com/FlavioCFOliveira/moefy/internal/safetensors"
)

// InspectHandler lists the tensors and metadata of a checkpoint file.
func InspectHandler(cmd *cobra.Command, args []string) error {
	path := args[0]
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "model.safetensors")
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(args[0], "model.gguf")
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".gguf") {
		return inspectGGUF(cmd, path)
	}
	return inspectSafetensors(cmd, path)
}

func shapeString[T int | uint64](shape []T) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatUint(uint64(d), 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func inspectSafetensors(cmd *cobra.Command, path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}

	if md := f.Metadata(); len(md) > 0 {
		table := newTable(cmd.OutOrStdout(), "KEY", "VALUE")
		for _, k := range slices.Sorted(maps.Keys(md)) {
			table.Append([]string{k, md[k]})
		}
		table.Render()
		fmt.Fprintln(cmd.OutOrStdout())
	}

	var total int
	table := newTable(cmd.OutOrStdout(), "NAME", "DTYPE", "SHAPE")
	for _, name := range f.Names() {
		t, err := f.Tensor(name)
		if err != nil {
			return err
		}
		total += t.NumElements()
		table.Append([]string{name, string(t.DType), shapeString(t.Shape)})
	}
	table.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d tensors, %d parameters\n", len(f.Names()), total)
	return nil
}

func inspectGGUF(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := gguf.ReadInfo(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	table := newTable(cmd.OutOrStdout(), "KEY", "VALUE")
	for _, kv := range info.KV {
		v := fmt.Sprint(kv.Value)
		if len(v) > 64 {
			v = v[:61] + "..."
		}
		table.Append([]string{kv.Key, v})
	}
	table.Render()
	fmt.Fprintln(cmd.OutOrStdout())

	table = newTable(cmd.OutOrStdout(), "NAME", "TYPE", "SHAPE")
	for _, t := range info.Tensors {
		table.Append([]string{t.Name, t.Type.String(), shapeString(t.Shape)})
	}
	table.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "\nGGUF v%d, %d tensors\n", info.Version, len(info.Tensors))
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE|DIR",
		Short: "List the tensors of a safetensors or GGUF checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}
