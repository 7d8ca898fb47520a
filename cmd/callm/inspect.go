package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/safetensors"
	"github.com/MistApproach/callm/pkg/loader"
)

func (a *app) inspectCmd() *cli.Command {
	var (
		showKV     bool
		maxTensors int64
		maxElems   int64
		asJSON     bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a model without loading it",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "kv",
				Usage:       "show all GGUF metadata key/values",
				Destination: &showKV,
			},
			&cli.Int64Flag{
				Name:        "tensors",
				Usage:       "number of tensors to list (0 to skip, -1 for all)",
				Value:       20,
				Destination: &maxTensors,
			},
			&cli.Int64Flag{
				Name:        "array-elems",
				Usage:       "array elements shown per metadata value",
				Value:       8,
				Destination: &maxElems,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the model description as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return errors.New("usage: callm inspect PATH")
			}
			path := cmd.Args().First()
			l, err := loader.Autodetect(path, loader.WithLogger(logger.FromContext(ctx)))
			if err != nil {
				return err
			}
			d, ok := l.(loader.Describer)
			if !ok {
				return fmt.Errorf("loader %T cannot describe its model", l)
			}
			desc, err := d.Describe()
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(desc, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, string(out))
				return err
			}

			printDescription(a.out, desc)
			switch l.(type) {
			case *loader.GGUF:
				return printGGUF(a.out, path, showKV, int(maxTensors), int(maxElems))
			case *loader.Safetensors:
				return printShards(a.out, desc.Files, int(maxTensors))
			}
			return nil
		},
	}
}

func printDescription(w io.Writer, d loader.Description) {
	fmt.Fprintf(w, "Location:      %s\n", d.Location)
	fmt.Fprintf(w, "Format:        %s\n", d.Format)
	fmt.Fprintf(w, "Architecture:  %s\n", orDash(d.Arch))
	if d.Name != "" {
		fmt.Fprintf(w, "Name:          %s\n", d.Name)
	}
	fmt.Fprintf(w, "Vocabulary:    %d tokens\n", d.VocabSize)
	fmt.Fprintf(w, "BOS:           %s\n", orDash(d.BOS))
	fmt.Fprintf(w, "EOS:           %s\n", orDash(d.EOS))
	fmt.Fprintf(w, "Chat template: %t\n", d.ChatTemplate)
	fmt.Fprintf(w, "Files:         %d\n", len(d.Files))
}

func printGGUF(w io.Writer, path string, showKV bool, maxTensors, maxElems int) error {
	f, err := gguf.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "GGUF v%d | tensors=%d | kv=%d | alignment=%d | data_offset=%d\n",
		f.Header.Version, f.Header.TensorCount, f.Header.KVCount, f.Alignment, f.DataOffset)

	if showKV {
		keys := make([]string, 0, len(f.KV))
		for k := range f.KV {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %-48s %s\n", k, gguf.FormatValue(f.KV[k], maxElems))
		}
	}

	if maxTensors == 0 || len(f.Tensors) == 0 {
		return nil
	}
	n := len(f.Tensors)
	if maxTensors > 0 {
		n = min(n, maxTensors)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tensors (%d of %d):\n", n, len(f.Tensors))
	for _, t := range f.Tensors[:n] {
		fmt.Fprintf(w, "  %-48s %-6s %s\n", t.Name, t.Type, formatDims(t.Dims))
	}
	return nil
}

func printShards(w io.Writer, files []string, maxTensors int) error {
	for _, path := range files {
		f, err := safetensors.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		names := f.Names()
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s: %d tensors, %d bytes\n", path, len(names), f.Size)
		if maxTensors == 0 {
			continue
		}
		if maxTensors > 0 {
			names = names[:min(len(names), maxTensors)]
		}
		for _, name := range names {
			t := f.Tensors[name]
			fmt.Fprintf(w, "  %-48s %-6s %v\n", name, t.DType, t.Shape)
		}
	}
	return nil
}

func formatDims(dims []uint64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " x ") + "]"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
