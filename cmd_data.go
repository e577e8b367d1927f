package main

import (
	"fmt"
	"slices"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/manningwu07/MLMPretrain/IO"
	"github.com/manningwu07/MLMPretrain/params"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Build a tokenizer vocabulary from a text corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		corpus, _ := f.GetString("corpus")
		out, _ := f.GetString("out")
		size, _ := f.GetInt("size")
		useBPE, _ := f.GetBool("bpe")

		if useBPE {
			t, err := IO.TrainBPE(corpus, out, size)
			if err != nil {
				return err
			}
			glog.Infof("trained BPE vocabulary of %d tokens into %s", t.VocabSize(), out)
			return nil
		}
		v, lines, err := IO.BuildVocabFromFile(corpus, size)
		if err != nil {
			return err
		}
		if err := IO.ExportVocabJSON(v, out); err != nil {
			return err
		}
		glog.Infof("built vocabulary of %d pieces from %d lines into %s", v.Size(), lines, out)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Convert a text corpus into dataset shards",
	Long: `Convert a text corpus into dataset shards.

The input holds one document per line; blank lines end a record. Every
dataset type except text stores <bos>/<eos> framed token ids and needs a
tokenizer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		in, _ := f.GetString("input")
		prefix, _ := f.GetString("output")
		kind, _ := f.GetString("kind")
		tokKind, _ := f.GetString("tokenizer-type")
		tokPath, _ := f.GetString("tokenizer")
		maxBytes, _ := f.GetInt64("max-shard-bytes")
		docs, _ := f.GetInt("docs-per-record")

		if !slices.Contains(params.DatasetTypes, kind) {
			return fmt.Errorf("unknown dataset type %q (have %v)", kind, params.DatasetTypes)
		}
		opts := IO.ExportOptions{Kind: kind, MaxShardBytes: maxBytes, DocsPerRecord: docs}
		if kind != "text" {
			tok, err := IO.LoadTokenizer(tokKind, tokPath)
			if err != nil {
				return err
			}
			opts.Tokenizer = tok
		}
		names, err := IO.ExportShards(in, prefix, opts)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

func init() {
	vf := vocabCmd.Flags()
	vf.String("corpus", "", "text corpus, one document per line")
	vf.String("out", "", "vocab.json path, or output directory with --bpe")
	vf.Int("size", 16384, "vocabulary size including the special tokens")
	vf.Bool("bpe", false, "train a byte-level BPE model instead of a piece vocabulary")
	vocabCmd.MarkFlagRequired("corpus")
	vocabCmd.MarkFlagRequired("out")

	ef := exportCmd.Flags()
	ef.String("input", "", "text corpus to convert")
	ef.String("output", "", "shard name prefix")
	ef.String("kind", "binary", "dataset type of the shards")
	ef.String("tokenizer-type", "piece", "piece or bpe")
	ef.String("tokenizer", "", "vocab.json (piece) or BPE model file/directory")
	ef.Int64("max-shard-bytes", 1<<30, "start a new shard past this many payload bytes")
	ef.Int("docs-per-record", 0, "documents per record, 0 to split only at blank lines")
	exportCmd.MarkFlagRequired("input")
	exportCmd.MarkFlagRequired("output")
}
