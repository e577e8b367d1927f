package IO

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

type ExportOptions struct {
	Kind          string // dataset type of the produced shards
	MaxShardBytes int64  // rollover threshold, by tokenized payload
	DocsPerRecord int    // 0: records end only at blank lines
	Tokenizer     Tokenizer
}

// ExportShards converts a text corpus (one document per line, blank lines
// ending records) into shards named <outPrefix>-NNN[.ext]. Tokenized kinds
// store <bos> … <eos> framed ids; the text kind stores the raw documents.
// It returns the shard paths in the order written.
func ExportShards(inPath, outPrefix string, opts ExportOptions) ([]string, error) {
	tokenized := opts.Kind != "text"
	if tokenized && opts.Tokenizer == nil {
		return nil, errors.New("export: tokenized shards need a tokenizer")
	}
	if opts.MaxShardBytes <= 0 {
		opts.MaxShardBytes = 10 << 30
	}
	inF, err := os.Open(inPath)
	if err != nil {
		return nil, err
	}
	defer inF.Close()
	reader := bufio.NewReader(inF)

	var (
		names []string
		w     ShardWriter
		cur   int64
		rec   Record
		docs  int
	)
	openShard := func() error {
		if w != nil {
			if err := w.Close(); err != nil {
				return err
			}
		}
		name := fmt.Sprintf("%s-%03d%s", outPrefix, len(names), shardExt(opts.Kind))
		w, err = CreateShard(opts.Kind, name)
		if err != nil {
			return err
		}
		names = append(names, name)
		cur = 0
		return nil
	}
	flush := func() error {
		if docs == 0 {
			return nil
		}
		if err := w.Write(rec); err != nil {
			return err
		}
		cur += int64(4*len(rec.Tokens)) + int64(len(strings.Join(rec.Texts, "")))
		rec, docs = Record{}, 0
		// rollover if shard too big
		if cur >= opts.MaxShardBytes {
			return openShard()
		}
		return nil
	}

	if err := openShard(); err != nil {
		return nil, err
	}
	for {
		line, rerr := reader.ReadString('\n')
		if rerr != nil && rerr != io.EOF {
			return names, rerr
		}
		text := strings.TrimSpace(line)
		if text == "" {
			if err := flush(); err != nil {
				return names, err
			}
		} else if tokenized {
			ids, err := opts.Tokenizer.Encode(text)
			if err != nil {
				return names, err
			}
			if len(ids) > 0 {
				rec.Tokens = append(rec.Tokens, BosID)
				for _, id := range ids {
					rec.Tokens = append(rec.Tokens, int32(id))
				}
				rec.Tokens = append(rec.Tokens, EosID)
				docs++
			}
		} else {
			rec.Texts = append(rec.Texts, text)
			docs++
		}
		if opts.DocsPerRecord > 0 && docs >= opts.DocsPerRecord {
			if err := flush(); err != nil {
				return names, err
			}
		}
		if rerr == io.EOF {
			break
		}
	}
	if err := flush(); err != nil {
		return names, err
	}
	if err := w.Close(); err != nil {
		return names, err
	}
	// the last rollover may leave an empty shard behind
	if cur == 0 && len(names) > 1 {
		last := names[len(names)-1]
		for _, p := range shardPaths(opts.Kind, last) {
			os.Remove(p)
		}
		names = names[:len(names)-1]
	}
	glog.Infof("exported %s into %d %s shard(s)", inPath, len(names), opts.Kind)
	return names, nil
}

// shardExt is the suffix a shard name carries in the config's file list.
// Binary shards are named by prefix, the .bin/.idx pair is implied.
func shardExt(kind string) string {
	switch kind {
	case "binary":
		return ""
	case "jsonl":
		return ".jsonl"
	case "text":
		return ".txt"
	case "parquet":
		return ".parquet"
	case "sqlite":
		return ".db"
	}
	return ""
}
