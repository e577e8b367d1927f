package IO

import (
	"fmt"

	"github.com/golang/glog"
)

// Sample is one packed multi-document unit. DocStarts holds the offset of
// each document's <bos> in Tokens. len(Tokens) never exceeds the configured
// max_len.
type Sample struct {
	Tokens    []int
	DocStarts []int
}

// Formatter turns a raw shard record into a Sample.
type Formatter interface {
	Format(path string, n int, r Record) (Sample, error)
}

type FormatOptions struct {
	Kind      string // tokenized | text
	MaxLen    int
	VocabSize int
	Tokenizer Tokenizer // text only
}

func NewFormatter(opts FormatOptions) (Formatter, error) {
	if opts.MaxLen <= 0 {
		return nil, fmt.Errorf("max_len %d must be > 0", opts.MaxLen)
	}
	switch opts.Kind {
	case "tokenized":
		return &tokenizedFormatter{opts}, nil
	case "text":
		if opts.Tokenizer == nil {
			return nil, fmt.Errorf("text formatter needs a tokenizer")
		}
		if tv := opts.Tokenizer.VocabSize(); tv > opts.VocabSize {
			return nil, fmt.Errorf("tokenizer vocabulary (%d) is larger than model vocab_size (%d)", tv, opts.VocabSize)
		}
		return &textFormatter{opts}, nil
	}
	return nil, fmt.Errorf("unknown formatter type %q", opts.Kind)
}

type tokenizedFormatter struct{ FormatOptions }

func (f *tokenizedFormatter) Format(path string, n int, r Record) (Sample, error) {
	if len(r.Tokens) == 0 {
		return Sample{}, &DataError{Path: path, Record: n, Reason: "no tokens"}
	}
	var docs [][]int
	var cur []int
	for _, t := range r.Tokens {
		id := int(t)
		if id < 0 || id >= f.VocabSize {
			return Sample{}, &DataError{Path: path, Record: n, Reason: fmt.Sprintf("token id %d outside vocabulary of %d", id, f.VocabSize)}
		}
		cur = append(cur, id)
		if id == EosID {
			docs = append(docs, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		docs = append(docs, cur)
	}
	return pack(path, n, docs, f.MaxLen), nil
}

type textFormatter struct{ FormatOptions }

func (f *textFormatter) Format(path string, n int, r Record) (Sample, error) {
	var docs [][]int
	for _, text := range r.Texts {
		ids, err := f.Tokenizer.Encode(text)
		if err != nil {
			return Sample{}, &DataError{Path: path, Record: n, Reason: "tokenize: " + err.Error()}
		}
		if len(ids) == 0 {
			continue
		}
		doc := make([]int, 0, len(ids)+2)
		doc = append(doc, BosID)
		for _, id := range ids {
			if id < 0 || id >= f.VocabSize {
				return Sample{}, &DataError{Path: path, Record: n, Reason: fmt.Sprintf("token id %d outside vocabulary of %d", id, f.VocabSize)}
			}
			doc = append(doc, id)
		}
		docs = append(docs, append(doc, EosID))
	}
	if len(docs) == 0 {
		return Sample{}, &DataError{Path: path, Record: n, Reason: "no documents"}
	}
	return pack(path, n, docs, f.MaxLen), nil
}

// pack concatenates whole documents while they fit in maxLen. Documents that
// do not fit are dropped; a first document longer than maxLen is truncated.
func pack(path string, n int, docs [][]int, maxLen int) Sample {
	var s Sample
	for i, d := range docs {
		if len(s.Tokens)+len(d) > maxLen {
			if i == 0 {
				glog.Warningf("%s record %d: document of %d tokens truncated to max_len=%d", path, n, len(d), maxLen)
				s.DocStarts = append(s.DocStarts, 0)
				s.Tokens = append(s.Tokens, d[:maxLen]...)
			} else {
				glog.Warningf("%s record %d: dropped %d of %d documents past max_len=%d", path, n, len(docs)-i, len(docs), maxLen)
			}
			break
		}
		s.DocStarts = append(s.DocStarts, len(s.Tokens))
		s.Tokens = append(s.Tokens, d...)
	}
	return s
}
