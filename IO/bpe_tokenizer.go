package IO

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// BPETokenizer wraps a byte-level BPE model. Its ids are shifted by
// NumSpecial so the reserved ids 0..4 never collide with learned merges.
type BPETokenizer struct {
	t *tk.Tokenizer
}

// LoadBPE opens either a serialized tokenizer.json file or a directory
// holding the *vocab.json / *merges.txt pair written by TrainBPE.
func LoadBPE(path string) (*BPETokenizer, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "bpe tokenizer")
	}
	if !fi.IsDir() {
		t, err := pretrained.FromFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", path)
		}
		return &BPETokenizer{t: t}, nil
	}
	vocab, merges, err := bpeModelFiles(path)
	if err != nil {
		return nil, err
	}
	model, err := bpe.NewBpeFromFiles(vocab, merges)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	t := tk.NewTokenizer(model)
	t.WithPreTokenizer(pretokenizer.NewByteLevel())
	return &BPETokenizer{t: t}, nil
}

// TrainBPE learns a BPE model of at most vocabSize-NumSpecial tokens from
// corpusPath and writes it into outDir.
func TrainBPE(corpusPath, outDir string, vocabSize int) (*BPETokenizer, error) {
	if vocabSize <= NumSpecial {
		return nil, errors.Errorf("bpe vocab size %d leaves no room past the special tokens", vocabSize)
	}
	model := bpe.NewBPE(make(map[string]int), make(map[bpe.Pair]bpe.PairVal))
	t := tk.NewTokenizer(model)
	t.WithPreTokenizer(pretokenizer.NewByteLevel())

	trainer := bpe.NewBpeTrainer(0, vocabSize-NumSpecial)
	if err := t.Train(trainer, []string{corpusPath}); err != nil {
		return nil, errors.Wrap(err, "train bpe")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if err := t.GetModel().Save(outDir, "bpe"); err != nil {
		return nil, errors.Wrapf(err, "save bpe model to %s", outDir)
	}
	return &BPETokenizer{t: t}, nil
}

func bpeModelFiles(dir string) (vocab, merges string, err error) {
	vs, _ := filepath.Glob(filepath.Join(dir, "*vocab.json"))
	ms, _ := filepath.Glob(filepath.Join(dir, "*merges.txt"))
	if len(vs) != 1 || len(ms) != 1 {
		return "", "", errors.Errorf("%s: want one *vocab.json and one *merges.txt, found %d and %d", dir, len(vs), len(ms))
	}
	return vs[0], ms[0], nil
}

func (b *BPETokenizer) VocabSize() int {
	return len(b.t.GetVocab(true)) + NumSpecial
}

// Encode encodes raw text into token IDs (without BOS/EOS).
func (b *BPETokenizer) Encode(text string) ([]int, error) {
	enc, err := b.t.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v) + NumSpecial
	}
	return out, nil
}

// Vocabulary lists the special tokens followed by the learned ones in id order.
func (b *BPETokenizer) Vocabulary() Vocabulary {
	vocab := b.t.GetVocab(true)
	id2tok := make([]string, len(vocab)+NumSpecial)
	copy(id2tok, Special)
	tok2id := make(map[string]int, len(id2tok))
	for i, s := range Special {
		tok2id[s] = i
	}
	for tok, id := range vocab {
		if id < 0 || id+NumSpecial >= len(id2tok) {
			continue
		}
		id2tok[id+NumSpecial] = tok
		tok2id[tok] = id + NumSpecial
	}
	return Vocabulary{TokenToID: tok2id, IDToToken: id2tok}
}
