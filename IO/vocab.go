package IO

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Reserved ids at the start of every vocabulary.
const (
	PadID = iota
	BosID
	EosID
	UnkID
	MaskID
	NumSpecial
)

// Special tokens kept at the start of the vocab
var Special = []string{"<pad>", "<bos>", "<eos>", "<unk>", "<mask>"}

type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

func (v Vocabulary) Size() int { return len(v.IDToToken) }

func (v Vocabulary) Lookup(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return UnkID
}

// Tokenizer turns one raw document into ids, without <bos>/<eos> framing.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	VocabSize() int
}

// LoadTokenizer opens the tokenizer named by data.tokenizer_type.
func LoadTokenizer(kind, path string) (Tokenizer, error) {
	switch kind {
	case "piece", "":
		v, err := ImportVocabJSON(path)
		if err != nil {
			return nil, err
		}
		return &PieceTokenizer{Vocab: v}, nil
	case "bpe":
		return LoadBPE(path)
	}
	return nil, fmt.Errorf("unknown tokenizer type %q", kind)
}

func ExportVocabJSON(v Vocabulary, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func ImportVocabJSON(path string) (Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Vocabulary{}, errors.Wrap(err, "open vocab")
	}
	defer f.Close()
	var data struct {
		TokenToID map[string]int `json:"TokenToID"`
		IDToToken []string       `json:"IDToToken"`
	}
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return Vocabulary{}, errors.Wrapf(err, "decode %s", path)
	}
	if len(data.IDToToken) < NumSpecial {
		return Vocabulary{}, errors.Errorf("%s: vocabulary has %d tokens, need at least the %d special ones", path, len(data.IDToToken), NumSpecial)
	}
	if data.TokenToID == nil {
		data.TokenToID = make(map[string]int, len(data.IDToToken))
		for i, t := range data.IDToToken {
			data.TokenToID[t] = i
		}
	}
	return Vocabulary{TokenToID: data.TokenToID, IDToToken: data.IDToToken}, nil
}

// BuildVocabFromFile counts candidate pieces (ASCII substrings of 1 to 4
// bytes within words) in a corpus and keeps the most frequent ones. It
// returns the number of lines read.
func BuildVocabFromFile(path string, size int) (Vocabulary, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return Vocabulary{}, 0, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20) // 1MB buffer
	counts := make(map[string]int, 1<<15)
	lines := 0
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			lines++
			for _, w := range strings.Fields(normalizeASCII(line)) {
				for i := 0; i < len(w); i++ {
					for k := 2; k <= 4 && i+k <= len(w); k++ {
						counts[w[i:i+k]]++
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Vocabulary{}, lines, err
		}
	}
	v, err := buildFixedVocabFromCounts(counts, size)
	return v, lines, err
}

func buildFixedVocabFromCounts(cnt map[string]int, size int) (Vocabulary, error) {
	if size < NumSpecial+95 {
		return Vocabulary{}, errors.Errorf("vocab size %d cannot hold the special tokens and printable ASCII", size)
	}
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(cnt))
	for k, v := range cnt {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})
	idToToken := append([]string{}, Special...)

	// every printable ASCII char, so the piece tokenizer never needs <unk>
	for c := 32; c <= 126; c++ {
		idToToken = append(idToToken, string(rune(c)))
	}
	for _, p := range arr {
		if len(idToToken) >= size {
			break
		}
		if p.k == "" || !isASCIIString(p.k) || slices.Contains(idToToken, p.k) {
			continue
		}
		idToToken = append(idToToken, p.k)
	}
	for len(idToToken) < size {
		idToToken = append(idToToken, fmt.Sprintf("<pad%d>", len(idToToken)))
	}
	tok2id := make(map[string]int, len(idToToken))
	for i, t := range idToToken {
		tok2id[t] = i
	}
	return Vocabulary{TokenToID: tok2id, IDToToken: idToToken}, nil
}

// ASCII helper
func isASCIIString(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// normalizeASCII lowercases and replaces non-ASCII runes and newlines with
// spaces.
func normalizeASCII(s string) string {
	b := make([]byte, 0, len(s))
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
			b = append(b, byte(c+32))
		case c == '\n' || c == '\r' || c == '\t':
			b = append(b, ' ')
		case c < 0x80:
			b = append(b, byte(c))
		default:
			b = append(b, ' ')
		}
	}
	return string(b)
}

// PieceTokenizer is a greedy longest-match tokenizer over a piece vocabulary
// (1 to 4 byte ASCII pieces).
type PieceTokenizer struct {
	Vocab Vocabulary
}

func (p *PieceTokenizer) VocabSize() int { return p.Vocab.Size() }

func (p *PieceTokenizer) Encode(text string) ([]int, error) {
	pieces := TokenizeENPieces(p.Vocab, text)
	ids := make([]int, len(pieces))
	for i, t := range pieces {
		ids[i] = p.Vocab.Lookup(t)
	}
	return ids, nil
}

// TokenizeENPieces lowercases s, drops non-ASCII and splits it greedily into
// the longest pieces (4 bytes down to 1) present in v.
func TokenizeENPieces(v Vocabulary, s string) []string {
	text := strings.TrimSpace(normalizeASCII(s))
	out := make([]string, 0, len(text))
	i := 0
	for i < len(text) {
		matched := false
		// Greedy: try token lengths 4→1
		for k := 4; k >= 1; k-- {
			if i+k > len(text) {
				continue
			}
			piece := text[i : i+k]
			if _, ok := v.TokenToID[piece]; ok {
				out = append(out, piece)
				i += k
				matched = true
				break
			}
		}
		if !matched {
			// default: single char, maps to <unk> if absent
			out = append(out, text[i:i+1])
			i++
		}
	}
	return out
}
