package IO

import (
	"bufio"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	_ "modernc.org/sqlite"
)

// Record is one raw unit read from a shard, before formatting. Tokenized
// shards fill Tokens with <bos> … <eos> framed documents back to back; text
// shards fill Texts with one raw document per entry.
type Record struct {
	Tokens []int32
	Texts  []string
}

// ShardReader yields the records of one shard in file order and returns
// io.EOF after the last one.
type ShardReader interface {
	Next() (Record, error)
	Close() error
}

// ShardWriter appends records to one shard.
type ShardWriter interface {
	Write(Record) error
	Close() error
}

// shardPaths lists the files a shard of the given kind consists of.
func shardPaths(kind, path string) []string {
	if kind == "binary" {
		return []string{path + ".bin", path + ".idx"}
	}
	return []string{path}
}

// OpenShard opens path with the reader for kind.
func OpenShard(kind, path string) (ShardReader, error) {
	switch kind {
	case "binary":
		return openBinaryShard(path)
	case "jsonl":
		return openJSONLShard(path)
	case "text":
		return openTextShard(path)
	case "parquet":
		return openParquetShard(path)
	case "sqlite":
		return openSQLiteShard(path)
	}
	return nil, errors.Errorf("unknown dataset type %q", kind)
}

// CreateShard creates path (or the .bin/.idx pair for binary) for writing.
func CreateShard(kind, path string) (ShardWriter, error) {
	switch kind {
	case "binary":
		return createBinaryShard(path)
	case "jsonl":
		return createJSONLShard(path)
	case "text":
		return createTextShard(path)
	case "parquet":
		return createParquetShard(path)
	case "sqlite":
		return createSQLiteShard(path)
	}
	return nil, errors.Errorf("unknown dataset type %q", kind)
}

// ---- binary: .bin = concatenated little-endian int32 tokens, .idx = (byte offset, token count) int64 pairs ----

type binaryShard struct {
	path string
	data *os.File
	size int64 // bytes in .bin
	idx  [][2]int64
	next int
}

func openBinaryShard(path string) (*binaryShard, error) {
	raw, err := os.ReadFile(path + ".idx")
	if err != nil {
		return nil, fileError(path+".idx", "%v", err)
	}
	if len(raw)%16 != 0 {
		return nil, fileError(path+".idx", "size %d is not a multiple of 16", len(raw))
	}
	idx := make([][2]int64, len(raw)/16)
	for i := range idx {
		idx[i][0] = int64(binary.LittleEndian.Uint64(raw[16*i:]))
		idx[i][1] = int64(binary.LittleEndian.Uint64(raw[16*i+8:]))
	}
	data, err := os.Open(path + ".bin")
	if err != nil {
		return nil, fileError(path+".bin", "%v", err)
	}
	fi, err := data.Stat()
	if err != nil {
		data.Close()
		return nil, fileError(path+".bin", "%v", err)
	}
	return &binaryShard{path: path, data: data, size: fi.Size(), idx: idx}, nil
}

func (b *binaryShard) Next() (Record, error) {
	if b.next >= len(b.idx) {
		return Record{}, io.EOF
	}
	off, n := b.idx[b.next][0], b.idx[b.next][1]
	b.next++
	if off < 0 || n < 0 {
		return Record{}, &DataError{Path: b.path, Record: b.next - 1, Reason: "negative offset or length"}
	}
	// checked as a division so that a corrupt count cannot overflow 4*n
	if off > b.size || n > (b.size-off)/4 {
		return Record{}, &DataError{Path: b.path + ".idx", Record: b.next - 1, Reason: fmt.Sprintf(
			"%d tokens at byte %d run past the end of the %d-byte .bin file", n, off, b.size)}
	}
	buf := make([]byte, 4*n)
	if _, err := b.data.ReadAt(buf, off); err != nil {
		return Record{}, &DataError{Path: b.path + ".bin", Record: b.next - 1, Reason: err.Error()}
	}
	toks := make([]int32, n)
	for i := range toks {
		toks[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return Record{Tokens: toks}, nil
}

func (b *binaryShard) Close() error { return b.data.Close() }

type binaryWriter struct {
	dataF, idxF *os.File
	wData       *bufio.Writer
	wIdx        *bufio.Writer
	cur         int64
	buf4, buf8  []byte
}

func createBinaryShard(path string) (*binaryWriter, error) {
	dataF, err := os.Create(path + ".bin")
	if err != nil {
		return nil, err
	}
	idxF, err := os.Create(path + ".idx")
	if err != nil {
		dataF.Close()
		return nil, err
	}
	return &binaryWriter{
		dataF: dataF, idxF: idxF,
		wData: bufio.NewWriter(dataF), wIdx: bufio.NewWriter(idxF),
		buf4: make([]byte, 4), buf8: make([]byte, 8),
	}, nil
}

func (w *binaryWriter) Write(r Record) error {
	if len(r.Tokens) == 0 {
		return errors.New("binary shards hold tokenized records only")
	}
	// write offset + length to idx
	binary.LittleEndian.PutUint64(w.buf8, uint64(w.cur))
	if _, err := w.wIdx.Write(w.buf8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(w.buf8, uint64(len(r.Tokens)))
	if _, err := w.wIdx.Write(w.buf8); err != nil {
		return err
	}
	// write ids to bin
	for _, id := range r.Tokens {
		binary.LittleEndian.PutUint32(w.buf4, uint32(id))
		if _, err := w.wData.Write(w.buf4); err != nil {
			return err
		}
	}
	w.cur += int64(4 * len(r.Tokens))
	return nil
}

// Size is the number of token bytes written so far.
func (w *binaryWriter) Size() int64 { return w.cur }

func (w *binaryWriter) Close() error {
	var first error
	for _, err := range []error{w.wData.Flush(), w.wIdx.Flush(), w.dataF.Close(), w.idxF.Close()} {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ---- jsonl: one {"tokens": [...]} or {"texts": [...]} object per line ----

type jsonRecord struct {
	Tokens []int32  `json:"tokens,omitempty"`
	Texts  []string `json:"texts,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type jsonlShard struct {
	path string
	f    *os.File
	r    *bufio.Reader
	n    int
}

func openJSONLShard(path string) (*jsonlShard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &jsonlShard{path: path, f: f, r: bufio.NewReaderSize(f, 1<<20)}, nil
}

func (j *jsonlShard) Next() (Record, error) {
	for {
		line, err := j.r.ReadString('\n')
		if strings.TrimSpace(line) == "" {
			if err == io.EOF {
				return Record{}, io.EOF
			}
			if err != nil {
				return Record{}, err
			}
			continue
		}
		n := j.n
		j.n++
		var jr jsonRecord
		if derr := json.Unmarshal([]byte(line), &jr); derr != nil {
			return Record{}, &DataError{Path: j.path, Record: n, Reason: "undecodable: " + derr.Error()}
		}
		rec := Record{Tokens: jr.Tokens, Texts: jr.Texts}
		if jr.Text != "" {
			rec.Texts = append(rec.Texts, jr.Text)
		}
		return rec, nil
	}
}

func (j *jsonlShard) Close() error { return j.f.Close() }

type jsonlWriter struct {
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

func createJSONLShard(path string) (*jsonlWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	return &jsonlWriter{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (j *jsonlWriter) Write(r Record) error {
	return j.enc.Encode(jsonRecord{Tokens: r.Tokens, Texts: r.Texts})
}

func (j *jsonlWriter) Close() error {
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// ---- text: one document per line, records separated by blank lines ----

type textShard struct {
	f *os.File
	s *bufio.Scanner
}

func openTextShard(path string) (*textShard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 1<<20), 64<<20)
	return &textShard{f: f, s: s}, nil
}

func (t *textShard) Next() (Record, error) {
	var docs []string
	for t.s.Scan() {
		line := strings.TrimSpace(t.s.Text())
		if line == "" {
			if len(docs) > 0 {
				return Record{Texts: docs}, nil
			}
			continue
		}
		docs = append(docs, line)
	}
	if err := t.s.Err(); err != nil {
		return Record{}, err
	}
	if len(docs) > 0 {
		return Record{Texts: docs}, nil
	}
	return Record{}, io.EOF
}

func (t *textShard) Close() error { return t.f.Close() }

type textWriter struct {
	f     *os.File
	w     *bufio.Writer
	wrote bool
}

func createTextShard(path string) (*textWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &textWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (t *textWriter) Write(r Record) error {
	if len(r.Texts) == 0 {
		return errors.New("text shards hold raw documents only")
	}
	if t.wrote {
		t.w.WriteString("\n")
	}
	for _, d := range r.Texts {
		t.w.WriteString(strings.ReplaceAll(d, "\n", " "))
		t.w.WriteString("\n")
	}
	t.wrote = true
	return nil
}

func (t *textWriter) Close() error {
	if err := t.w.Flush(); err != nil {
		t.f.Close()
		return err
	}
	return t.f.Close()
}

// ---- parquet ----

type parquetRecord struct {
	Tokens []int32  `parquet:"name=tokens, type=LIST, valuetype=INT32"`
	Texts  []string `parquet:"name=texts, type=LIST, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`
}

const parquetBatch = 256

type parquetShard struct {
	fr    source.ParquetFile
	pr    *reader.ParquetReader
	left  int64
	batch []parquetRecord
}

func openParquetShard(path string) (*parquetShard, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	pr, err := reader.NewParquetReader(fr, new(parquetRecord), 1)
	if err != nil {
		fr.Close()
		return nil, fileError(path, "parquet reader: %v", err)
	}
	return &parquetShard{fr: fr, pr: pr, left: pr.GetNumRows()}, nil
}

func (p *parquetShard) Next() (Record, error) {
	if len(p.batch) == 0 {
		if p.left == 0 {
			return Record{}, io.EOF
		}
		n := min(p.left, parquetBatch)
		rows := make([]parquetRecord, n)
		if err := p.pr.Read(&rows); err != nil {
			return Record{}, err
		}
		p.left -= n
		p.batch = rows
	}
	r := p.batch[0]
	p.batch = p.batch[1:]
	return Record{Tokens: r.Tokens, Texts: r.Texts}, nil
}

func (p *parquetShard) Close() error {
	p.pr.ReadStop()
	return p.fr.Close()
}

type parquetWriter struct {
	fw source.ParquetFile
	pw *writer.ParquetWriter
}

func createParquetShard(path string) (*parquetWriter, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, err
	}
	pw, err := writer.NewParquetWriter(fw, new(parquetRecord), 1)
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &parquetWriter{fw: fw, pw: pw}, nil
}

func (p *parquetWriter) Write(r Record) error {
	return p.pw.Write(parquetRecord{Tokens: r.Tokens, Texts: r.Texts})
}

func (p *parquetWriter) Close() error {
	if err := p.pw.WriteStop(); err != nil {
		p.fw.Close()
		return err
	}
	return p.fw.Close()
}

// ---- sqlite: table records(id INTEGER PRIMARY KEY, tokens BLOB, texts TEXT) ----

const recordsSchema = `CREATE TABLE IF NOT EXISTS records(
	id INTEGER PRIMARY KEY,
	tokens BLOB,
	texts TEXT
)`

type sqliteShard struct {
	path string
	db   *sql.DB
	rows *sql.Rows
	n    int
}

func openSQLiteShard(path string) (*sqliteShard, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query("SELECT tokens, texts FROM records ORDER BY id ASC")
	if err != nil {
		db.Close()
		return nil, fileError(path, "query records: %v", err)
	}
	return &sqliteShard{path: path, db: db, rows: rows}, nil
}

func (s *sqliteShard) Next() (Record, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, io.EOF
	}
	n := s.n
	s.n++
	var blob []byte
	var texts sql.NullString
	if err := s.rows.Scan(&blob, &texts); err != nil {
		return Record{}, &DataError{Path: s.path, Record: n, Reason: err.Error()}
	}
	if len(blob)%4 != 0 {
		return Record{}, &DataError{Path: s.path, Record: n, Reason: "token blob is not a whole number of int32"}
	}
	var rec Record
	if len(blob) > 0 {
		rec.Tokens = make([]int32, len(blob)/4)
		for i := range rec.Tokens {
			rec.Tokens[i] = int32(binary.LittleEndian.Uint32(blob[4*i:]))
		}
	}
	if texts.Valid && texts.String != "" {
		if err := json.Unmarshal([]byte(texts.String), &rec.Texts); err != nil {
			return Record{}, &DataError{Path: s.path, Record: n, Reason: "texts column: " + err.Error()}
		}
	}
	return rec, nil
}

func (s *sqliteShard) Close() error {
	s.rows.Close()
	return s.db.Close()
}

type sqliteWriter struct {
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

func createSQLiteShard(path string) (*sqliteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		db.Close()
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := tx.Prepare("INSERT INTO records(tokens, texts) VALUES(?, ?)")
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	return &sqliteWriter{db: db, tx: tx, stmt: stmt}, nil
}

func (s *sqliteWriter) Write(r Record) error {
	blob := make([]byte, 4*len(r.Tokens))
	for i, id := range r.Tokens {
		binary.LittleEndian.PutUint32(blob[4*i:], uint32(id))
	}
	var texts any
	if len(r.Texts) > 0 {
		raw, err := json.Marshal(r.Texts)
		if err != nil {
			return err
		}
		texts = string(raw)
	}
	_, err := s.stmt.Exec(blob, texts)
	return err
}

func (s *sqliteWriter) Close() error {
	s.stmt.Close()
	if err := s.tx.Commit(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
