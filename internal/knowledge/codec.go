package knowledge

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/ir"
)

// FormatVersion is the persisted package format version.
const FormatVersion = 1

var magic = []byte("RETEPKG")

// maxRecordSize bounds a decoded record.
const maxRecordSize = 64 << 20

// Record layout. A package is written as magic, a version byte, and one
// uvarint length-prefixed record. The record holds these sections in this
// order, each a uvarint length-prefixed JSON document except the two
// flags, which are single bytes:
//
//	name, accessor registry, dialects, types, imports, static imports,
//	functions, accumulate functions, fact templates, globals,
//	valid, need stream mode,
//	rules, entry points, windows, resources
//
// Readers restore the sections in the same order, so a reader for an
// older layout fails loudly rather than misassigning sections.

// Encode writes a wired package. Bound functions and accessors are not
// persisted; decoding yields an unwired package.
func Encode(w io.Writer, p *Package) error {
	if p == nil {
		return fmt.Errorf("encode: nil package")
	}
	return encode(w, &p.contents)
}

// EncodeUnwired writes an unwired package.
func EncodeUnwired(w io.Writer, u *UnwiredPackage) error {
	if u == nil {
		return fmt.Errorf("encode: nil package")
	}
	return encode(w, &u.contents)
}

// Marshal returns the encoded form of a package.
func Marshal(p *Package) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the content digest of a package's encoded form.
func Digest(p *Package) (string, error) {
	data, err := Marshal(p)
	if err != nil {
		return "", err
	}
	return ir.PackageDigest(data), nil
}

func encode(w io.Writer, c *contents) error {
	var record bytes.Buffer
	bw := bufio.NewWriter(&record)
	enc := sectionWriter{w: bw}

	enc.json("name", c.name)
	enc.json("accessors", c.store.Entries())
	enc.json("dialects", c.dialects)
	enc.json("types", c.types)
	enc.json("imports", c.imports)
	enc.json("static_imports", c.staticImports)
	enc.json("functions", c.functions)
	enc.json("accumulate_functions", c.accumulates)
	enc.json("fact_templates", c.templates)
	enc.json("globals", c.globals)
	enc.flag("valid", c.valid)
	enc.flag("need_stream_mode", c.needStreamMode)
	enc.json("rules", c.rules)
	enc.json("entry_points", c.entryPoints)
	enc.json("windows", c.windows)
	enc.json("resources", c.resources)
	if enc.err != nil {
		return fmt.Errorf("encode %s: %w", c.name, enc.err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}

	header := make([]byte, 0, len(magic)+1+binary.MaxVarintLen64)
	header = append(header, magic...)
	header = append(header, FormatVersion)
	header = binary.AppendUvarint(header, uint64(record.Len()))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	if _, err := w.Write(record.Bytes()); err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	if f, ok := w.(*bufio.Writer); ok {
		return f.Flush()
	}
	return nil
}

type sectionWriter struct {
	w   *bufio.Writer
	err error
}

func (s *sectionWriter) json(section string, v any) {
	if s.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.err = fmt.Errorf("%s: %w", section, err)
		return
	}
	var n [binary.MaxVarintLen64]byte
	if _, err := s.w.Write(n[:binary.PutUvarint(n[:], uint64(len(data)))]); err != nil {
		s.err = err
		return
	}
	if _, err := s.w.Write(data); err != nil {
		s.err = err
	}
}

func (s *sectionWriter) flag(section string, v bool) {
	if s.err != nil {
		return
	}
	var b byte
	if v {
		b = 1
	}
	if err := s.w.WriteByte(b); err != nil {
		s.err = fmt.Errorf("%s: %w", section, err)
	}
}

// Decode reads one package. The result is unwired; pass it to Wire.
// Decode reads exactly one record, so several packages may be read from
// the same stream in sequence.
func Decode(r io.Reader) (*UnwiredPackage, error) {
	br := byteReader{r: r}

	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("decode: header: %w", err)
	}
	if !bytes.Equal(head[:len(magic)], magic) {
		return nil, fmt.Errorf("decode: not a package")
	}
	if v := head[len(magic)]; v != FormatVersion {
		return nil, fmt.Errorf("decode: unsupported format version %d", v)
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("decode: record length: %w", err)
	}
	if size > maxRecordSize {
		return nil, fmt.Errorf("decode: record of %d bytes exceeds limit", size)
	}
	record := make([]byte, size)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, fmt.Errorf("decode: record: %w", err)
	}
	return decodeRecord(record)
}

// Unmarshal decodes a package from bytes.
func Unmarshal(data []byte) (*UnwiredPackage, error) {
	return Decode(bytes.NewReader(data))
}

func decodeRecord(record []byte) (*UnwiredPackage, error) {
	dec := sectionReader{r: bytes.NewReader(record)}
	c := contents{store: accessor.NewStore()}

	var entries []accessor.Entry
	dec.json("name", &c.name)
	dec.json("accessors", &entries)
	dec.json("dialects", &c.dialects)
	dec.json("types", &c.types)
	dec.json("imports", &c.imports)
	dec.json("static_imports", &c.staticImports)
	dec.json("functions", &c.functions)
	dec.json("accumulate_functions", &c.accumulates)
	dec.json("fact_templates", &c.templates)
	dec.json("globals", &c.globals)
	c.valid = dec.flag("valid")
	c.needStreamMode = dec.flag("need_stream_mode")
	dec.json("rules", &c.rules)
	dec.json("entry_points", &c.entryPoints)
	dec.json("windows", &c.windows)
	dec.json("resources", &c.resources)
	if dec.err != nil {
		return nil, fmt.Errorf("decode: %w", dec.err)
	}
	if dec.r.Len() != 0 {
		return nil, fmt.Errorf("decode %s: %d trailing bytes", c.name, dec.r.Len())
	}
	if c.name == "" {
		return nil, fmt.Errorf("decode: package has no name")
	}

	for _, e := range entries {
		c.store.Get(e.Type, e.Field)
	}
	if c.dialects == nil {
		c.dialects = make(map[string][]string)
	}
	if c.resources == nil {
		c.resources = make(map[string][]string)
	}
	return &UnwiredPackage{contents: c}, nil
}

type sectionReader struct {
	r   *bytes.Reader
	err error
}

func (s *sectionReader) json(section string, v any) {
	if s.err != nil {
		return
	}
	size, err := binary.ReadUvarint(s.r)
	if err != nil {
		s.err = fmt.Errorf("%s: %w", section, truncated(err))
		return
	}
	if size > uint64(s.r.Len()) {
		s.err = fmt.Errorf("%s: %w", section, io.ErrUnexpectedEOF)
		return
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(s.r, data); err != nil {
		s.err = fmt.Errorf("%s: %w", section, err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.err = fmt.Errorf("%s: %w", section, err)
	}
}

func (s *sectionReader) flag(section string) bool {
	if s.err != nil {
		return false
	}
	b, err := s.r.ReadByte()
	if err != nil {
		s.err = fmt.Errorf("%s: %w", section, truncated(err))
		return false
	}
	switch b {
	case 0:
		return false
	case 1:
		return true
	default:
		s.err = fmt.Errorf("%s: invalid flag byte %d", section, b)
		return false
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// byteReader reads single bytes without buffering ahead of the record.
type byteReader struct{ r io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var one [1]byte
	if _, err := io.ReadFull(b.r, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}
