package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Format selects the snapshot encoding
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

const zstdSuffix = ".zst"

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// Extension returns the file suffix for the format, with the compression
// suffix appended when compress is set
func (f Format) Extension(compress bool) string {
	ext := "." + f.String()
	if compress {
		ext += zstdSuffix
	}
	return ext
}

// FormatFor picks the codec from a file name: a trailing .zst enables
// compression and .cbor selects CBOR. Everything else is JSON.
func FormatFor(path string) (Format, bool) {
	name := strings.ToLower(filepath.Base(path))
	compressed := strings.HasSuffix(name, zstdSuffix)
	name = strings.TrimSuffix(name, zstdSuffix)
	if strings.HasSuffix(name, ".cbor") {
		return FormatCBOR, compressed
	}
	return FormatJSON, compressed
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// kinds, pruning states and statuses go out as their names
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// tool args and results decode the same way encoding/json would
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode writes doc to w
func Encode(w io.Writer, doc *Document, f Format, compress bool) error {
	if compress {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := encode(zw, doc, f); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	return encode(w, doc, f)
}

func encode(w io.Writer, doc *Document, f Format) error {
	switch f {
	case FormatCBOR:
		if err := cborEnc.NewEncoder(w).Encode(doc); err != nil {
			return fmt.Errorf("encode cbor snapshot: %w", err)
		}
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json snapshot: %w", err)
		}
	}
	return nil
}

// Decode reads a document from r
func Decode(r io.Reader, f Format, compressed bool) (*Document, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var doc Document
	switch f {
	case FormatCBOR:
		if err := cborDec.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode cbor snapshot: %w", err)
		}
	default:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json snapshot: %w", err)
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save writes doc to path, choosing the codec from the file name. The file
// is written to a temporary sibling and renamed into place.
func Save(path string, doc *Document) error {
	f, compress := FormatFor(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := Encode(bw, doc, f, compress); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move snapshot into place: %w", err)
	}
	return nil
}

// Load reads the document at path
func Load(path string) (*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()
	f, compressed := FormatFor(path)
	doc, err := Decode(bufio.NewReader(file), f, compressed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
