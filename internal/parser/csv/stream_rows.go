// Package csv streams the raw semicolon-delimited observation files into
// pooled transformer rows and assembles the canonical table from them.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"microdata/internal/transformer"
)

// Options configures the raw input format. The zero value reads UTF-8 with
// ';' as the field separator.
type Options struct {
	// Comma is the field separator; 0 means ';'.
	Comma rune

	// Encoding is one of "", "utf-8", "utf-16", "iso-8859-1" (alias "latin1")
	// or "windows-1252" (alias "cp1252"). A UTF-8 or UTF-16 byte order mark
	// is always honoured and stripped.
	Encoding string

	LazyQuotes bool
}

func (o Options) comma() rune {
	if o.Comma == 0 {
		return ';'
	}
	return o.Comma
}

// Decode wraps r with the decoder for the configured encoding.
func (o Options) Decode(r io.Reader) (io.Reader, error) {
	var t transform.Transformer
	switch strings.ToLower(strings.TrimSpace(o.Encoding)) {
	case "", "utf-8", "utf8":
		// Bytes pass through unchanged so the normalizer can reject invalid
		// sequences per row instead of seeing U+FFFD.
		t = unicode.BOMOverride(transform.Nop)
	case "utf-16", "utf16":
		t = unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder())
	case "iso-8859-1", "latin1":
		t = unicode.BOMOverride(charmap.ISO8859_1.NewDecoder())
	case "windows-1252", "cp1252":
		t = unicode.BOMOverride(charmap.Windows1252.NewDecoder())
	default:
		return nil, fmt.Errorf("csv: unsupported encoding %q", o.Encoding)
	}
	return transform.NewReader(r, t), nil
}

// StreamRows streams headerless positional records into pooled
// *transformer.Row objects. It returns the number of records read.
//
// Records with the wrong field count are still forwarded; the normalizer owns
// that check so that it can report it next to value errors. Records the csv
// reader itself rejects (bare quotes and the like) go to onErr.
//
// NOTE on cancellation:
// On ctx cancellation we must NOT return in-flight rows to the pool (Drop instead),
// otherwise the parser can reuse them immediately while the normalizer still
// reads them.
func StreamRows(
	ctx context.Context,
	src io.Reader,
	opt Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) (int, error) {
	var line int

	r, err := opt.Decode(src)
	if err != nil {
		return 0, err
	}

	cr := csv.NewReader(r)
	cr.Comma = opt.comma()
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	for {
		select {
		case <-ctx.Done():
			return line, ctx.Err()
		default:
		}

		line++
		rec, err := cr.Read()
		if err == io.EOF {
			return line - 1, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return line, fmt.Errorf("csv read: %w", err)
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transformer.GetRow(len(rec))
		row.Line = line
		copy(row.F, rec)

		select {
		case out <- row:
		case <-ctx.Done():
			// IMPORTANT: do not re-pool on cancellation
			row.Drop()
			return line, ctx.Err()
		}
	}
}
