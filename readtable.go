package crossmeta

import (
	"compress/bzip2"
	"compress/gzip"
	"compress/zlib"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/csimplestring/go-csv/detector"
	"github.com/krolaw/zipstream"
	"github.com/xi2/xz"
)

// Table is a parsed expression table: one row per feature, one column per
// sample, with the first header cell naming the feature-identifier column.
type Table struct {
	IDColumn string
	RowNames []string
	ColNames []string
	Values   [][]float64
}

type compression byte

const (
	compressionNone compression = iota
	compressionGzip
	compressionZip
	compressionXZ
	compressionZ
	compressionBZip2
)

// Byte code signatures from https://stackoverflow.com/a/19127748/199475
var compressionSigs = map[compression][]byte{
	compressionGzip:  {0x1f, 0x8b, 0x08},
	compressionZip:   {0x50, 0x4b, 0x03, 0x04},
	compressionXZ:    {0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00},
	compressionZ:     {0x1f, 0x9d},
	compressionBZip2: {0x42, 0x5a, 0x68},
}

func detectCompression(r io.Reader) (compression, error) {
	buff := make([]byte, 6)
	if _, err := r.Read(buff); err != nil {
		return compressionNone, err
	}

Outer:
	for c, sig := range compressionSigs {
		for position := range sig {
			if buff[position] != sig[position] {
				continue Outer
			}
		}
		return c, nil
	}

	return compressionNone, nil
}

// DecompressReadCloser sniffs the magic bytes of f and, if it recognizes a
// compressed stream, returns a decompressing reader. Series-matrix files from
// GEO typically arrive gzipped; files that are already plain text pass
// through untouched.
func DecompressReadCloser(f *os.File) (io.ReadCloser, error) {
	c, err := detectCompression(f)
	if err != nil {
		return nil, err
	}
	// Reset the original reader
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	switch c {
	case compressionGzip:
		return gzip.NewReader(f)
	case compressionZip:
		return &nopCloser{zipstream.NewReader(f)}, nil
	case compressionBZip2:
		return &nopCloser{bzip2.NewReader(f)}, nil
	case compressionXZ:
		r, err := xz.NewReader(f, 0)
		if err != nil {
			return nil, err
		}
		return &nopCloser{r}, nil
	case compressionZ:
		return zlib.NewReader(f)
	}

	return &nopCloser{f}, nil
}

// nopCloser "upgrades" readers that don't need to be closed
type nopCloser struct {
	io.Reader
}

func (c *nopCloser) Close() error {
	return nil
}

// DetermineDelimiter returns the single most likely rune that would delimit
// the values in the reader, assuming a CSV-like file.
func DetermineDelimiter(r io.Reader) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(r, '"')

	if len(delimiters) > 0 {
		return rune(delimiters[0][0])
	}

	return '\t'
}

// ReadTable parses an expression table from path, transparently decompressing
// and sniffing the delimiter. The first header field names the
// feature-identifier column; remaining header fields are sample names. Every
// non-header cell after the first column must be numeric.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(ExpandHome(path))
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	rc, err := DecompressReadCloser(f)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer rc.Close()

	// The delimiter detector consumes its reader, so buffer the full
	// (decompressed) content once and read it twice.
	contents, err := io.ReadAll(rc)
	if err != nil {
		return nil, pfx.Err(err)
	}

	delim := DetermineDelimiter(strings.NewReader(string(contents)))

	cr := csv.NewReader(strings.NewReader(string(contents)))
	cr.Comma = delim
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: expected a feature column plus at least one sample column, got %d fields", path, len(header))
	}

	t := &Table{
		IDColumn: header[0],
		ColNames: header[1:],
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pfx.Err(err)
		}

		vals := make([]float64, len(rec)-1)
		for i, cell := range rec[1:] {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: non-numeric value %q for feature %q", path, line, cell, rec[0])
			}
			vals[i] = v
		}

		t.RowNames = append(t.RowNames, rec[0])
		t.Values = append(t.Values, vals)
	}

	if len(t.Values) == 0 {
		return nil, fmt.Errorf("%s: no data rows", path)
	}

	return t, nil
}

// ExpandHome expands ~ to its proper path, where appropriate.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		usr, err := user.Current()
		if err != nil {
			return path
		}
		path = filepath.Join(usr.HomeDir, (path)[2:])
	}

	return path
}
