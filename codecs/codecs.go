// Package codecs provides compressors and decompressors for the set of
// compression codecs supported by archived change-log segments.
package codecs

import (
	"io"
	"path"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Codec enumerates supported segment compression codecs.
type Codec int

const (
	// None applies no compression.
	None Codec = iota
	// Gzip applies gzip compression.
	Gzip
	// Snappy applies framed snappy compression.
	Snappy
)

// String returns the name of the Codec.
func (c Codec) String() string {
	switch c {
	case None:
		return "NONE"
	case Gzip:
		return "GZIP"
	case Snappy:
		return "SNAPPY"
	default:
		return "INVALID"
	}
}

// Ext returns the file extension applied to segments written with this Codec.
func (c Codec) Ext() string {
	switch c {
	case None:
		return ".raw"
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	default:
		return ""
	}
}

// FromExt maps a segment file name to the Codec implied by its extension.
func FromExt(name string) (Codec, error) {
	switch path.Ext(name) {
	case ".raw":
		return None, nil
	case ".gz":
		return Gzip, nil
	case ".sz":
		return Snappy, nil
	default:
		return None, errors.Errorf("unsupported segment extension (%s)", path.Ext(name))
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, errors.Errorf("unsupported codec (%s)", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, errors.Errorf("unsupported codec (%s)", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
