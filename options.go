package tar

import (
	"io"
	"log/slog"

	"golang.org/x/text/encoding"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Option configures a Decoder at construction time.
type Option func(*Decoder)

// WithFilenameEncoding sets the text encoding used to decode the name,
// linkname, prefix, and GNU long-name fields. The default passes bytes
// through as UTF-8 verbatim; pass charmap.ISO8859_1 or another
// golang.org/x/text/encoding.Encoding for archives written under a
// different locale.
func WithFilenameEncoding(enc encoding.Encoding) Option {
	return func(d *Decoder) { d.enc = enc }
}

// WithAllowUnknownFormat makes the decoder accept headers that are
// neither USTAR nor GNU magic, and typeflags outside the recognized set,
// instead of failing with InvalidFormat/UnknownEntryType.
func WithAllowUnknownFormat(allow bool) Option {
	return func(d *Decoder) { d.allowUnknownFormat = allow }
}

// WithLogger sets the structured logger the Decoder uses for terminal
// faults (Error) and sparse-map construction (Debug). Per-chunk traffic is
// never logged. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}
