package tar

import (
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/text/encoding"
)

// extensionStore holds the cross-header state that GNU long-name and PAX
// extension blocks contribute to the *next* real entry: a pending long
// path/linkname, a pending per-entry PAX attribute map, the monotonically
// accumulating global PAX map, and the in-flight payload buffer for
// whichever extension block is currently being assembled.
type extensionStore struct {
	pendingLongPath *string
	pendingLongLink *string
	pendingPax      map[string]string
	globalPax       map[string]string

	accum          *bytebufferpool.ByteBuffer
	accumRemaining int64
}

var extensionBufferPool bytebufferpool.Pool

// releaseAccum returns any in-flight payload buffer to its pool without
// decoding it. Used when decoding is cancelled mid-extension-block.
func (es *extensionStore) releaseAccum() {
	if es.accum != nil {
		extensionBufferPool.Put(es.accum)
		es.accum = nil
	}
}

// begin starts assembling the payload of an extension block of the given
// declared size. Bytes arrive via feed until accumRemaining hits
// zero, at which point the caller invokes finalise.
func (es *extensionStore) begin(declaredSize int64) {
	if es.accum == nil {
		es.accum = extensionBufferPool.Get()
	}
	es.accum.Reset()
	es.accumRemaining = declaredSize
}

// feed appends up to accumRemaining bytes of chunk to the in-flight
// payload buffer and returns how many bytes it consumed.
func (es *extensionStore) feed(chunk []byte) int64 {
	take := int64(len(chunk))
	if take > es.accumRemaining {
		take = es.accumRemaining
	}
	if take > 0 {
		es.accum.Write(chunk[:take])
		es.accumRemaining -= take
	}
	return take
}

// finalise decodes the now-complete payload buffer for an extension block
// of the given kind, folding it into pending/global state, and releases
// the payload buffer back to the pool.
func (es *extensionStore) finalise(kind EntryType, enc encoding.Encoding) error {
	data := append([]byte(nil), es.accum.Bytes()...)
	extensionBufferPool.Put(es.accum)
	es.accum = nil

	switch kind {
	case typeGnuLongPath:
		s, err := decodeLongPath(data, enc)
		if err != nil {
			return err
		}
		es.pendingLongPath = &s
	case typeGnuLongLinkPath:
		s, err := decodeLongPath(data, enc)
		if err != nil {
			return err
		}
		es.pendingLongLink = &s
	case typePaxHeader:
		m, err := decodePax(data)
		if err != nil {
			return err
		}
		es.pendingPax = m
	case typePaxGlobalHeader:
		m, err := decodePax(data)
		if err != nil {
			return err
		}
		if es.globalPax == nil {
			es.globalPax = make(map[string]string)
		}
		for k, v := range m {
			es.globalPax[k] = v
		}
	}
	return nil
}

// apply resolves all pending extension state onto header, in the order
// required by the PAX/GNU precedence rules: global PAX, then per-entry
// PAX (attached to header.Pax), then GNU long path, then GNU long
// linkname. Applied per-entry state is cleared; global state persists.
func (es *extensionStore) apply(header *Header) error {
	if len(es.globalPax) > 0 {
		if err := applyPaxAttrs(header, es.globalPax); err != nil {
			return err
		}
	}
	if es.pendingPax != nil {
		if err := applyPaxAttrs(header, es.pendingPax); err != nil {
			return err
		}
		header.Pax = es.pendingPax
		es.pendingPax = nil
	}
	if es.pendingLongPath != nil {
		header.Name = *es.pendingLongPath
		es.pendingLongPath = nil
	}
	if es.pendingLongLink != nil {
		header.Linkname = *es.pendingLongLink
		es.pendingLongLink = nil
	}
	if header.Type == TypeFile && strings.HasSuffix(header.Name, "/") {
		header.Type = TypeDirectory
	}
	return nil
}

// applyPaxAttrs overwrites the well-known Header fields named by PAX keys
// in attrs. Unrecognized keys, including SCHILY.xattr.* and similar
// extended-attribute namespaces, are ignored by this decoder.
func applyPaxAttrs(header *Header, attrs map[string]string) error {
	for k, v := range attrs {
		var err error
		switch k {
		case "path":
			header.Name = v
		case "linkpath":
			header.Linkname = v
		case "uname":
			header.Uname = v
		case "gname":
			header.Gname = v
		case "uid":
			header.Uid, err = strconv.ParseInt(v, 10, 64)
		case "gid":
			header.Gid, err = strconv.ParseInt(v, 10, 64)
		case "size":
			header.Size, err = strconv.ParseInt(v, 10, 64)
		case "mtime":
			header.Mtime, err = strconv.ParseFloat(v, 64)
		}
		if err != nil {
			return newDecodeError(KindInvalidFormat, -1, err)
		}
	}
	return nil
}
