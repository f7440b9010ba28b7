package tar

import "fmt"

// This file builds minimal, byte-exact TAR fixtures in-process. There is
// no baked testdata/*.tar in this package; every scenario's layout is
// visible right next to the assertions that exercise it.

const (
	magicUstar   = "ustar\x00"
	versionUstar = "00"
	magicGnu     = "ustar "
	versionGnu   = " \x00"
)

type headerFields struct {
	name, linkname, uname, gname, prefix string
	mode, uid, gid, size, mtime          int64
	typeflag                             byte
	devmajor, devminor                   int64
	magic, version                       string
}

func putString(b []byte, s string) {
	copy(b, s)
}

func putOctal(b []byte, v int64) {
	s := fmt.Sprintf("%0*o", len(b)-1, v)
	copy(b, s)
}

// buildHeaderBlock renders f into one 512-byte header block with a
// correct checksum. Unset string/numeric fields render as all-NUL/zero,
// matching how a real encoder leaves unused USTAR fields.
func buildHeaderBlock(f headerFields) []byte {
	buf := make([]byte, blockSize)
	putString(buf[offName:offName+lenName], f.name)
	putOctal(buf[offMode:offMode+lenMode], f.mode)
	putOctal(buf[offUid:offUid+lenUid], f.uid)
	putOctal(buf[offGid:offGid+lenGid], f.gid)
	putOctal(buf[offSize:offSize+lenSize], f.size)
	putOctal(buf[offMtime:offMtime+lenMtime], f.mtime)
	buf[offTypeflag] = f.typeflag
	putString(buf[offLinkname:offLinkname+lenLinkname], f.linkname)
	putString(buf[offMagic:offMagic+lenMagic], f.magic)
	putString(buf[offVersion:offVersion+lenVersion], f.version)
	putString(buf[offUname:offUname+lenUname], f.uname)
	putString(buf[offGname:offGname+lenGname], f.gname)
	putOctal(buf[offDevmajor:offDevmajor+lenDevmajor], f.devmajor)
	putOctal(buf[offDevminor:offDevminor+lenDevminor], f.devminor)
	putString(buf[offPrefix:offPrefix+lenPrefix], f.prefix)
	fillChecksum(buf)
	return buf
}

func fillChecksum(buf []byte) {
	sum := checksum(buf)
	s := fmt.Sprintf("%06o\x00 ", sum)
	copy(buf[offChksum:offChksum+lenChksum], s)
}

func putBase256(b []byte, v int64) {
	b[0] = 0x80
	if v < 0 {
		b[0] = 0xff
	}
	for i := len(b) - 1; i > 0; i-- {
		b[i] = byte(v & 0xff)
		v >>= 8
	}
}

// padBlock returns data followed by overflow(len(data)) zero bytes.
func padBlock(data []byte) []byte {
	pad := overflow(int64(len(data)))
	out := make([]byte, len(data)+int(pad))
	copy(out, data)
	return out
}

// simpleFileEntry renders one ordinary USTAR file entry: header + content
// + padding.
func simpleFileEntry(name string, content []byte) []byte {
	h := buildHeaderBlock(headerFields{
		name: name, mode: 0644, typeflag: '0',
		size: int64(len(content)), magic: magicUstar, version: versionUstar,
	})
	out := append([]byte{}, h...)
	out = append(out, padBlock(content)...)
	return out
}

// gnuLongNameEntry renders a GNU long-name extension block ('L' or 'K')
// carrying payload as a NUL-terminated string, plus padding. The real
// entry's header that the extension applies to is not included; callers
// append it themselves.
func gnuLongNameEntry(kind EntryType, payload string) []byte {
	data := append([]byte(payload), 0)
	h := buildHeaderBlock(headerFields{
		name: "././@LongLink", mode: 0, typeflag: byte(kind),
		size: int64(len(data)), magic: magicGnu, version: versionGnu,
	})
	out := append([]byte{}, h...)
	out = append(out, padBlock(data)...)
	return out
}

// paxExtensionEntry renders one PAX extended-header block ('x' or 'g')
// whose payload encodes attrs as "<len> <key>=<value>\n" records.
func paxExtensionEntry(kind EntryType, attrs map[string]string) []byte {
	var payload []byte
	for k, v := range attrs {
		payload = append(payload, paxRecord(k, v)...)
	}
	h := buildHeaderBlock(headerFields{
		name: "PaxHeaders/0", mode: 0, typeflag: byte(kind),
		size: int64(len(payload)), magic: magicUstar, version: versionUstar,
	})
	out := append([]byte{}, h...)
	out = append(out, padBlock(payload)...)
	return out
}

func paxRecord(key, value string) []byte {
	for n := len(key) + len(value) + 3; ; {
		rec := fmt.Sprintf("%d %s=%s\n", n, key, value)
		if len(rec) == n {
			return []byte(rec)
		}
		n = len(rec)
	}
}

// gnuSparseEntry renders an old-GNU sparse file entry: a main header
// carrying up to the first 4 sparse-map entries plus the is_extended
// continuation flag, any 512-byte extended sparse-map blocks needed for
// the rest of entries, and the packed data itself. data must total
// exactly the sum of entries' numBytes.
func gnuSparseEntry(name string, realSize int64, entries []sparseMapEntry, data []byte) []byte {
	mainEntries := entries
	var extBlocks [][]sparseMapEntry
	if len(entries) > maxSparseMainEntry {
		mainEntries = entries[:maxSparseMainEntry]
		extBlocks = chunkSparseEntries(entries[maxSparseMainEntry:], maxSparseExtEntry)
	}

	h := make([]byte, blockSize)
	putString(h[offName:offName+lenName], name)
	putOctal(h[offMode:offMode+lenMode], 0644)
	putOctal(h[offSize:offSize+lenSize], int64(len(data)))
	h[offTypeflag] = byte(typeGnuSparse)
	putString(h[offMagic:offMagic+lenMagic], magicGnu)
	putString(h[offVersion:offVersion+lenVersion], versionGnu)
	for i, e := range mainEntries {
		off := offSparseArray + i*lenSparseEntry
		putOctal(h[off:off+12], e.offset)
		putOctal(h[off+12:off+24], e.numBytes)
	}
	if len(extBlocks) > 0 {
		h[offIsExtended] = 1
	}
	putOctal(h[offRealSize:offRealSize+lenRealSize], realSize)
	fillChecksum(h)

	out := append([]byte{}, h...)
	for bi, block := range extBlocks {
		eb := make([]byte, blockSize)
		for i, e := range block {
			off := i * lenSparseEntry
			putOctal(eb[off:off+12], e.offset)
			putOctal(eb[off+12:off+24], e.numBytes)
		}
		if bi < len(extBlocks)-1 {
			eb[offExtIsExtended] = 1
		}
		out = append(out, eb...)
	}
	out = append(out, padBlock(data)...)
	return out
}

func chunkSparseEntries(entries []sparseMapEntry, size int) [][]sparseMapEntry {
	var out [][]sparseMapEntry
	for len(entries) > 0 {
		n := size
		if n > len(entries) {
			n = len(entries)
		}
		out = append(out, entries[:n])
		entries = entries[n:]
	}
	return out
}

// terminator returns the two all-zero blocks that end a well-formed
// archive.
func terminator() []byte {
	return make([]byte, 2*blockSize)
}

func concatAll(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
