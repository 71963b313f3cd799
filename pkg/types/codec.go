package types

import (
	"bytes"
	"encoding/binary"
)

// Canonical encoding: fixed-width big-endian integers, length-prefixed
// variable fields, fields in declared struct order. Signing and hashing use
// this encoding exclusively so digests are byte-deterministic across nodes.
type canonicalWriter struct {
	buf bytes.Buffer
}

func (w *canonicalWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *canonicalWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *canonicalWriter) raw(b []byte) { w.buf.Write(b) }

func (w *canonicalWriter) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf.Write(b)
}

func (w *canonicalWriter) str(s string) { w.bytes([]byte(s)) }

func (w *canonicalWriter) sum() []byte { return w.buf.Bytes() }
