package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// GenesisDigest is the previous digest of the first entry. It is the trust
// anchor of the chain.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

var jsonNull = json.RawMessage("null")

// Digest computes the SHA-256 chain digest of e over, in order: sequence,
// actor, subject type, subject id, action, changes, previous digest and
// timestamp. e.Digest itself is not covered.
//
// The fields are encoded as a compact JSON array so that no delimiter inside
// a field can shift the boundary between two fields.
func Digest(e *Entry) string {
	sum := sha256.Sum256(digestInput(e))
	return hex.EncodeToString(sum[:])
}

func digestInput(e *Entry) []byte {
	changes, err := canonicalizeRaw(e.Changes)
	if err != nil {
		// Stored changes that no longer parse hash as-is; they can never
		// match a digest computed over canonical JSON.
		changes = e.Changes
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatInt(e.Sequence, 10))
	for _, s := range []string{e.Actor, e.SubjectType, e.SubjectID, e.Action} {
		buf.WriteByte(',')
		writeJSONString(&buf, s)
	}
	buf.WriteByte(',')
	buf.Write(changes)
	buf.WriteByte(',')
	writeJSONString(&buf, e.PreviousDigest)
	buf.WriteByte(',')
	writeJSONString(&buf, e.Timestamp.UTC().Format(time.RFC3339Nano))
	buf.WriteByte(']')
	return buf.Bytes()
}

// Canonicalize returns the canonical JSON encoding of v: object keys sorted
// at every depth, numbers kept as written, no HTML escaping and no
// insignificant whitespace. A json.RawMessage is parsed rather than
// marshalled, and nil encodes as null.
func Canonicalize(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return jsonNull, nil
	case json.RawMessage:
		return canonicalizeRaw(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	return canonicalizeRaw(raw)
}

func canonicalizeRaw(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return jsonNull, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode changes: trailing data after JSON value")
	}

	// encoding/json emits map keys in sorted order.
	out, err := encodeJSON(tree)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	return out, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := encodeJSON(s) // encoding a string cannot fail
	buf.Write(b)
}
