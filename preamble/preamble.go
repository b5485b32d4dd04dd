// Package preamble implements the 4 KiB textual key/value block at
// offset 0 of a RingBuffer file (spec.md §4.G). It is deliberately
// text, not a binary struct, so an operator can `head -c4096` a cache
// file and read its identity — the teacher's segment_footer.go favors
// a binary layout for its hot-path footer, but the ring-buffer
// preamble is cold-path (read once per process) metadata, so plain
// text wins on debuggability per spec.md's own framing.
package preamble

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Len is the fixed size of the preamble block within the ring-buffer
// file; callers pad or truncate to this exact size on Write.
const Len = 4096

// Version is the current preamble schema version this codec writes.
// Recover uses the decoded Version of an existing file to pick a scan
// stride (see ring.RingBuffer.Recover and SPEC_FULL.md §5.3).
const Version = 1

// Preamble holds the decoded key/value pairs of spec.md §4.G.
type Preamble struct {
	Version   int
	GID       uuid.UUID
	SeqnoMin  int64
	SeqnoMax  int64
	Offset    int64
	Synced    bool
	EncVersion   int
	EncEncrypted bool
	EncMKID      int
	EncMKConstID uuid.UUID
	EncMKUUID    uuid.UUID
	EncFK        []byte // AES-CTR-wrapped file key, base64 on the wire
	EncCRC       uint32
}

// crc32c is the Castagnoli table spec.md §4.G names explicitly; no
// third-party package improves on hash/crc32 for this (see DESIGN.md).
var crc32c = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC returns the CRC32C of the encryption fields, in the
// field order spec.md documents: enc_version, enc_encrypted, mk_id,
// mk_const_id, mk_uuid, fk.
func (p Preamble) ComputeCRC() uint32 {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d|%t|%d|%s|%s|", p.EncVersion, p.EncEncrypted, p.EncMKID, p.EncMKConstID, p.EncMKUUID)
	buf.Write(p.EncFK)
	return crc32.Checksum(buf.Bytes(), crc32c)
}

// CRCValid reports whether EncCRC matches the recomputed checksum of
// the encryption fields. A zero EncCRC is never valid — spec.md §9's
// Open Question treats enc_crc==0 as an unconditional reset trigger,
// same as a mismatch.
func (p Preamble) CRCValid() bool {
	if p.EncCRC == 0 {
		return false
	}
	return p.EncCRC == p.ComputeCRC()
}

// Encode renders p as a newline-terminated key/value block, padded
// with zero bytes to exactly Len bytes. Panics if the rendered
// content (before padding) exceeds Len — a caller bug, since no field
// here can legitimately grow that large.
func Encode(p Preamble) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Version: %d\n", p.Version)
	fmt.Fprintf(&b, "GID: %s\n", p.GID)
	fmt.Fprintf(&b, "seqno_min: %d\n", p.SeqnoMin)
	fmt.Fprintf(&b, "seqno_max: %d\n", p.SeqnoMax)
	fmt.Fprintf(&b, "offset: %d\n", p.Offset)
	fmt.Fprintf(&b, "synced: %d\n", boolToInt(p.Synced))
	fmt.Fprintf(&b, "enc_version: %d\n", p.EncVersion)
	fmt.Fprintf(&b, "enc_encrypted: %d\n", boolToInt(p.EncEncrypted))
	fmt.Fprintf(&b, "enc_mk_id: %d\n", p.EncMKID)
	fmt.Fprintf(&b, "enc_mk_const_id: %s\n", p.EncMKConstID)
	fmt.Fprintf(&b, "enc_mk_uuid: %s\n", p.EncMKUUID)
	fmt.Fprintf(&b, "enc_fk_id: %s\n", encodeBase64(p.EncFK))
	fmt.Fprintf(&b, "enc_crc: %d\n", p.EncCRC)

	if b.Len() > Len {
		panic(fmt.Sprintf("preamble: encoded size %d exceeds %d", b.Len(), Len))
	}
	out := make([]byte, Len)
	copy(out, b.Bytes())
	return out
}

// Decode is strict on read per spec.md §4.G: unknown keys are
// ignored, unparseable values are warned about (via the returned
// warnings slice) and replaced with defaults, never causing a hard
// failure. A corrupt or all-zero preamble decodes to the zero
// Preamble{} with no error — callers distinguish "never written" from
// "corrupt" via CRCValid/Synced, matching spec.md §7's Corrupt policy
// of never unwinding out of recovery.
func Decode(buf []byte) (Preamble, []string) {
	var p Preamble
	var warnings []string
	sc := bufio.NewScanner(bytes.NewReader(buf))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\x00")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if err := assign(&p, key, val); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	return p, warnings
}

func assign(p *Preamble, key, val string) error {
	switch key {
	case "Version":
		return parseInt(&p.Version, val)
	case "GID":
		return parseUUID(&p.GID, val)
	case "seqno_min":
		return parseInt64(&p.SeqnoMin, val)
	case "seqno_max":
		return parseInt64(&p.SeqnoMax, val)
	case "offset":
		return parseInt64(&p.Offset, val)
	case "synced":
		return parseBool(&p.Synced, val)
	case "enc_version":
		return parseInt(&p.EncVersion, val)
	case "enc_encrypted":
		return parseBool(&p.EncEncrypted, val)
	case "enc_mk_id":
		return parseInt(&p.EncMKID, val)
	case "enc_mk_const_id":
		return parseUUID(&p.EncMKConstID, val)
	case "enc_mk_uuid":
		return parseUUID(&p.EncMKUUID, val)
	case "enc_fk_id":
		fk, err := decodeBase64(val)
		if err != nil {
			return fmt.Errorf("preamble: bad enc_fk_id: %w", err)
		}
		p.EncFK = fk
		return nil
	case "enc_crc":
		var u uint32
		if err := parseUint32(&u, val); err != nil {
			return err
		}
		p.EncCRC = u
		return nil
	default:
		// Unknown key: silently ignored, per spec.md §4.G.
		return nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseInt(dst *int, s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("preamble: bad int %q: %w", s, err)
	}
	*dst = n
	return nil
}

func parseInt64(dst *int64, s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("preamble: bad int64 %q: %w", s, err)
	}
	*dst = n
	return nil
}

func parseUint32(dst *uint32, s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("preamble: bad uint32 %q: %w", s, err)
	}
	*dst = uint32(n)
	return nil
}

func parseBool(dst *bool, s string) error {
	switch s {
	case "1":
		*dst = true
	case "0":
		*dst = false
	default:
		return fmt.Errorf("preamble: bad bool %q", s)
	}
	return nil
}

func parseUUID(dst *uuid.UUID, s string) error {
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("preamble: bad uuid %q: %w", s, err)
	}
	*dst = u
	return nil
}
