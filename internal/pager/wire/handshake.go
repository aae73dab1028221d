package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
)

// ProtocolVersion is this build's wire protocol version. Bump the minor
// version for backwards-compatible additions (new Op values peers may
// ignore) and the major version for breaking frame-layout changes.
const ProtocolVersion = "1.0.0"

// RequiredConstraint is the version range a peer must satisfy for this
// node to proceed past the handshake. Kept permissive (same major) so a
// rolling upgrade across a cluster does not partition it.
const RequiredConstraint = "^1.0.0"

// WriteHandshake writes this node's protocol version as a length-prefixed
// UTF-8 string, the first bytes sent on a new connection.
func WriteHandshake(w io.Writer) error {
	v := []byte(ProtocolVersion)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(v)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

// ReadAndVerifyHandshake reads the peer's protocol version and verifies
// it against RequiredConstraint using github.com/Masterminds/semver/v3,
// refusing to proceed with an incompatible peer (spec §4.3 framing is
// fixed; an incompatible peer is a ProtocolViolation, not a silent
// best-effort attempt).
func ReadAndVerifyHandshake(r *bufio.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n == 0 || n > 64 {
		return "", pagererr.New(pagererr.ProtocolViolation, "invalid handshake version length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	peerVersion := string(buf)

	constraint, err := semver.NewConstraint(RequiredConstraint)
	if err != nil {
		return "", pagererr.Wrap(pagererr.ProtocolViolation, err, "invalid local constraint")
	}
	pv, err := semver.NewVersion(peerVersion)
	if err != nil {
		return "", pagererr.Wrap(pagererr.ProtocolViolation, err, "peer sent unparseable version %q", peerVersion)
	}
	if !constraint.Check(pv) {
		return "", pagererr.New(pagererr.ProtocolViolation,
			"peer protocol version %s does not satisfy %s", peerVersion, RequiredConstraint)
	}
	return peerVersion, nil
}
