package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/types"
)

// ProtocolVersion is this build's wire protocol version. A peer at a
// different version is rejected during the handshake.
const ProtocolVersion uint16 = 1

// Preamble is the fixed identifying packet exchanged in each direction on
// connect (§6 "Preamble").
type Preamble struct {
	NodeIdentity    string // silo address string, or a client id
	ProtocolVersion uint16
	Silo            *types.SiloAddress // nil for client connections
	ClusterID       string
}

// WritePreamble encodes and writes a preamble as a length-prefixed JSON
// payload.
func WritePreamble(w io.Writer, p Preamble) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal preamble: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadPreamble reads and decodes a peer's preamble.
func ReadPreamble(r io.Reader) (Preamble, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Preamble{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxPreambleSize {
		return Preamble{}, &FrameError{Msg: "preamble length out of range"}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Preamble{}, err
	}
	var p Preamble
	if err := json.Unmarshal(body, &p); err != nil {
		return Preamble{}, fmt.Errorf("unmarshal preamble: %w", err)
	}
	return p, nil
}

const maxPreambleSize = 64 * 1024

// Handshake exchanges preambles in both directions and validates them.
// Cluster id mismatch or protocol version mismatch is fatal: the caller
// must close the connection. Each process writes its own preamble first,
// then reads the peer's; both sides call Handshake the same way, so
// ordering is symmetric per-process rather than per-role.
func Handshake(rw io.ReadWriter, local Preamble) (Preamble, error) {
	if err := WritePreamble(rw, local); err != nil {
		return Preamble{}, fmt.Errorf("write preamble: %w", err)
	}
	remote, err := ReadPreamble(rw)
	if err != nil {
		return Preamble{}, fmt.Errorf("read preamble: %w", err)
	}
	if remote.ClusterID != local.ClusterID {
		return remote, failure.New(failure.KindClusterIDMismatch,
			"local cluster %q != remote cluster %q", local.ClusterID, remote.ClusterID)
	}
	if remote.ProtocolVersion != local.ProtocolVersion {
		return remote, failure.New(failure.KindProtocolVersionMismatch,
			"local protocol %d != remote protocol %d", local.ProtocolVersion, remote.ProtocolVersion)
	}
	return remote, nil
}
