package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/fabriclink/xferengine/pkg/wire"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// hello is the out-of-band bootstrap message two xferctl instances swap
// over a plain TCP connection before driving the real transport: the
// GetConnInfo/LoadRemoteConnInfo handshake and RegisterMem's public key
// both need a side channel to travel over, since neither backend opens one
// itself.
type hello struct {
	agent      xfer.AgentID
	connInfo   []byte
	pubMD      []byte // empty on the receive side, which has nothing to publish yet
	remoteAddr uint64 // base address of the sender's OWN registered buffer; becomes "remote" once received by the peer
	length     uint64
}

func encodeHello(h hello) []byte {
	return wire.NewEncoder().
		PutString("agnt", string(h.agent)).
		PutBytes("conn", h.connInfo).
		PutBytes("pmd", h.pubMD).
		PutUint64("addr", h.remoteAddr).
		PutUint64("len", h.length).
		Bytes()
}

func decodeHello(blob []byte) (hello, error) {
	d, err := wire.Decode(blob)
	if err != nil {
		return hello{}, err
	}
	d.Require("agnt", "conn")
	if err := d.CheckMandatory(); err != nil {
		return hello{}, err
	}
	addr, _ := d.Uint64("addr")
	length, _ := d.Uint64("len")
	return hello{
		agent:      xfer.AgentID(d.String("agnt")),
		connInfo:   d.Bytes("conn"),
		pubMD:      d.Bytes("pmd"),
		remoteAddr: addr,
		length:     length,
	}, nil
}

// writeFramed writes a 4-byte big-endian length prefix followed by blob.
func writeFramed(w io.Writer, blob []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(blob)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

// readFramed reads one length-prefixed blob.
func readFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	const maxHelloSize = 1 << 20
	if n > maxHelloSize {
		return nil, fmt.Errorf("bootstrap: framed message too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// exchangeHello writes local over conn and reads the peer's reply,
// working on either side of an already-established net.Conn.
func exchangeHello(conn net.Conn, local hello) (hello, error) {
	if err := writeFramed(conn, encodeHello(local)); err != nil {
		return hello{}, fmt.Errorf("bootstrap: send hello: %w", err)
	}
	blob, err := readFramed(conn)
	if err != nil {
		return hello{}, fmt.Errorf("bootstrap: recv hello: %w", err)
	}
	remote, err := decodeHello(blob)
	if err != nil {
		return hello{}, fmt.Errorf("bootstrap: decode hello: %w", err)
	}
	return remote, nil
}
