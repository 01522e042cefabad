package multirail

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriclink/xferengine/pkg/wire"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// waitForConnState blocks until c reaches one of states. With the
// background progress threads running, the CM thread's SetState calls wake
// the connection's condition variable directly; without them (the
// synchronous fallback), nothing else will ever drain the control rails,
// so this polls them itself between checks.
func (e *Engine) waitForConnState(c *xfer.Conn, states ...xfer.ConnState) xfer.ConnState {
	if e.progressEnabled {
		return c.WaitFor(states...)
	}
	for {
		c.Mu.Lock()
		for _, s := range states {
			if c.State == s {
				c.Mu.Unlock()
				return c.State
			}
		}
		c.Mu.Unlock()
		e.drainControlRailsOnce()
		time.Sleep(progressPollInterval)
	}
}

// controlMsgType tags every message sent over a control rail.
type controlMsgType uint32

const (
	msgNotification controlMsgType = iota
	msgConnectionReq
	msgConnectionAck
	msgDisconnectReq
)

// shutdownPayload is the literal byte string a self-directed DISCONNECT_REQ
// carries to wake a blocking CM thread.
const shutdownPayload = "SHUTDOWN"

// encodeEndpointTable encodes one rail-kind's list of raw provider endpoint names
// (fabric.Endpoint.Name()), positionally ordered to match the receiver's
// own rail slice.
func encodeEndpointTable(names [][]byte) []byte {
	tbl := wire.NewTable()
	for _, n := range names {
		tbl.Add(wire.NewEncoder().PutBytes("name", n).Bytes())
	}
	return tbl.Encode()
}

func decodeEndpointTable(blob []byte) ([][]byte, error) {
	records, err := wire.DecodeTable(blob)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(records))
	for _, rec := range records {
		d, err := wire.Decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d.Bytes("name"))
	}
	return out, nil
}

// controlMsg is one decoded control-rail message.
type controlMsg struct {
	msgType   controlMsgType
	sender    xfer.AgentID
	role      string // "src" (CONNECTION_REQ) or "dest" (CONNECTION_ACK)
	dataEPs   [][]byte
	controlEPs [][]byte
	payload   []byte
}

func encodeControlMsg(m controlMsg) []byte {
	return wire.NewEncoder().
		PutUint32("type", uint32(m.msgType)).
		PutString("agnt", string(m.sender)).
		PutString("role", m.role).
		PutBytes("deps", encodeEndpointTable(m.dataEPs)).
		PutBytes("ceps", encodeEndpointTable(m.controlEPs)).
		PutBytes("xtra", m.payload).
		Bytes()
}

func decodeControlMsg(blob []byte) (controlMsg, error) {
	d, err := wire.Decode(blob)
	if err != nil {
		return controlMsg{}, err
	}
	d.Require("type", "agnt")
	if err := d.CheckMandatory(); err != nil {
		return controlMsg{}, err
	}
	typ, err := d.Uint32("type")
	if err != nil {
		return controlMsg{}, err
	}
	m := controlMsg{
		msgType: controlMsgType(typ),
		sender:  xfer.AgentID(d.String("agnt")),
		role:    d.String("role"),
		payload: d.Bytes("xtra"),
	}
	if d.Has("deps") {
		if m.dataEPs, err = decodeEndpointTable(d.Bytes("deps")); err != nil {
			return controlMsg{}, err
		}
	}
	if d.Has("ceps") {
		if m.controlEPs, err = decodeEndpointTable(d.Bytes("ceps")); err != nil {
			return controlMsg{}, err
		}
	}
	return m, nil
}

// localEndpointNames harvests this engine's own data and control rail
// provider addresses.
func (e *Engine) localEndpointNames() (data [][]byte, control [][]byte, err error) {
	for _, r := range e.dataRails {
		n, nerr := r.ep.Name()
		if nerr != nil {
			return nil, nil, nerr
		}
		data = append(data, n)
	}
	for _, r := range e.controlRails {
		n, nerr := r.ep.Name()
		if nerr != nil {
			return nil, nil, nerr
		}
		control = append(control, n)
	}
	return data, control, nil
}

// GetConnInfo serializes this engine's local agent id and full rail
// endpoint table for out-of-band delivery to a peer. The actual
// CONNECTION_REQ/ACK handshake still runs over the control rail,
// re-deriving the same tables from the wire instead of trusting this
// out-of-band copy for receiver-side connections that never called
// LoadRemoteConnInfo.
func (e *Engine) GetConnInfo() ([]byte, error) {
	data, control, err := e.localEndpointNames()
	if err != nil {
		return nil, xfer.NewError(xfer.Backend, "GetConnInfo", e.localAgent, err)
	}
	return wire.NewEncoder().
		PutString("agnt", string(e.localAgent)).
		PutBytes("deps", encodeEndpointTable(data)).
		PutBytes("ceps", encodeEndpointTable(control)).
		Bytes(), nil
}

// LoadRemoteConnInfo records a peer's serialized rail endpoint table.
func (e *Engine) LoadRemoteConnInfo(agent xfer.AgentID, blob []byte) error {
	d, err := wire.Decode(blob)
	if err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}
	d.Require("agnt", "deps", "ceps")
	if err := d.CheckMandatory(); err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}
	dataEPs, err := decodeEndpointTable(d.Bytes("deps"))
	if err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}
	controlEPs, err := decodeEndpointTable(d.Bytes("ceps"))
	if err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}

	e.connMu.Lock()
	defer e.connMu.Unlock()
	if existing, ok := e.conns[agent]; ok && len(existing.PerRailRemoteAddrs) > 0 {
		return xfer.NewError(xfer.InvalidParam, "LoadRemoteConnInfo", agent, fmt.Errorf("remote conn info already loaded"))
	}
	c := xfer.NewConn(agent)
	c.PerRailRemoteAddrs = rawNamesToInterfaces(dataEPs)
	c.ControlRailRemoteAddrs = rawNamesToInterfaces(controlEPs)
	e.conns[agent] = c
	return nil
}

func rawNamesToInterfaces(names [][]byte) []interface{} {
	out := make([]interface{}, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// insertRemoteAddresses inserts a peer's raw endpoint names into every
// local rail's address vector of the matching kind, returning the fi_addr_t
// handles in positional order.
func (e *Engine) insertRemoteAddresses(rails []*rail, rawNames [][]byte) ([]uint64, error) {
	out := make([]uint64, len(rails))
	for i, r := range rails {
		if i >= len(rawNames) {
			break
		}
		addr, err := r.av.Insert(rawNames[i])
		if err != nil {
			return nil, fmt.Errorf("insert address into rail %d: %w", r.id, err)
		}
		out[i] = addr
	}
	return out, nil
}

// Connect drives agent's connection to CONNECTED: insert its rail addresses
// locally, then send CONNECTION_REQ over control rail 0 and block until the
// CM thread observes CONNECTION_ACK.
func (e *Engine) Connect(ctx context.Context, agent xfer.AgentID) error {
	if err := ctx.Err(); err != nil {
		return xfer.NewError(xfer.InProgress, "Connect", agent, err)
	}

	e.connMu.Lock()
	c, ok := e.conns[agent]
	if !ok {
		e.connMu.Unlock()
		return xfer.NewError(xfer.NotFound, "Connect", agent, fmt.Errorf("no remote conn info loaded"))
	}
	if c.State == xfer.Connected {
		e.connMu.Unlock()
		return nil
	}
	if c.State == xfer.Failed {
		remote, remoteCtl := c.PerRailRemoteAddrs, c.ControlRailRemoteAddrs
		c = xfer.NewConn(agent)
		c.PerRailRemoteAddrs, c.ControlRailRemoteAddrs = remote, remoteCtl
		e.conns[agent] = c
	}
	c.SetState(xfer.ReqSent)
	e.connMu.Unlock()

	dataRaw := interfacesToRawNames(c.PerRailRemoteAddrs)
	controlRaw := interfacesToRawNames(c.ControlRailRemoteAddrs)
	if len(dataRaw) == 0 && len(controlRaw) == 0 {
		c.SetState(xfer.Failed)
		return xfer.NewError(xfer.InvalidParam, "Connect", agent, fmt.Errorf("empty remote endpoint table"))
	}

	dataAddrs, err := e.insertRemoteAddresses(e.dataRails, dataRaw)
	if err != nil {
		c.SetState(xfer.Failed)
		return xfer.NewError(xfer.Backend, "Connect", agent, err)
	}
	controlAddrs, err := e.insertRemoteAddresses(e.controlRails, controlRaw)
	if err != nil {
		c.SetState(xfer.Failed)
		return xfer.NewError(xfer.Backend, "Connect", agent, err)
	}

	e.connMu.Lock()
	c.PerRailRemoteAddrs = uint64sToInterfaces(dataAddrs)
	c.ControlRailRemoteAddrs = uint64sToInterfaces(controlAddrs)
	c.AgentIndex = e.nextAgentIndexLocked()
	e.connMu.Unlock()

	localData, localControl, err := e.localEndpointNames()
	if err != nil {
		c.SetState(xfer.Failed)
		return xfer.NewError(xfer.Backend, "Connect", agent, err)
	}

	if err := e.sendControlMessage(controlAddrs[0], controlMsg{
		msgType:    msgConnectionReq,
		sender:     e.localAgent,
		role:       "src",
		dataEPs:    localData,
		controlEPs: localControl,
	}); err != nil {
		c.SetState(xfer.Failed)
		return xfer.NewError(xfer.Backend, "Connect", agent, err)
	}

	state := e.waitForConnState(c, xfer.Connected, xfer.Failed)
	if state == xfer.Failed {
		return xfer.NewError(xfer.RemoteDisconnect, "Connect", agent, fmt.Errorf("connection handshake failed"))
	}
	e.log.Info().Str("remote", string(agent)).Msg("connected")
	return nil
}

// nextAgentIndexLocked hands out a dense per-peer index (callers hold connMu).
func (e *Engine) nextAgentIndexLocked() uint16 {
	e.agentIndexCounter++
	return e.agentIndexCounter
}

func interfacesToRawNames(vs []interface{}) [][]byte {
	out := make([][]byte, 0, len(vs))
	for _, v := range vs {
		if b, ok := v.([]byte); ok {
			out = append(out, b)
		}
	}
	return out
}

func uint64sToInterfaces(vs []uint64) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func interfacesToUint64s(vs []interface{}) []uint64 {
	out := make([]uint64, 0, len(vs))
	for _, v := range vs {
		if u, ok := v.(uint64); ok {
			out = append(out, u)
		}
	}
	return out
}

// sendControlMessage allocates a control slot on control rail 0 and posts
// the encoded message as a two-sided SEND.
func (e *Engine) sendControlMessage(destAddr uint64, m controlMsg) error {
	if len(e.controlRails) == 0 {
		return fmt.Errorf("multirail: no control rails configured")
	}
	r := e.controlRails[0]
	slot := r.controlPool.allocate()
	if slot == nil {
		return fmt.Errorf("multirail: control request pool exhausted on rail %d", r.id)
	}
	encoded := encodeControlMsg(m)
	if len(encoded) > len(slot.buffer) {
		r.controlPool.release(slot)
		return fmt.Errorf("multirail: control message too large: %d > %d", len(encoded), len(slot.buffer))
	}
	copy(slot.buffer, encoded)
	slot.onComplete = func(ok bool, _ uint64, _ uint32, err error) {
		r.controlPool.release(slot)
		if !ok {
			e.log.Warn().Err(err).Msg("control message send failed")
		}
	}
	if err := r.postControlSend(slot, destAddr, len(encoded)); err != nil {
		r.controlPool.release(slot)
		return err
	}
	return nil
}

// handleConnectionReq runs on the CM thread when a CONNECTION_REQ arrives:
// it learns the sender's rail table straight from the wire, independent of
// whether that sender's info was ever loaded out-of-band.
func (e *Engine) handleConnectionReq(m controlMsg) {
	e.connMu.Lock()
	c, ok := e.conns[m.sender]
	if !ok {
		c = xfer.NewConn(m.sender)
		e.conns[m.sender] = c
	}
	e.connMu.Unlock()

	dataAddrs, err := e.insertRemoteAddresses(e.dataRails, m.dataEPs)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", string(m.sender)).Msg("connection_req: insert data addresses failed")
		c.SetState(xfer.Failed)
		return
	}
	controlAddrs, err := e.insertRemoteAddresses(e.controlRails, m.controlEPs)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", string(m.sender)).Msg("connection_req: insert control addresses failed")
		c.SetState(xfer.Failed)
		return
	}

	e.connMu.Lock()
	c.PerRailRemoteAddrs = uint64sToInterfaces(dataAddrs)
	c.ControlRailRemoteAddrs = uint64sToInterfaces(controlAddrs)
	c.AgentIndex = e.nextAgentIndexLocked()
	e.connMu.Unlock()

	localData, localControl, err := e.localEndpointNames()
	if err != nil {
		e.log.Warn().Err(err).Msg("connection_req: harvest local endpoint names failed")
		c.SetState(xfer.Failed)
		return
	}

	if err := e.sendControlMessage(controlAddrs[0], controlMsg{
		msgType:    msgConnectionAck,
		sender:     e.localAgent,
		role:       "dest",
		dataEPs:    localData,
		controlEPs: localControl,
	}); err != nil {
		e.log.Warn().Err(err).Str("remote", string(m.sender)).Msg("connection_ack send failed")
		c.SetState(xfer.Failed)
		return
	}
	c.SetState(xfer.Connected)
	e.log.Info().Str("remote", string(m.sender)).Msg("accepted inbound connection")
}

// handleConnectionAck runs on the CM thread when a CONNECTION_ACK arrives
// for a connection this side initiated.
func (e *Engine) handleConnectionAck(m controlMsg) {
	e.connMu.Lock()
	c, ok := e.conns[m.sender]
	e.connMu.Unlock()
	if !ok {
		e.log.Warn().Str("remote", string(m.sender)).Msg("connection_ack for unknown agent")
		return
	}
	c.SetState(xfer.Connected)
}

// Disconnect sends DISCONNECT_REQ, removes the peer's addresses from every
// rail's address vector, and erases the connection record — the only path
// that erases it (Connect's Failed-path instead starts a fresh handshake).
func (e *Engine) Disconnect(agent xfer.AgentID) error {
	e.connMu.Lock()
	c, ok := e.conns[agent]
	if !ok {
		e.connMu.Unlock()
		return xfer.NewError(xfer.NotFound, "Disconnect", agent, nil)
	}
	delete(e.conns, agent)
	e.connMu.Unlock()

	controlAddrs := interfacesToUint64s(c.ControlRailRemoteAddrs)
	if c.State == xfer.Connected && len(controlAddrs) > 0 {
		_ = e.sendControlMessage(controlAddrs[0], controlMsg{
			msgType: msgDisconnectReq,
			sender:  e.localAgent,
		})
	}
	e.removeConnAddresses(c)
	c.SetState(xfer.Disconnected)
	return nil
}

func (e *Engine) removeConnAddresses(c *xfer.Conn) {
	for i, addr := range interfacesToUint64s(c.PerRailRemoteAddrs) {
		if i < len(e.dataRails) {
			_ = e.dataRails[i].av.Remove(addr)
		}
	}
	for i, addr := range interfacesToUint64s(c.ControlRailRemoteAddrs) {
		if i < len(e.controlRails) {
			_ = e.controlRails[i].av.Remove(addr)
		}
	}
}

// handleDisconnectReq runs on the CM thread on receipt of a DISCONNECT_REQ:
// remove the sender's addresses and drop its connection record. A
// self-directed request carrying the shutdown payload instead signals the
// CM thread to exit.
func (e *Engine) handleDisconnectReq(m controlMsg) {
	if m.sender == e.localAgent && string(m.payload) == shutdownPayload {
		return
	}
	e.connMu.Lock()
	c, ok := e.conns[m.sender]
	if ok {
		delete(e.conns, m.sender)
	}
	e.connMu.Unlock()
	if !ok {
		return
	}
	e.removeConnAddresses(c)
	c.SetState(xfer.Disconnected)
}

// openSelfConnection creates the local-loopback connection needed at
// startup to support local transfers and to carry a shutdown wake-up: this
// engine's own rail addresses inserted into its own address vectors,
// connected with no handshake since there is no peer to round-trip with.
func (e *Engine) openSelfConnection() error {
	dataNames, controlNames, err := e.localEndpointNames()
	if err != nil {
		return err
	}
	dataAddrs, err := e.insertRemoteAddresses(e.dataRails, dataNames)
	if err != nil {
		return err
	}
	controlAddrs, err := e.insertRemoteAddresses(e.controlRails, controlNames)
	if err != nil {
		return err
	}
	c := xfer.NewConn(e.localAgent)
	c.PerRailRemoteAddrs = uint64sToInterfaces(dataAddrs)
	c.ControlRailRemoteAddrs = uint64sToInterfaces(controlAddrs)
	c.SetState(xfer.Connected)

	e.connMu.Lock()
	e.conns[e.localAgent] = c
	e.connMu.Unlock()
	return nil
}
