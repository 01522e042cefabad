package rconn

import (
	"context"
	"fmt"

	"github.com/fabriclink/xferengine/internal/verbs"
	"github.com/fabriclink/xferengine/pkg/wire"
	"github.com/fabriclink/xferengine/pkg/xfer"
)

// remoteEndpoint is one worker's dialable address as carried in a
// GetConnInfo blob.
type remoteEndpoint struct {
	Lid uint16
	Gid [16]byte
	Qpn uint32
	Psn uint32
	MTU uint32
}

func encodeEndpoint(ep remoteEndpoint) []byte {
	return wire.NewEncoder().
		PutUint16("lid", ep.Lid).
		PutBytes("gid", ep.Gid[:]).
		PutUint32("qpn", ep.Qpn).
		PutUint32("psn", ep.Psn).
		PutUint32("mtu", ep.MTU).
		Bytes()
}

func decodeEndpoint(blob []byte) (remoteEndpoint, error) {
	d, err := wire.Decode(blob)
	if err != nil {
		return remoteEndpoint{}, err
	}
	d.Require("lid", "gid", "qpn", "psn", "mtu")
	if err := d.CheckMandatory(); err != nil {
		return remoteEndpoint{}, err
	}
	var ep remoteEndpoint
	ep.Lid, err = d.Uint16("lid")
	if err != nil {
		return remoteEndpoint{}, err
	}
	copy(ep.Gid[:], d.Bytes("gid"))
	ep.Qpn, err = d.Uint32("qpn")
	if err != nil {
		return remoteEndpoint{}, err
	}
	ep.Psn, err = d.Uint32("psn")
	if err != nil {
		return remoteEndpoint{}, err
	}
	ep.MTU, err = d.Uint32("mtu")
	if err != nil {
		return remoteEndpoint{}, err
	}
	return ep, nil
}

// GetConnInfo serializes every worker's queue-pair address into an opaque
// blob: the local agent id plus a table with one record per worker. Each
// worker gets a fresh, unbound QueuePair purely to harvest
// its LID/GID/QPN/PSN; Connect later creates the QPs actually used once
// the remote side's table is known, since a QP's remote-facing state
// can't be set until then anyway.
func (e *Engine) GetConnInfo() ([]byte, error) {
	tbl := wire.NewTable()
	for range e.workers {
		ep := remoteEndpoint{
			Lid: e.ctx.LID(),
			Gid: e.ctx.GID(),
			MTU: e.ctx.MTU(),
		}
		// Qpn/Psn are harvested from a scratch QP; a real deployment pins
		// one persistent QP per worker from construction instead of
		// re-harvesting here, but the wire shape is unaffected.
		cq := e.workers[0].cq
		qp, err := verbs.NewQueuePair(e.ctx, e.pd, cq)
		if err != nil {
			return nil, xfer.NewError(xfer.Backend, "GetConnInfo", e.localAgent, err)
		}
		ep.Qpn = qp.Qpn()
		ep.Psn = qp.Psn()
		_ = qp.Close()
		tbl.Add(encodeEndpoint(ep))
	}
	return wire.NewEncoder().
		PutString("agnt", string(e.localAgent)).
		PutBytes("work", tbl.Encode()).
		Bytes(), nil
}

// LoadRemoteConnInfo records agent's serialized endpoint table. Idempotent
// per agent; fails InvalidParam if remote info was already loaded for this
// agent without an intervening Disconnect.
func (e *Engine) LoadRemoteConnInfo(agent xfer.AgentID, blob []byte) error {
	d, err := wire.Decode(blob)
	if err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}
	d.Require("agnt", "work")
	if err := d.CheckMandatory(); err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}
	records, err := wire.DecodeTable(d.Bytes("work"))
	if err != nil {
		return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, err)
	}
	endpoints := make([]remoteEndpoint, 0, len(records))
	for _, rec := range records {
		ep, decErr := decodeEndpoint(rec)
		if decErr != nil {
			return xfer.NewError(xfer.Mismatch, "LoadRemoteConnInfo", agent, decErr)
		}
		endpoints = append(endpoints, ep)
	}

	e.connMu.Lock()
	defer e.connMu.Unlock()
	if existing, ok := e.conns[agent]; ok && len(existing.PerRailRemoteAddrs) > 0 {
		return xfer.NewError(xfer.InvalidParam, "LoadRemoteConnInfo", agent, fmt.Errorf("remote conn info already loaded"))
	}
	c := xfer.NewConn(agent)
	addrs := make([]interface{}, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep
	}
	c.PerRailRemoteAddrs = addrs
	e.conns[agent] = c
	return nil
}

// Connect creates one local queue pair per worker against a round-robin
// remote worker address and drives each through INIT/RTR/RTS, then wires
// a notification send/receive pair on the same queue pairs.
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
		// Decision: erase-on-disconnect-only; Connect after Failed starts
		// a fresh handshake against the same remote addresses.
		remote := c.PerRailRemoteAddrs
		c = xfer.NewConn(agent)
		c.PerRailRemoteAddrs = remote
		e.conns[agent] = c
	}
	c.SetState(xfer.ReqSent)
	e.connMu.Unlock()

	endpoints := make([]remoteEndpoint, len(c.PerRailRemoteAddrs))
	for i, v := range c.PerRailRemoteAddrs {
		endpoints[i] = v.(remoteEndpoint)
	}
	if len(endpoints) == 0 {
		c.SetState(xfer.Failed)
		return xfer.NewError(xfer.InvalidParam, "Connect", agent, fmt.Errorf("empty remote endpoint table"))
	}

	localEndpoints := make([]interface{}, len(e.workers))
	for i, w := range e.workers {
		remote := endpoints[i%len(endpoints)]
		qp, err := verbs.NewQueuePair(e.ctx, e.pd, w.cq)
		if err != nil {
			c.SetState(xfer.Failed)
			return xfer.NewError(xfer.Backend, "Connect", agent, err)
		}
		if err := verbs.ModifyToRTS(qp, remote.MTU, remote.Lid, remote.Gid, remote.Qpn, remote.Psn); err != nil {
			_ = qp.Close()
			c.SetState(xfer.Failed)
			return xfer.NewError(xfer.Backend, "Connect", agent, err)
		}
		w.mu.Lock()
		w.qps[agent] = qp
		w.mu.Unlock()
		localEndpoints[i] = remoteEndpoint{Lid: e.ctx.LID(), Gid: e.ctx.GID(), Qpn: qp.Qpn(), Psn: qp.Psn(), MTU: e.ctx.MTU()}

		if err := e.setupNotifyChannel(w, agent); err != nil {
			c.SetState(xfer.Failed)
			return xfer.NewError(xfer.Backend, "Connect", agent, err)
		}
	}

	e.connMu.Lock()
	c.PerRailEndpoints = localEndpoints
	c.AgentIndex = uint16(len(e.conns))
	e.connMu.Unlock()

	c.SetState(xfer.Connected)
	e.log.Info().Str("remote", string(agent)).Msg("connected")
	return nil
}

// setupNotifyChannel allocates a small send and receive buffer on w for
// agent's active-message traffic and pre-posts the receive.
func (e *Engine) setupNotifyChannel(w *worker, agent xfer.AgentID) error {
	sendMR, err := verbs.NewMemoryRegion(e.pd, notificationBufSize)
	if err != nil {
		return err
	}
	recvMR, err := verbs.NewMemoryRegion(e.pd, notificationBufSize)
	if err != nil {
		_ = sendMR.Close()
		return err
	}

	w.mu.Lock()
	w.notifyMR[agent] = &notifyBufs{sendMR: sendMR, recvMR: recvMR}
	qp := w.qps[agent]
	w.mu.Unlock()

	return e.postNotifyReceive(w, agent, qp)
}

func (e *Engine) postNotifyReceive(w *worker, agent xfer.AgentID, qp *verbs.QueuePair) error {
	w.mu.Lock()
	nb := w.notifyMR[agent]
	w.mu.Unlock()
	if nb == nil {
		return fmt.Errorf("rconn: no notify buffers for agent %s", agent)
	}

	rwr := verbs.NewReceiveWorkRequest(nb.recvMR)
	e.pendingMu.Lock()
	e.pendingByWrID[rwr.WrID()] = &pending{notif: &pendingNotif{agent: agent}}
	e.pendingMu.Unlock()

	if err := qp.PostReceive(rwr); err != nil {
		return err
	}
	w.mu.Lock()
	nb.recvWR = rwr
	w.mu.Unlock()
	return nil
}

// Disconnect tears down agent's connection: every worker's queue pair and
// notify buffers, then erases the connection record (the only path that
// erases it; see Connect's Failed-path handling).
func (e *Engine) Disconnect(agent xfer.AgentID) error {
	e.connMu.Lock()
	c, ok := e.conns[agent]
	if !ok {
		e.connMu.Unlock()
		return xfer.NewError(xfer.NotFound, "Disconnect", agent, nil)
	}
	delete(e.conns, agent)
	e.connMu.Unlock()

	c.SetState(xfer.Disconnected)

	for _, w := range e.workers {
		w.mu.Lock()
		if qp, ok := w.qps[agent]; ok {
			_ = qp.Close()
			delete(w.qps, agent)
		}
		if nb, ok := w.notifyMR[agent]; ok {
			if nb.recvWR != nil {
				nb.recvWR.Close()
			}
			_ = nb.sendMR.Close()
			_ = nb.recvMR.Close()
			delete(w.notifyMR, agent)
		}
		w.mu.Unlock()
	}
	return nil
}
