package main

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/fabriclink/xferengine/pkg/xfer"
)

func newPushCmd() *cobra.Command {
	var addr string
	var message string
	var timeout time.Duration
	var notify bool

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Dial a peer's serve command and write a message into its receive buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCmdConfig()
			if err != nil {
				return err
			}
			log := setupLogger(cfg.LogLevel)

			engine, err := buildEngine(cfg, xfer.AgentID(cfg.Agent), log)
			if err != nil {
				return err
			}
			defer engine.Close()

			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			buf := []byte(message)
			md, err := engine.RegisterMem(xfer.MemDesc{
				VirtAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
				Length:   uintptr(len(buf)),
				MemKind:  xfer.DRAM,
			})
			if err != nil {
				return fmt.Errorf("register send buffer: %w", err)
			}
			defer engine.DeregisterMem(md)

			pub, err := engine.GetPublicData(md)
			if err != nil {
				return fmt.Errorf("get public data: %w", err)
			}
			connInfo, err := engine.GetConnInfo()
			if err != nil {
				return fmt.Errorf("get conn info: %w", err)
			}

			local := hello{
				agent:      xfer.AgentID(cfg.Agent),
				connInfo:   connInfo,
				pubMD:      pub,
				remoteAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
				length:     uint64(len(buf)),
			}
			peer, err := exchangeHello(conn, local)
			if err != nil {
				return err
			}
			log.Info().Str("peer", string(peer.agent)).Msg("peer hello received")

			if err := engine.LoadRemoteConnInfo(peer.agent, peer.connInfo); err != nil {
				return fmt.Errorf("load remote conn info: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := engine.Connect(ctx, peer.agent); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			remoteMD, err := engine.LoadRemoteMD(peer.agent, peer.pubMD)
			if err != nil {
				return fmt.Errorf("load remote md: %w", err)
			}
			defer engine.UnloadMD(remoteMD)

			if uint64(len(buf)) > peer.length {
				return fmt.Errorf("message (%d bytes) exceeds peer's receive buffer (%d bytes)", len(buf), peer.length)
			}

			localDesc := xfer.MemDesc{VirtAddr: local.remoteAddr, Length: uintptr(len(buf)), MemKind: xfer.DRAM}
			remoteDesc := xfer.MemDesc{VirtAddr: peer.remoteAddr, Length: uintptr(len(buf)), MemKind: xfer.DRAM}

			req, err := engine.PrepXfer(xfer.Write, []xfer.MemDesc{localDesc}, []xfer.MemDesc{remoteDesc}, peer.agent, md, remoteMD, xfer.PrepOpts{})
			if err != nil {
				return fmt.Errorf("prep xfer: %w", err)
			}
			defer engine.ReleaseReqH(req)

			opts := xfer.XferOpts{}
			if notify {
				opts.HasNotif = true
				opts.Notification = []byte(fmt.Sprintf("push from %s: %d bytes", cfg.Agent, len(buf)))
			}
			if err := engine.PostXfer(req, opts); err != nil {
				return fmt.Errorf("post xfer: %w", err)
			}

			deadline := time.Now().Add(timeout)
			for {
				err := engine.CheckXfer(req)
				if err == nil {
					break
				}
				if xerr, ok := err.(*xfer.Error); !ok || xerr.Status != xfer.InProgress {
					return fmt.Errorf("check xfer: %w", err)
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out waiting for write to complete")
				}
				time.Sleep(5 * time.Millisecond)
			}

			fmt.Printf("pushed %d bytes to %s\n", len(buf), peer.agent)
			runtime.KeepAlive(buf)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "TCP address of the peer's serve command")
	cmd.Flags().StringVar(&message, "message", "hello over rdma", "message to write into the peer's receive buffer")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for connect and the write's completion")
	cmd.Flags().BoolVar(&notify, "notify", true, "attach a notification to the write so the peer's serve command wakes immediately")

	return cmd
}
