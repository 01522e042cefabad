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

func newServeCmd() *cobra.Command {
	var listen string
	var size int64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register a receive buffer, accept one peer, and wait for its write",
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

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			defer ln.Close()
			log.Info().Str("addr", listen).Msg("waiting for peer")

			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			defer conn.Close()

			buf := make([]byte, size)
			md, err := engine.RegisterMem(xfer.MemDesc{
				VirtAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
				Length:   uintptr(len(buf)),
				MemKind:  xfer.DRAM,
			})
			if err != nil {
				return fmt.Errorf("register receive buffer: %w", err)
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
			log.Info().Msg("connected, waiting for incoming write")

			deadline := time.Now().Add(timeout)
			for {
				notifs := engine.GetNotifs()
				if msgs, ok := notifs[peer.agent]; ok && len(msgs) > 0 {
					for _, m := range msgs {
						log.Info().Str("peer", string(peer.agent)).Bytes("notification", m).Msg("notification received")
					}
					break
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out waiting for peer write")
				}
				time.Sleep(10 * time.Millisecond)
			}

			fmt.Printf("received %d bytes: %q\n", len(buf), string(buf))
			runtime.KeepAlive(buf)
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9000", "TCP address to accept the peer's bootstrap connection on")
	cmd.Flags().Int64Var(&size, "size", 4096, "receive buffer size in bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for connect and the incoming write")

	return cmd
}
