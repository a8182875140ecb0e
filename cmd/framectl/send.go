package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/framewire/internal/client"
	"github.com/spf13/cobra"
)

func dialFromFlags(ctx context.Context, root *rootFlags, cf connFlags) (*client.Conn, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	ccfg, err := clientConfig(cfg, cf)
	if err != nil {
		return nil, err
	}
	c, err := client.New(ccfg)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}

func newSendCmd(root *rootFlags) *cobra.Command {
	var (
		cf      connFlags
		ff      frameFlags
		timeout time.Duration
		noReply bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect, send one frame and print the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.frame()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := dialFromFlags(ctx, root, cf)
			if err != nil {
				return err
			}
			defer conn.Close()

			if noReply {
				return conn.Send(ctx, f)
			}
			reply, err := conn.Request(ctx, f)
			if err != nil && reply.Command == 0 {
				return err
			}
			if perr := printFrame(cmd.OutOrStdout(), reply); perr != nil {
				return perr
			}
			return err
		},
	}
	bindConnFlags(cmd, &cf)
	bindFrameFlags(cmd, &ff)
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "do not wait for a reply")
	return cmd
}

func newPingCmd(root *rootFlags) *cobra.Command {
	var (
		cf       connFlags
		count    int
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure CmdPing/CmdPong round trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := dialFromFlags(ctx, root, cf)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			for i := 1; i <= count; i++ {
				rtt, err := conn.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pong seq=%d conn=%s rtt=%s\n", i, conn.ID(), rtt)
				if i == count {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
			return nil
		},
	}
	bindConnFlags(cmd, &cf)
	cmd.Flags().IntVarP(&count, "count", "n", 4, "number of pings")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between pings")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
