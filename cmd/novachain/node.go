package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newNodeCmd groups start_node/stop_node/node_status (spec §6).
func newNodeCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "node lifecycle"}
	cmd.AddCommand(nodeStartCmd(log))
	cmd.AddCommand(nodeStopCmd())
	cmd.AddCommand(nodeStatusCmd(log))
	return cmd
}

// nodeStopCmd maps stop_node (spec §6): the node is a single foreground
// process, so stopping it means signalling the running process directly
// rather than issuing a second CLI invocation.
func nodeStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop_node: send SIGTERM to a running node process",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, _ := cmd.Flags().GetInt("pid")
			if pid <= 0 {
				return userErr(fmt.Errorf("stop requires --pid of the running node process"))
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return userErr(err)
			}
			return proc.Signal(syscall.SIGTERM)
		},
	}
	cmd.Flags().Int("pid", 0, "process id of the running node")
	return cmd
}

func nodeStartCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start_node: initialize and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Info("shutdown signal received")
			return n.Stop()
		},
	}
}

func nodeStatusCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "node_status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			s := n.Status()
			fmt.Printf("state=%d height=%d tip=%s mempool=%d peers=%d mining=%v\n",
				s.State, s.Height, s.Tip.String(), s.MempoolLen, s.PeerCount, s.Mining)
			return nil
		},
	}
}
