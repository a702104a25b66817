package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newMiningCmd groups new_block/mine_block/start_mining/stop_mining/
// mining_status (spec §6).
func newMiningCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "mining", Short: "block production"}
	cmd.AddCommand(miningNewBlockCmd(log))
	cmd.AddCommand(miningMineCmd(log))
	cmd.AddCommand(miningStartCmd(log))
	cmd.AddCommand(miningStopCmd(log))
	cmd.AddCommand(miningStatusCmd(log))
	return cmd
}

func miningNewBlockCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "new-block [reward-address]",
		Short: "new_block: assemble a candidate without mining it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			addr, err := decodeAddressArg(args[0])
			if err != nil {
				return err
			}
			candidate := n.Miner().AssembleCandidate(addr)
			fmt.Printf("candidate height=%d txs=%d\n", candidate.Header.Height, len(candidate.Transactions))
			return nil
		},
	}
}

func miningMineCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "mine [reward-address]",
		Short: "mine_block: assemble and mine one block, submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			addr, err := decodeAddressArg(args[0])
			if err != nil {
				return err
			}
			candidate := n.Miner().AssembleCandidate(addr)
			result := n.Miner().Mine(context.Background(), candidate)
			if result.Cancelled {
				return userErr(fmt.Errorf("mining cancelled"))
			}
			accept := n.Miner().Submit(result.Block)
			fmt.Printf("outcome=%s hash=%s\n", accept.Outcome.String(), result.Block.Hash().String())
			if accept.Err != nil {
				return userErr(accept.Err)
			}
			return nil
		},
	}
}

func miningStartCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start_mining",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			n.StartMining()
			fmt.Println("mining enabled")
			return nil
		},
	}
}

func miningStopCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "stop_mining",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			n.StopMining()
			fmt.Println("mining disabled")
			return nil
		},
	}
}

func miningStatusCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "mining_status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			fmt.Printf("mining=%v\n", n.Status().Mining)
			return nil
		},
	}
}
