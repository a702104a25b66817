package main

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"novachain/core"
)

// newPeerCmd groups connect_peer/disconnect_peer/list_peers/network_info/
// ban_peer/unban_peer (spec §6).
func newPeerCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "peer", Short: "peer management"}
	cmd.AddCommand(peerConnectCmd(log))
	cmd.AddCommand(peerDisconnectCmd(log))
	cmd.AddCommand(peerListCmd(log))
	cmd.AddCommand(peerNetworkInfoCmd(log))
	cmd.AddCommand(peerBanCmd(log))
	cmd.AddCommand(peerUnbanCmd(log))
	return cmd
}

func parsePeerArgs(addrArg, portArg string) (string, int, error) {
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return "", 0, userErr(fmt.Errorf("invalid port: %w", err))
	}
	return addrArg, port, nil
}

func peerConnectCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [address] [port]",
		Short: "connect_peer(addr,port)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			addr, port, err := parsePeerArgs(args[0], args[1])
			if err != nil {
				return err
			}
			info := n.Peers().Connect(addr, port)
			fmt.Printf("connecting to %s state=%d\n", info.Key, info.State)
			return nil
		},
	}
}

func peerDisconnectCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [address] [port]",
		Short: "disconnect_peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			addr, port, err := parsePeerArgs(args[0], args[1])
			if err != nil {
				return err
			}
			key := core.NewPeerKey(addr, port)
			n.Peers().ApplyReputationDelta(key, 0, "disconnect requested")
			fmt.Println("disconnect requested; this one-shot CLI process holds no live session and writes nothing to the persisted peer table, since the live session lives in the running node process")
			return nil
		},
	}
}

func peerListCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list_peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			for _, p := range n.Peers().All() {
				fmt.Printf("%s state=%d reputation=%d\n", p.Key, p.State, p.Reputation)
			}
			return nil
		},
	}
}

func peerNetworkInfoCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "network-info",
		Short: "network_info",
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
			fmt.Printf("peer_count=%d height=%d tip=%s\n", s.PeerCount, s.Height, s.Tip.String())
			return nil
		},
	}
}

func peerBanCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ban [address] [port]",
		Short: "ban_peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			addr, port, err := parsePeerArgs(args[0], args[1])
			if err != nil {
				return err
			}
			key := core.NewPeerKey(addr, port)
			n.Peers().ApplyReputationDelta(key, -1000, "manual ban")
			fmt.Println("banned")
			return nil
		},
	}
}

func peerUnbanCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "unban [address] [port]",
		Short: "unban_peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg, log)
			if err != nil {
				return err
			}
			addr, port, err := parsePeerArgs(args[0], args[1])
			if err != nil {
				return err
			}
			n.Peers().Unban(core.NewPeerKey(addr, port))
			fmt.Println("unbanned")
			return nil
		},
	}
}
