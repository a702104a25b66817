package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"novachain/core"
)

// newWalletCmd groups create_account/import_account/list_accounts/
// export_account/remove_account/set_default_account (spec §6).
func newWalletCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "wallet management"}
	cmd.AddCommand(walletCreateCmd())
	cmd.AddCommand(walletImportCmd())
	cmd.AddCommand(walletListCmd())
	cmd.AddCommand(walletExportCmd())
	cmd.AddCommand(walletRemoveCmd())
	cmd.AddCommand(walletSetDefaultCmd())
	return cmd
}

func openWallet(cmd *cobra.Command) (*core.Wallet, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	path := cfg.Wallet.KeystorePath
	if path == "" {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		path = filepath.Join(dataDir, "wallet.json")
	}
	return core.OpenWallet(path)
}

func walletCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [label] [password]",
		Short: "create_account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd)
			if err != nil {
				return err
			}
			acc, err := w.CreateAccount(args[0], args[1])
			if err != nil {
				return userErr(err)
			}
			fmt.Println(acc.Address)
			return nil
		},
	}
	return cmd
}

func walletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [label] [password] [hex-blob]",
		Short: "import_account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd)
			if err != nil {
				return err
			}
			blob, err := hex.DecodeString(args[2])
			if err != nil {
				return userErr(err)
			}
			acc, err := w.ImportAccount(args[0], args[1], blob)
			if err != nil {
				return userErr(err)
			}
			fmt.Println(acc.Address)
			return nil
		},
	}
}

func walletListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list_accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd)
			if err != nil {
				return err
			}
			for _, acc := range w.ListAccounts() {
				fmt.Printf("%s %s\n", acc.Address, acc.Label)
			}
			return nil
		},
	}
}

func walletExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [address]",
		Short: "export_account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd)
			if err != nil {
				return err
			}
			blob, err := w.ExportAccount(args[0])
			if err != nil {
				return userErr(err)
			}
			fmt.Printf("%x\n", blob)
			return nil
		},
	}
}

func walletRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [address]",
		Short: "remove_account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd)
			if err != nil {
				return err
			}
			if err := w.RemoveAccount(args[0]); err != nil {
				return userErr(err)
			}
			return nil
		},
	}
}

func walletSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default [address]",
		Short: "set_default_account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWallet(cmd)
			if err != nil {
				return err
			}
			if err := w.SetDefaultAccount(args[0]); err != nil {
				return userErr(err)
			}
			return nil
		},
	}
}
