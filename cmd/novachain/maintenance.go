package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"novachain/core"
)

// newMaintenanceCmd groups validate_chain/export_chain/import_chain/reset/
// backup/restore (spec §6).
func newMaintenanceCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "chain maintenance operations"}
	cmd.AddCommand(maintenanceValidateCmd(log))
	cmd.AddCommand(maintenanceExportCmd(log))
	cmd.AddCommand(maintenanceImportCmd(log))
	cmd.AddCommand(maintenanceResetCmd(log))
	cmd.AddCommand(maintenanceBackupCmd(log))
	cmd.AddCommand(maintenanceRestoreCmd(log))
	return cmd
}

func maintenanceValidateCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "validate_chain: full replay/verify pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cm, _, _, err := buildChainManager(cfg)
			if err != nil {
				return err
			}
			report := cm.VerifyChain()
			fmt.Printf("ok=%v blocks_checked=%d failed_height=%d err=%v\n",
				report.OK, report.BlocksChecked, report.FailedHeight, report.Err)
			if !report.OK {
				return userErr(fmt.Errorf("chain validation failed at height %d", report.FailedHeight))
			}
			return nil
		},
	}
}

// exportedBlock is one line of an export_chain archive: a JSON-encoded block
// per line, ordered by height, so import_chain can stream it back in without
// holding the whole chain in memory.
type exportedBlock struct {
	Header       core.BlockHeader   `json:"header"`
	Transactions []core.Transaction `json:"transactions"`
}

func maintenanceExportCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "export-chain [path]",
		Short: "export_chain(path): write every block as newline-delimited JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cm, _, _, err := buildChainManager(cfg)
			if err != nil {
				return err
			}
			f, err := os.Create(args[0])
			if err != nil {
				return userErr(err)
			}
			defer f.Close()

			w := bufio.NewWriter(f)
			defer w.Flush()
			enc := json.NewEncoder(w)

			var count uint64
			for h := uint64(0); ; h++ {
				b, ok, err := cm.GetBlockByHeight(h)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if err := enc.Encode(exportedBlock{Header: b.Header, Transactions: b.Transactions}); err != nil {
					return userErr(err)
				}
				count++
			}
			fmt.Printf("exported %d blocks to %s\n", count, args[0])
			return nil
		},
	}
}

func maintenanceImportCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "import-chain [path]",
		Short: "import_chain(path): replay an export_chain archive block by block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cm, _, _, err := buildChainManager(cfg)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return userErr(err)
			}
			defer f.Close()

			dec := json.NewDecoder(bufio.NewReader(f))
			var count uint64
			for {
				var eb exportedBlock
				if err := dec.Decode(&eb); err != nil {
					if errors.Is(err, io.EOF) {
						break
					}
					return userErr(err)
				}
				block := &core.Block{Header: eb.Header, Transactions: eb.Transactions}
				result := cm.SubmitBlock(block)
				if result.Outcome == core.OutcomeInvalid {
					return userErr(fmt.Errorf("import rejected at height %d: %v", eb.Header.Height, result.Err))
				}
				count++
			}
			fmt.Printf("imported %d blocks from %s\n", count, args[0])
			return nil
		},
	}
}

func maintenanceResetCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "reset: wipe the configured storage directories back to an empty chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			confirmed, _ := cmd.Flags().GetBool("yes")
			if !confirmed {
				return userErr(fmt.Errorf("reset is destructive; pass --yes to confirm"))
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(cfg.Storage.BlocksDir); err != nil {
				return userErr(err)
			}
			if err := os.RemoveAll(cfg.Storage.StateDir); err != nil {
				return userErr(err)
			}
			fmt.Println("storage reset; next start will bootstrap a fresh genesis")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm destructive reset")
	return cmd
}

func maintenanceBackupCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [path]",
		Short: "backup(path): coordinated block+state store backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cm, blocks, state, err := buildChainManager(cfg)
			if err != nil {
				return err
			}
			if err := core.BackupChain(cm, blocks, state, args[0]); err != nil {
				return userErr(err)
			}
			fmt.Printf("backup written to %s\n", args[0])
			return nil
		},
	}
}

func maintenanceRestoreCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [path]",
		Short: "restore(path): coordinated block+state store restore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			blocks, state, err := openStores(cfg)
			if err != nil {
				return err
			}
			if err := core.RestoreChain(blocks, state, args[0]); err != nil {
				return userErr(err)
			}
			fmt.Printf("restored from %s\n", args[0])
			return nil
		},
	}
}
