package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Administer the ledger contract",
}

var ledgerAllowCmd = &cobra.Command{
	Use:   "allow <address>",
	Short: "Add or remove an address from the manufacturer or retailer allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "write")
		if err != nil {
			return err
		}
		defer env.Close()

		roleFlag, _ := cmd.Flags().GetString("role")
		revoke, _ := cmd.Flags().GetBool("revoke")

		role, err := parseRole(roleFlag)
		if err != nil {
			return err
		}

		conf, err := env.Pipeline.Authorize(ctx, role, args[0], !revoke)
		if err != nil {
			return err
		}
		zap.L().Info("allowlist updated",
			zap.String("address", args[0]),
			zap.String("role", string(role)),
			zap.Bool("allowed", !revoke),
			zap.String("tx_hash", conf.TxHash),
		)
		return printOutput(cmd.OutOrStdout(), outputFormat, conf)
	},
}

func init() {
	ledgerAllowCmd.Flags().String("role", "", "manufacturer or retailer")
	ledgerAllowCmd.Flags().Bool("revoke", false, "remove the address instead of adding it")
	_ = ledgerAllowCmd.MarkFlagRequired("role")

	ledgerCmd.AddCommand(ledgerAllowCmd)
	rootCmd.AddCommand(ledgerCmd)
}
