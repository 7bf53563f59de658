package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/custody-trace/internal/analytics"
	"github.com/sells-group/custody-trace/internal/identity"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Manufacturer dashboards",
}

var analyticsDashboardCmd = &cobra.Command{
	Use:   "dashboard <manufacturer>",
	Short: "Product totals, in-transit count and retailer reach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, closeFn, err := initAnalytics(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		d, err := svc.Dashboard(ctx, args[0])
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, d)
	},
}

var analyticsPartnersCmd = &cobra.Command{
	Use:   "partners <manufacturer>",
	Short: "Retailers that handled the manufacturer's products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, closeFn, err := initAnalytics(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		p, err := svc.Partners(ctx, args[0])
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, p)
	},
}

// initAnalytics needs only the store; the ledger is never consulted.
func initAnalytics(cmd *cobra.Command) (*analytics.Service, func(), error) {
	ctx := cmd.Context()
	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	svc := analytics.NewService(st, identity.NewDirectory(st))
	return svc, func() { _ = st.Close() }, nil
}

func init() {
	analyticsCmd.AddCommand(analyticsDashboardCmd, analyticsPartnersCmd)
	rootCmd.AddCommand(analyticsCmd)
}
