package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/custody"
	"github.com/sells-group/custody-trace/internal/store"
)

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Create, move and inspect products",
}

// -- product create --

var productCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a product with its manufacturer hop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "write")
		if err != nil {
			return err
		}
		defer env.Close()

		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")
		location, _ := cmd.Flags().GetString("location")
		actor, _ := cmd.Flags().GetString("actor")
		imagePath, _ := cmd.Flags().GetString("image")
		flags, _ := cmd.Flags().GetStringSlice("flag")

		image, err := readImage(imagePath)
		if err != nil {
			return err
		}

		res, err := env.Pipeline.CreateProduct(ctx, custody.CreateRequest{
			ProductID:   id,
			ProductName: name,
			Location:    location,
			Actor:       actor,
			Flags:       flags,
			Image:       image,
		})
		if err != nil {
			return err
		}
		logDegraded(res)
		return printOutput(cmd.OutOrStdout(), outputFormat, res)
	},
}

// -- product hop --

var productHopCmd = &cobra.Command{
	Use:   "hop <product-id>",
	Short: "Record a retailer hop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "write")
		if err != nil {
			return err
		}
		defer env.Close()

		location, _ := cmd.Flags().GetString("location")
		actor, _ := cmd.Flags().GetString("actor")
		imagePath, _ := cmd.Flags().GetString("image")
		flags, _ := cmd.Flags().GetStringSlice("flag")

		image, err := readImage(imagePath)
		if err != nil {
			return err
		}

		res, err := env.Pipeline.AddHop(ctx, custody.HopRequest{
			ProductID: args[0],
			Location:  location,
			Actor:     actor,
			Flags:     flags,
			Image:     image,
		})
		if err != nil {
			return err
		}
		if !res.Confirmed {
			zap.L().Warn("hop recorded before ledger confirmation",
				zap.String("product_id", res.ProductID),
				zap.String("tx_hash", res.TxHash),
				zap.Error(res.LedgerErr),
			)
		}
		logDegraded(res)
		return printOutput(cmd.OutOrStdout(), outputFormat, res)
	},
}

// -- product get --

var productGetCmd = &cobra.Command{
	Use:   "get <product-id>",
	Short: "Show the reconciled custody history of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Reconciler.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, p)
	},
}

// -- product complete --

var productCompleteCmd = &cobra.Command{
	Use:   "complete <product-id>",
	Short: "Mark a product completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "write")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.CompleteProduct(ctx, args[0])
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, res)
	},
}

// -- product list --

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored product records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		manufacturer, _ := cmd.Flags().GetString("manufacturer")
		actor, _ := cmd.Flags().GetString("actor")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := st.ListProducts(ctx, store.ProductFilter{
			Manufacturer: manufacturer,
			Actor:        actor,
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, recs)
	},
}

func logDegraded(res *custody.CommitResult) {
	if res.Degraded {
		zap.L().Error("ledger committed but attribution store write failed",
			zap.String("product_id", res.ProductID),
			zap.String("tx_hash", res.TxHash),
			zap.Error(res.StoreErr),
		)
	}
}

func init() {
	productCreateCmd.Flags().String("id", "", "product id (generated when empty)")
	productCreateCmd.Flags().String("name", "", "product name")
	productCreateCmd.Flags().String("location", "", "manufacturing location")
	productCreateCmd.Flags().String("actor", "", "manufacturer address")
	productCreateCmd.Flags().String("image", "", "path to a reference image")
	productCreateCmd.Flags().StringSlice("flag", nil, "client flag to attach (repeatable)")
	_ = productCreateCmd.MarkFlagRequired("location")
	_ = productCreateCmd.MarkFlagRequired("actor")

	productHopCmd.Flags().String("location", "", "hop location")
	productHopCmd.Flags().String("actor", "", "retailer address")
	productHopCmd.Flags().String("image", "", "path to a hop image")
	productHopCmd.Flags().StringSlice("flag", nil, "client flag to attach (repeatable)")
	_ = productHopCmd.MarkFlagRequired("location")
	_ = productHopCmd.MarkFlagRequired("actor")

	productListCmd.Flags().String("manufacturer", "", "filter by manufacturer address")
	productListCmd.Flags().String("actor", "", "filter by any hop actor")
	productListCmd.Flags().Int("limit", 100, "maximum records")

	productCmd.AddCommand(productCreateCmd, productHopCmd, productGetCmd, productCompleteCmd, productListCmd)
	rootCmd.AddCommand(productCmd)
}
