package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/custody-trace/internal/identity"
	"github.com/sells-group/custody-trace/internal/model"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the actor identity directory",
}

var identityRegisterCmd = &cobra.Command{
	Use:   "register <address>",
	Short: "Register or update an actor identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		company, _ := cmd.Flags().GetString("company")
		roleFlag, _ := cmd.Flags().GetString("role")
		location, _ := cmd.Flags().GetString("location")
		contact, _ := cmd.Flags().GetString("contact")
		phone, _ := cmd.Flags().GetString("phone")

		role, err := parseRole(roleFlag)
		if err != nil {
			return err
		}

		dir := identity.NewDirectory(st)
		id := model.Identity{
			Address:            args[0],
			CompanyName:        company,
			Role:               role,
			RegisteredLocation: location,
			ContactPerson:      contact,
			ContactPhone:       phone,
		}
		if err := dir.Register(ctx, id); err != nil {
			return err
		}

		saved, err := dir.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, saved)
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show a registered identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		id, err := identity.NewDirectory(st).Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		if id == nil {
			return eris.Errorf("identity %s is not registered", args[0])
		}
		return printOutput(cmd.OutOrStdout(), outputFormat, id)
	},
}

func init() {
	identityRegisterCmd.Flags().String("company", "", "company name")
	identityRegisterCmd.Flags().String("role", "", "manufacturer or retailer")
	identityRegisterCmd.Flags().String("location", "", "registered location")
	identityRegisterCmd.Flags().String("contact", "", "contact person")
	identityRegisterCmd.Flags().String("phone", "", "contact phone")
	_ = identityRegisterCmd.MarkFlagRequired("company")
	_ = identityRegisterCmd.MarkFlagRequired("role")

	identityCmd.AddCommand(identityRegisterCmd, identityShowCmd)
	rootCmd.AddCommand(identityCmd)
}
