package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

func newStateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset persisted cursor state",
		Long: `Scopes are "<source>/<stream>", e.g. "slack/messages".
The store is the one configured in the pipeline file.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [prefix]",
		Short: "List stored scopes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withStore(cmd, v, func(store state.Store) error {
				scopes, err := store.Scopes(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				for _, s := range scopes {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <scope>",
		Short: "Print the state of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(store state.Store) error {
				data, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(data)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <scope>",
		Short: "Delete the state of a scope; the next run starts from start_date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(store state.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func withStore(cmd *cobra.Command, v *viper.Viper, fn func(state.Store) error) error {
	pc, err := loadPipeline(v)
	if err != nil {
		return err
	}
	store, err := state.Open(cmd.Context(), pc.State)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
