package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iTrooz/offline-agent/internal/proxy"
)

var generationsCmd = &cobra.Command{
	Use:     "generations",
	Aliases: []string{"gen"},
	Short:   "Inspect and sweep cache generations",
}

var generationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cache generation in the storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := proxy.New(cfg)
		if err != nil {
			return err
		}
		infos, err := server.Generations().List(cmd.Context())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No cache generation")
			return nil
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(infos)
	},
}

var sweepKeep []string

var generationsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete every generation except the active one and those given with --keep",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := proxy.New(cfg)
		if err != nil {
			return err
		}
		removed, err := server.Generations().Sweep(cmd.Context(), sweepKeep...)
		if err != nil {
			return err
		}
		for _, name := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
		}
		if len(removed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to sweep")
		}
		return nil
	},
}

func init() {
	generationsSweepCmd.Flags().StringSliceVar(&sweepKeep, "keep", nil, "generations to keep besides the active one")
	generationsCmd.AddCommand(generationsListCmd, generationsSweepCmd)
}
