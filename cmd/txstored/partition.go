package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"txstore/internal/config"
	"txstore/internal/membership"
	"txstore/internal/partition"
)

func newPartitionCommand() *cobra.Command {
	var rootkeys bool
	cmd := &cobra.Command{
		Use:   "partition [key...]",
		Short: "Print the owner group of each key under the configured keyspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			part, err := buildPartitioner(&cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootkeys {
				for _, rk := range part.Rootkeys() {
					fmt.Fprintf(out, "%s\t%s\n", rk.Key, rk.Group)
				}
			}
			for _, key := range args {
				group, err := part.Resolve(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", key, group)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rootkeys, "rootkeys", false, "also print every rootkey")
	return cmd
}

func buildPartitioner(cfg *config.Config) (*partition.Partitioner, error) {
	view, err := membership.NewStatic(cfg.Replica.ID, cfg.Roster())
	if err != nil {
		return nil, err
	}
	part := partition.New(view)
	for _, ks := range cfg.Keyspaces {
		dist, err := partition.ParseDistribution(ks.Distribution)
		if err != nil {
			return nil, err
		}
		if err := part.Assign(ks.Template, dist); err != nil {
			return nil, err
		}
	}
	return part, nil
}
