package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/filecache/internal/config"
)

func newConfigCmd() *cobra.Command {
	var write string
	var defaults bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if !defaults {
				var err error
				if cfg, err = config.Load(configFile); err != nil {
					return err
				}
			}
			if write != "" {
				return cfg.Save(write)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "print the defaults, ignoring file and environment")
	cmd.Flags().StringVar(&write, "write", "", "write the configuration to this file instead of printing it")
	return cmd
}
