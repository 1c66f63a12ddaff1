package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/pcap4mcast/internal/config"
)

func newValidateCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), configFile)
			if err != nil {
				return &exitError{code: ExitStartup, err: err}
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return &exitError{code: ExitFailure, err: err}
			}
			out := c.OutOrStdout()
			fmt.Fprintln(out, "configuration is valid")
			fmt.Fprint(out, string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
