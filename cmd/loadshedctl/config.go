package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/khryptorgraphics/loadshed/internal/config"
)

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the engine's configuration",
	}
	cmd.AddCommand(newConfigValidateCmd(configPath))
	cmd.AddCommand(newConfigDumpCmd(configPath))
	return cmd
}

// newConfigDumpCmd prints the fully-resolved configuration (defaults plus
// file plus environment overrides) back out as YAML, so an operator can see
// exactly what Load settled on without re-deriving it from three sources.
func newConfigDumpCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the fully-resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				colorStatus(false, "load: %v", err)
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the config and report every validation error found",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				colorStatus(false, "load: %v", err)
				return err
			}
			colorStatus(true, "config loaded")

			if err := cfg.ValidateExtended(); err != nil {
				if verrs, ok := err.(config.ValidationErrors); ok {
					for _, v := range verrs {
						colorStatus(false, "%s", v.Error())
					}
				} else {
					colorStatus(false, "%v", err)
				}
				return fmt.Errorf("validation failed")
			}

			colorStatus(true, "no validation errors")
			return nil
		},
	}
}
