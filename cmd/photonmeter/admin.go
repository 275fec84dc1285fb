package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/energizer-project/photonmeter/internal/capture"
	"github.com/energizer-project/photonmeter/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		result := config.Validate(cfg)
		for _, w := range result.Warnings {
			fmt.Printf("WARNING: [%s] %s\n", w.Field, w.Message)
		}
		if !result.IsValid() {
			for _, e := range result.Errors {
				fmt.Fprintf(os.Stderr, "INVALID: [%s] %s\n", e.Field, e.Message)
			}
			return fmt.Errorf("%d configuration error(s) in %s", len(result.Errors), cfg.Path())
		}
		fmt.Printf("VALID: %s\n", cfg.Path())
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run the interactive setup wizard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ifaces, err := capture.Interfaces()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not list interfaces: %v\n", err)
		}
		return config.RunSetupWizard(cfg, os.Stdin, os.Stdout, ifaces)
	},
}

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List capture interfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaces, err := capture.Interfaces()
		if err != nil {
			return err
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"#", "Interface"})
		tw.SetBorder(true)
		for i, name := range ifaces {
			tw.Append([]string{fmt.Sprint(i + 1), name})
		}
		tw.Render()
		return nil
	},
}
