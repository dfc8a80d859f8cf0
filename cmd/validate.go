package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rom/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the daemon configuration file",
	Long: `Load the configuration file given by --config the way the daemon does,
including environment overrides and defaults, and print the effective
configuration.

Examples:
  rom validate -c /etc/rom/rom.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, os.Stdout)
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(w, "VALID: %s\n", path)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"rom": cfg}); err != nil {
		return err
	}
	return enc.Close()
}
