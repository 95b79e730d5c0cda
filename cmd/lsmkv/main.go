package main

import (
	"os"

	"github.com/spf13/cobra"

	"lsmkv/pkg/config"
)

var (
	cfgFile string
	cfg     config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "lsmkv",
	Short:        "LSM-tree key-value store",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := initConfig(cfgFile)
		if err != nil {
			return err
		}
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			loaded.DB.Path = dir
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return initLogger(&cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().String("dir", "", "data directory, overrides db.path")

	rootCmd.AddCommand(newServeCmd(), newSegmentsCmd(), newDumpCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
