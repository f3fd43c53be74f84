package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "warden",
	Short:         "warden -- embedded application supervisor",
	Long:          "Warden supervises sandboxed application bundles on embedded devices.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfig string
	flagSocket string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "/etc/warden/warden.toml", "config file")
	rootCmd.PersistentFlags().StringVarP(&flagSocket, "socket", "s", "", "daemon control socket (defaults to the configured path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
