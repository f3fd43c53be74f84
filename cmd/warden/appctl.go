package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/config"
	"github.com/wardend/warden/internal/ctl"
)

// client builds a control client against the daemon socket, resolving the
// socket path from the config file when the flag is unset.
func client() (*ctl.Client, error) {
	socket := flagSocket
	if socket == "" {
		_, settings, _, err := config.Load(flagConfig)
		if err != nil {
			socket = config.DefaultSocket
		} else {
			socket = settings.Socket
		}
	}
	return ctl.NewUnixClient(socket), nil
}

var startCmd = &cobra.Command{
	Use:   "start <app>",
	Short: "Start an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		if err := c.Start(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <app>",
	Short: "Stop an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		if err := c.Stop(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopping %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [app]",
	Short: "Show application status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			info, err := c.Get(args[0])
			if err != nil {
				return err
			}
			ctl.PrintApp(cmd.OutOrStdout(), info)
			return nil
		}

		infos, err := c.List()
		if err != nil {
			return err
		}
		ctl.PrintList(cmd.OutOrStdout(), infos)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Shut down the warden daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return c.Shutdown()
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, shutdownCmd)
}
