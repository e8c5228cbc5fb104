package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parlor/pkg/config"
	"github.com/go-go-golems/parlor/pkg/logging"
)

var version = "dev"

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:           "parlor",
		Short:         "parlor serves multi-user conversation rooms with streamed assistant replies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", configFile)
				}
			}
			// reinitialize the logger now that flags, env and config are parsed
			return logging.Init(logging.Settings{
				Level:  v.GetString("log-level"),
				Format: v.GetString("log-format"),
			})
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "path to a YAML config file")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")
	cobra.CheckErr(v.BindPFlag("log-level", pf.Lookup("log-level")))
	cobra.CheckErr(v.BindPFlag("log-format", pf.Lookup("log-format")))

	rootCmd.AddCommand(newServeCmd(v), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the parlor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := newRootCmd(config.NewViper()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
