// Package cli implements ralphctl, the operator CLI for submitting runs,
// inspecting sessions, and tailing daemon activity.
package cli

import (
	"fmt"
	"os"

	"github.com/ralphcore/ralph/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ralphctl",
	Short: "ralphctl - operator CLI for the Ralph agent orchestration engine",
	Long: `ralphctl submits and inspects runs driven by ralphd, the Ralph daemon.

A run drives an AI coding agent through an OpenSpec change's task list one
iteration at a time, gated by an external plan provider and a quality gate,
until every task is done, the change is fully specified, or a failure
escalates.

Example:
  ralphctl run start --change add-auth --project /repo`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ralph.yaml)")
	rootCmd.PersistentFlags().String("registry", "", "path to the run registry sqlite database (default ralph.db)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("registry.dsn", rootCmd.PersistentFlags().Lookup("registry"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ralph")
	}

	viper.SetEnvPrefix("RALPH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// registryPath resolves the sqlite database path every subcommand talks
// to: the registry.dsn config key (set by --registry or the config file),
// or ralph.db when that key is empty.
func registryPath() string {
	if dsn := viper.GetString("registry.dsn"); dsn != "" {
		return dsn
	}
	return "ralph.db"
}
