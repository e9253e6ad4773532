// Command poucond is the hardware control core's daemon entry point,
// replacing cmd/iecat's single-protocol CLI with a cobra-driven process
// that boots every component of spec §4 against a configured database
// and runs until signaled.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "poucond",
		Short: "Poultry-house supervisory controller hardware core",
	}

	root.PersistentFlags().String("db", "poucon.db", "Path to the SQLite configuration database.")
	root.PersistentFlags().Bool("dev", false, "Use human-readable console logging instead of JSON.")
	viper.BindPFlag("db", root.PersistentFlags().Lookup("db"))
	viper.BindPFlag("dev", root.PersistentFlags().Lookup("dev"))
	viper.SetEnvPrefix("poucond")
	viper.AutomaticEnv()

	root.AddCommand(newServeCmd(), newValidateCmd(), newSimCmd())
	return root
}
