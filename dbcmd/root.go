// Package dbcmd holds the lockdb command line.
package dbcmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teru01/lockdb/dbconfig"
	"github.com/teru01/lockdb/dberr"
)

var (
	v    *viper.Viper
	conf dbconfig.Config

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "lockdb",
		Short: "page-level lock manager playground",
		Long: `lockdb grants shared and exclusive page locks to transactions under
strict two-phase locking and refuses requests that would deadlock.`,
		PersistentPreRunE: loadConfig,
		SilenceUsage:      true,
	}
)

func init() {
	v = dbconfig.New()

	RootCmd.AddCommand(shellCmd)
	RootCmd.AddCommand(stressCmd)

	flags := RootCmd.PersistentFlags()
	flags.String(dbconfig.KeyConfigFile, "", "config file (toml, yaml or json)")
	flags.String(dbconfig.KeyDataDir, v.GetString(dbconfig.KeyDataDir), "directory of the page store")
	flags.Int(dbconfig.KeyPageSize, v.GetInt(dbconfig.KeyPageSize), "page size in bytes")
	flags.Int(dbconfig.KeyBufferSize, v.GetInt(dbconfig.KeyBufferSize), "pages the buffer pool caches")
	flags.Duration(dbconfig.KeyLockWaitTimeout, v.GetDuration(dbconfig.KeyLockWaitTimeout), "longest wait for one lock, 0 waits forever")
	flags.String(dbconfig.KeyLogLevel, v.GetString(dbconfig.KeyLogLevel), "debug, info, warn or error")
	flags.Bool(dbconfig.KeyInMemory, false, "keep pages in memory only")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if err := dbconfig.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	var err error
	conf, err = dbconfig.Load(v)
	if err != nil {
		return err
	}
	conf.SetupLogger()
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		dberr.HandleErrorLog(slog.Default(), err)
		os.Exit(1)
	}
}
