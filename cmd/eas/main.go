package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/eas/internal/config"
	"github.com/openmined/eas/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	masterPasswordEnv = "EAS_MASTER_PASSWORD"
	configDirEnv      = "EAS_CONFIG_DIR"
)

var (
	logLevel       = new(slog.LevelVar)
	consoleHandler slog.Handler
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "eas",
		Short:         "Encrypted one-way sync between local and remote storages",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadFlags(cmd)
		},
	}

	rootCmd.PersistentFlags().StringP("config-dir", "c", config.DefaultConfigDir, "configuration directory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on the console")

	rootCmd.AddCommand(
		newSyncCmd(),
		newScanCmd(),
		newDiffsCmd(),
		newRmDupCmd(),
		newDuplicatesCmd(),
		newDownloadCmd(),
		newEncryptCmd(),
		newDecryptCmd(),
		newEncryptPathCmd(),
		newDecryptPathCmd(),
		newSetKeyCmd(),
		newGetKeyCmd(),
		newSetTokenCmd(),
		newSetMasterPasswordCmd(),
		newMakeConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func loadFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlag("config_dir", cmd.Flags().Lookup("config-dir")); err != nil {
		return err
	}
	if err := viper.BindEnv("config_dir", configDirEnv); err != nil {
		return err
	}
	if err := viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose")); err != nil {
		return err
	}

	if viper.GetBool("verbose") {
		logLevel.Set(slog.LevelDebug)
	}
	return nil
}

// configDir resolves --config-dir, then EAS_CONFIG_DIR, then the default.
func configDir() string {
	return viper.GetString("config_dir")
}

func main() {
	consoleHandler = tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(consoleHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var caught atomic.Value
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		caught.Store(sig)
		slog.Warn("received signal, stopping", "signal", sig)
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	signal.Stop(sigs)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, red.Render("error:"), err)
	}

	sig, _ := caught.Load().(os.Signal)
	os.Exit(exitCode(err, sig))
}

// exitCode is 0 on success, 1 on error, 130 after an interrupt and 128+n
// after any other terminating signal n.
func exitCode(err error, sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		if s == syscall.SIGINT {
			return 130
		}
		return 128 + int(s)
	}
	if err != nil {
		return 1
	}
	return 0
}
