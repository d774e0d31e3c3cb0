package main

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/openmined/eas/internal/config"
	"github.com/openmined/eas/internal/utils"
	"github.com/spf13/cobra"
)

func newMakeConfigCmd() *cobra.Command {
	var force, stdout bool

	cmd := &cobra.Command{
		Use:   "make-config",
		Short: "Write a sample eas.conf into the configuration directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			var buf bytes.Buffer
			if err := config.WriteSample(&buf, config.Sample()); err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}

			dir, err := utils.ResolvePath(configDir())
			if err != nil {
				return err
			}
			path := filepath.Join(dir, config.FileName)
			if utils.FileExists(path) && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := utils.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print instead of writing")
	return cmd
}
