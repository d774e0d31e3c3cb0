package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/session"
	"github.com/spf13/cobra"
)

const newMasterPasswordEnv = "EAS_NEW_MASTER_PASSWORD"

// withKey runs fn with the unlocked content key.
func withKey(fn func(key []byte) error) error {
	a, err := openApp(unlockAlways)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := a.sess.Key()
	if err != nil {
		return err
	}
	return fn(key)
}

func encodingFlag(cmd *cobra.Command, name *string) {
	cmd.Flags().StringVarP(name, "encoding", "e", codec.Base64,
		"filename encoding: "+strings.Join(codec.Names(), ", "))
}

func newEncryptCmd() *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "encrypt <name>...",
		Short: "Encrypt file names with a fresh IV each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := codec.Get(encoding)
			if err != nil {
				return err
			}
			return withKey(func(key []byte) error {
				for _, name := range args {
					enc, _, err := encryption.EncryptFilenameFresh(name, key, c)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), enc)
				}
				return nil
			})
		},
	}
	encodingFlag(cmd, &encoding)
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "decrypt <name>...",
		Short: "Decrypt file names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := codec.Get(encoding)
			if err != nil {
				return err
			}
			return withKey(func(key []byte) error {
				for _, name := range args {
					dec, _, err := encryption.DecryptFilename(name, key, c)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), dec)
				}
				return nil
			})
		},
	}
	encodingFlag(cmd, &encoding)
	return cmd
}

func newEncryptPathCmd() *cobra.Command {
	var encoding, prefix string
	cmd := &cobra.Command{
		Use:   "encrypt-path <path>...",
		Short: "Encrypt every component of paths below a prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := codec.Get(encoding)
			if err != nil {
				return err
			}
			return withKey(func(key []byte) error {
				for _, p := range args {
					enc, _, err := encryption.EncryptPath(p, key, prefix, nil, c)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), enc)
				}
				return nil
			})
		},
	}
	encodingFlag(cmd, &encoding)
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "/", "leading part left in plaintext")
	return cmd
}

func newDecryptPathCmd() *cobra.Command {
	var encoding, prefix string
	cmd := &cobra.Command{
		Use:   "decrypt-path <path>...",
		Short: "Decrypt every component of paths below a prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := codec.Get(encoding)
			if err != nil {
				return err
			}
			return withKey(func(key []byte) error {
				for _, p := range args {
					dec, _, err := encryption.DecryptPath(p, key, prefix, c)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), dec)
				}
				return nil
			})
		},
	}
	encodingFlag(cmd, &encoding)
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "/", "leading part left in plaintext")
	return cmd
}

func newGetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-key",
		Short: "Print the content encryption key in hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return withKey(func(key []byte) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
				return err
			})
		},
	}
}

func newSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key [hex-key]",
		Short: "Replace the content encryption key, random when omitted",
		Long: `Replace the content encryption key stored in the master data. Files
already encrypted with the previous key become unreadable.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			key := make([]byte, encryption.KeySize)
			if len(args) == 1 {
				var err error
				if key, err = hex.DecodeString(args[0]); err != nil {
					return fmt.Errorf("key must be hex: %w", err)
				}
			} else if _, err := rand.Read(key); err != nil {
				return err
			}

			a, err := openApp(unlockAlways)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.sess.SetKey(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green.Render("key updated"))
			return nil
		},
	}
}

func newSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <storage> <token>",
		Short: "Store credentials for a storage type in the master data",
		Long: `Store credentials read by storages configured with "authenticator: token".
For s3 the token is ACCESS_KEY:SECRET_KEY, for sftp it is the password.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockAlways)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.sess.SetToken(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green.Render("token updated"))
			return nil
		},
	}
}

func newSetMasterPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-master-password",
		Short: "Create the master data or change its password",
		Long: `Create the master data or re-encrypt it under a new password. The new
password is read from EAS_NEW_MASTER_PASSWORD, or from the first line of
standard input. Changing an existing password needs the current one in
EAS_MASTER_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := openApp(unlockNever)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, ok := os.LookupEnv(masterPasswordEnv); ok {
				if err := a.unlock(); err != nil && !errors.Is(err, session.ErrNoMasterData) {
					return err
				}
			}

			password, err := readNewPassword(cmd)
			if err != nil {
				return err
			}
			if err := a.sess.SetMasterPassword(password); err != nil {
				if errors.Is(err, session.ErrMasterLocked) {
					return fmt.Errorf("%w: set %s to the current password", err, masterPasswordEnv)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green.Render("master password updated"))
			return nil
		},
	}
}

func readNewPassword(cmd *cobra.Command) (string, error) {
	if p, ok := os.LookupEnv(newMasterPasswordEnv); ok {
		return p, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read new password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("new password cannot be empty")
	}
	return line, nil
}
