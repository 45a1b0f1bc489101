package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"pkt.systems/pocketsh/internal/sshkeys"
	"pkt.systems/pslog"
)

func newKeysCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encrypted client keys",
	}
	cmd.AddCommand(newKeysGenerateCmd(cfgPath, false))
	cmd.AddCommand(newKeysGenerateCmd(cfgPath, true))
	cmd.AddCommand(newKeysImportCmd(cfgPath))
	cmd.AddCommand(newKeysShowCmd(cfgPath))
	cmd.AddCommand(newKeysListCmd(cfgPath))
	cmd.AddCommand(newKeysRemoveCmd(cfgPath))
	return cmd
}

func openKeyStore(cmd *cobra.Command, cfgPath string) (*sshkeys.Store, string, error) {
	cfg, err := loadConfig(cmd, cfgPath)
	if err != nil {
		return nil, "", err
	}
	store, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.KeyDir, pslog.Ctx(cmd.Context()))
	if err != nil {
		return nil, "", err
	}
	return store, cfg.Keys.DefaultType, nil
}

func newKeysGenerateCmd(cfgPath *string, rotate bool) *cobra.Command {
	var keyType string
	var keyBits int
	use, short := "generate <name>", "Generate a new client key"
	if rotate {
		use, short = "rotate <name>", "Replace a client key with fresh material"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, defaultType, err := openKeyStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			if keyType == "" {
				keyType = defaultType
			}
			var pub string
			if rotate {
				pub, err = store.RotateKey(args[0], keyType, keyBits)
			} else {
				pub, err = store.GenerateKey(args[0], keyType, keyBits)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(pub))
			return err
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "key type (ed25519 or rsa; default from config)")
	cmd.Flags().IntVar(&keyBits, "bits", sshkeys.DefaultRSABits, "key size when using rsa")
	return cmd
}

func newKeysImportCmd(cfgPath *string) *cobra.Command {
	var passphraseFromStdin bool
	cmd := &cobra.Command{
		Use:   "import <name> <private-key-file>",
		Short: "Encrypt an existing private key into the key store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openKeyStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			pemBytes, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			defer clear(pemBytes)
			var passphrase []byte
			if passphraseFromStdin {
				passphrase, err = readSecretLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
				defer clear(passphrase)
			}
			pub, err := store.ImportKey(args[0], pemBytes, passphrase)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(pub))
			return err
		},
	}
	cmd.Flags().BoolVar(&passphraseFromStdin, "passphrase-from-stdin", false, "read the key passphrase from stdin")
	return cmd
}

func newKeysShowCmd(cfgPath *string) *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a key's authorized_keys line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openKeyStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			pub, err := store.LoadPublicKey(args[0])
			if err != nil {
				return err
			}
			pub = strings.TrimSpace(pub)
			out := cmd.OutOrStdout()
			if showQR {
				qrterminal.GenerateHalfBlock(pub, qrterminal.L, out)
			}
			_, err = fmt.Fprintln(out, pub)
			return err
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "also render the public key as a QR code")
	return cmd
}

func newKeysListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openKeyStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			keys, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range keys {
				_, _ = fmt.Fprintf(out, "%s\t%s\n", key.Name, strings.TrimSpace(key.PublicKey))
			}
			return nil
		},
	}
}

func newKeysRemoveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openKeyStore(cmd, *cfgPath)
			if err != nil {
				return err
			}
			return store.RemoveKey(args[0])
		},
	}
}

func readSecretLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
