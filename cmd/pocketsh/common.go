package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pocketsh"
	"pkt.systems/pocketsh/internal/appconfig"
	"pkt.systems/pocketsh/internal/hostkeys"
	"pkt.systems/pslog"
)

// consoleOptions maps a config log level onto console logger options.
// Unknown levels keep the logger default.
func consoleOptions(level string) pslog.Options {
	opts := pslog.Options{Mode: pslog.ModeConsole}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		opts.MinLevel = pslog.TraceLevel
	case "debug":
		opts.MinLevel = pslog.DebugLevel
	case "info":
		opts.MinLevel = pslog.InfoLevel
	case "error":
		opts.MinLevel = pslog.ErrorLevel
	}
	return opts
}

// loadConfig reads the config and rebuilds the command logger at the
// configured level. Environment settings still win.
func loadConfig(cmd *cobra.Command, cfgPath string) (appconfig.Config, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if cfg.Logging.Level != "" {
		logger := pslog.LoggerFromEnv(
			pslog.WithEnvWriter(os.Stderr),
			pslog.WithEnvOptions(consoleOptions(cfg.Logging.Level)),
		)
		cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
	}
	return cfg, nil
}

// openClient loads config and builds a client. Unknown host keys are
// confirmed on the terminal when stdin is interactive.
func openClient(cmd *cobra.Command, cfgPath string) (*pocketsh.Client, error) {
	cfg, err := loadConfig(cmd, cfgPath)
	if err != nil {
		return nil, err
	}
	return pocketsh.New(cfg, pocketsh.ClientDeps{
		ConfirmHostKey: promptHostKey(cmd.InOrStdin(), cmd.ErrOrStderr()),
		Logger:         pslog.Ctx(cmd.Context()),
	})
}

// promptHostKey asks on out and reads a yes/no answer from in.
func promptHostKey(in io.Reader, out io.Writer) hostkeys.Confirmer {
	reader := bufio.NewReader(in)
	return func(address, fingerprint string, _ ssh.PublicKey) bool {
		_, _ = fmt.Fprintf(out, "The authenticity of host %s can't be established.\n", address)
		_, _ = fmt.Fprintf(out, "Key fingerprint is %s.\n", fingerprint)
		_, _ = fmt.Fprint(out, "Trust this host and continue connecting (yes/no)? ")
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func closeClient(ctx context.Context, client *pocketsh.Client) {
	if err := client.Close(); err != nil {
		pslog.Ctx(ctx).Warn("client close failed", "err", err)
	}
}
