package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/pocketsh"
	"pkt.systems/pocketsh/schema"
	"pkt.systems/pslog"
)

// escapeByte is Ctrl-], which ends the interactive session locally.
const escapeByte = 0x1d

var errEscaped = errors.New("session ended by escape key")

func newConnectCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <profile>",
		Short: "Open an interactive shell for a saved profile (Ctrl-] to quit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(cmd, *cfgPath)
			if err != nil {
				return err
			}
			defer closeClient(cmd.Context(), client)
			return runInteractive(cmd.Context(), client, schema.ProfileID(args[0]), cmd.ErrOrStderr())
		},
	}
}

func runInteractive(ctx context.Context, client *pocketsh.Client, profileID schema.ProfileID, errOut io.Writer) error {
	inFd := int(os.Stdin.Fd())
	outFd := int(os.Stdout.Fd())
	if !term.IsTerminal(inFd) || !term.IsTerminal(outFd) {
		return errors.New("connect requires an interactive terminal")
	}
	cols, rows := terminalSize(outFd)

	// Connect before raw mode so a host key prompt reads a normal line.
	state, bridge, err := client.ConnectProfile(ctx, profileID, cols, rows)
	if err != nil {
		return err
	}
	if !state.IsConnected() {
		return connectFailure(state)
	}

	oldState, err := term.MakeRaw(inFd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	scr := newScreen(os.Stdout)
	scr.EnterAltScreen()
	final, loopErr := interactiveLoop(ctx, client, bridge, scr, outFd)
	scr.ExitAltScreen()
	_ = term.Restore(inFd, oldState)

	if errors.Is(loopErr, errEscaped) {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		_, _ = fmt.Fprintln(errOut, "Connection closed.")
		return nil
	}
	if loopErr != nil {
		return loopErr
	}
	if final.Status == schema.StatusError {
		_, _ = fmt.Fprintln(errOut, final.Message)
	}
	return nil
}

type bridgeView interface {
	Write(p []byte)
	Resize(ctx context.Context, cols, rows int)
	Subscribe() (<-chan schema.TerminalSnapshot, func())
	Done() <-chan struct{}
}

func interactiveLoop(ctx context.Context, client *pocketsh.Client, bridge bridgeView, scr *screen, outFd int) (schema.ConnectionState, error) {
	log := pslog.Ctx(ctx)
	snapshots, cancelSnapshots := bridge.Subscribe()
	defer cancelSnapshots()
	states, cancelStates := client.Session().Subscribe()
	defer cancelStates()

	stopResize := watchResize(func() {
		cols, rows := terminalSize(outFd)
		bridge.Resize(ctx, cols, rows)
	})
	defer stopResize()

	input := make(chan error, 1)
	go func() { input <- relayInput(os.Stdin, bridge.Write) }()

	state := client.Session().State()
	for {
		select {
		case <-ctx.Done():
			return state, context.Cause(ctx)
		case err := <-input:
			if err == nil || errors.Is(err, io.EOF) {
				return state, errEscaped
			}
			return state, err
		case next, ok := <-states:
			if !ok {
				return state, nil
			}
			state = next
			if !state.IsConnected() {
				log.Debug("interactive session state changed", "state", state.String())
			}
		case snap, ok := <-snapshots:
			if !ok {
				return state, nil
			}
			if err := scr.Render(snap); err != nil {
				return state, err
			}
			if !snap.Running {
				return client.Session().State(), nil
			}
		case <-bridge.Done():
			return state, nil
		}
	}
}

// relayInput copies r to write until the escape byte or a read error. Bytes
// before the escape byte in the same read are still sent.
func relayInput(r io.Reader, write func([]byte)) error {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, escapeByte); i >= 0 {
				if i > 0 {
					write(chunk[:i])
				}
				return errEscaped
			}
			write(chunk)
		}
		if err != nil {
			return err
		}
	}
}

func terminalSize(fd int) (cols, rows int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return schema.DefaultColumns, schema.DefaultRows
	}
	return cols, rows
}
