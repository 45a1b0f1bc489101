package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pocketsh/internal/logx"
	"pkt.systems/pocketsh/schema"
)

// DefaultExecTimeout bounds ExecuteCommand when the caller passes no timeout.
const DefaultExecTimeout = 30 * time.Second

// ExecuteCommand runs command on a fresh channel of the open transport and
// collects its output. It returns nil, nil when no connection is open. When
// the command does not finish within timeout the channel is closed and the
// partial output is returned with TimedOut set and ExitCode -1.
func (s *Session) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*schema.CommandResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)
	if s.conn == nil {
		return nil, nil
	}
	log := logx.WithEndpoint(s.logger, s.target.host, s.target.port, s.target.user)
	exec, err := s.conn.OpenExec(command)
	if err != nil {
		log.Warn("session exec open failed", "err", err)
		return nil, fmt.Errorf("open exec: %w", err)
	}
	closeExec := func() {
		if err := exec.Close(); err != nil && !errors.Is(err, io.EOF) {
			log.Debug("session exec close failed", "err", err)
		}
	}
	log.Debug("session exec start", "timeout", timeout)
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout, stderr bytes.Buffer
	var drains errgroup.Group
	drains.Go(func() error {
		_, err := io.Copy(&stdout, exec.Stdout())
		return err
	})
	drains.Go(func() error {
		_, err := io.Copy(&stderr, exec.Stderr())
		return err
	})
	var drainErr error
	drained := make(chan struct{})
	go func() {
		drainErr = drains.Wait()
		close(drained)
	}()

	timedOut := func(reason string) (*schema.CommandResult, error) {
		closeExec()
		<-drained
		log.Warn("session exec timed out", "reason", reason, "elapsed", time.Since(start))
		return &schema.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, TimedOut: true}, nil
	}
	canceled := func() (*schema.CommandResult, error) {
		closeExec()
		<-drained
		return nil, ctx.Err()
	}

	select {
	case <-drained:
		if drainErr != nil {
			log.Debug("session exec drain ended", "err", drainErr)
		}
	case <-timer.C:
		return timedOut("output")
	case <-ctx.Done():
		return canceled()
	}

	exited := make(chan execExit, 1)
	go func() {
		code, err := exec.Wait()
		exited <- execExit{code: code, err: err}
	}()
	select {
	case res := <-exited:
		closeExec()
		if res.err != nil {
			log.Debug("session exec wait", "err", res.err)
		}
		log.Info("session exec done", "exit_code", res.code, "elapsed", time.Since(start))
		return &schema.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: res.code}, nil
	case <-timer.C:
		return timedOut("exit")
	case <-ctx.Done():
		return canceled()
	}
}

type execExit struct {
	code int
	err  error
}
