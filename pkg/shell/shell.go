// Package shell runs short synchronous helper commands (blkid, lsblk,
// findmnt, docker compose ps). Long-running operations go through the task
// runner instead.
package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

// Output runs the command and returns its trimmed stdout, for the many
// single-value probes (findmnt -n -o SOURCE, blkid -o value).
func Output(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	res, err := Run(ctx, timeout, name, args...)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(res.Stdout)), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
