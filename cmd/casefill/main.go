// File: cmd/casefill/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/casefill/cmd"
	"github.com/xkilldash9x/casefill/internal/observability"
)

const panicLogName = "panic.log"

// Function variables for mocking in tests.
var (
	osWriteFile = os.WriteFile
	osMkdirAll  = os.MkdirAll
	osExit      = os.Exit
	panicLogDir = defaultPanicLogDir
	execute     = cmd.Execute
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx); err != nil {
		// cmd.Execute already reported the error.
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		osExit(1)
	}
}

// handlePanic records a crash to ~/.casefill/panic.log so it survives the terminal.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	report := fmt.Sprintf("%s\npanic: %v\n\n%s", time.Now().UTC().Format(time.RFC3339), r, debug.Stack())
	path, err := writePanicLog(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", report)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "casefill crashed. Details logged to %s\n", path)
	osExit(2)
}

func writePanicLog(report string) (string, error) {
	dir, err := panicLogDir()
	if err != nil {
		return "", err
	}
	if err := osMkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, panicLogName)
	return path, osWriteFile(path, []byte(report), 0o600)
}

func defaultPanicLogDir() (string, error) {
	return homedir.Expand("~/.casefill")
}
