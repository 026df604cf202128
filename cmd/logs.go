package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the casefill log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			path := cfg.Logger().LogFile
			if path == "" {
				return fmt.Errorf("logger.log_file is not set; casefill only logs to the console")
			}
			offset, err := tailOffset(path, lines)
			if err != nil {
				return err
			}

			t, err := tail.TailFile(path, tail.Config{
				Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			defer t.Cleanup()
			defer t.Stop()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return t.Wait()
					}
					if line.Err != nil {
						return line.Err
					}
					fmt.Fprintln(out, line.Text)
				}
			}
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing lines as they are written")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 50, "start this many lines from the end (0 prints the whole file)")
	return logsCmd
}

// tailOffset returns the byte offset where the last n lines of path begin.
func tailOffset(path string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("log file %s does not exist yet", path)
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	const chunk = 8 * 1024
	end := info.Size()
	pos := end
	seen := 0
	buf := make([]byte, chunk)
	for pos > 0 {
		size := int64(chunk)
		if pos < size {
			size = pos
		}
		pos -= size
		if _, err := f.ReadAt(buf[:size], pos); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		block := buf[:size]
		for i := len(block) - 1; i >= 0; i-- {
			if block[i] != '\n' {
				continue
			}
			// A newline that ends the file does not start a line.
			if pos+int64(i) == end-1 {
				continue
			}
			seen++
			if seen == n {
				return pos + int64(i) + 1, nil
			}
		}
	}
	return 0, nil
}
