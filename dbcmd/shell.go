package dbcmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/teru01/lockdb/dbexecutor"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Drive named transactions interactively",
	Long: `Start a REPL in which each named transaction runs on its own goroutine.
A command that has to wait for a lock prints WAITING and its result shows up
once the lock is granted or the request is refused. Type help for commands.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func runShell(cmd *cobra.Command, _ []string) error {
	db, err := dbexecutor.Open(conf, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	historyFile := ""
	if !conf.InMemory {
		historyFile = filepath.Join(conf.DataDir, ".lockdb_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "lockdb> ",
		HistoryFile: historyFile,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	e := dbexecutor.NewExecutor(db, dbexecutor.WithNotify(func(res dbexecutor.ExecuteResult) {
		fmt.Fprintln(rl.Stdout(), res.String())
	}))
	defer e.Close()

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			slog.Error("reading input", slog.Any("error", err))
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		fmt.Fprintln(rl.Stdout(), e.Execute(ctx, line).String())
	}
}
