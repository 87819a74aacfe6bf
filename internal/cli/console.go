package cli

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// consolePrompt is the interactive prompt.
const consolePrompt = "boardcore> "

// historyFileName lives next to the backend images.
const historyFileName = "history"

// runConsole drives the interactive console: line editing, history and
// command-name completion over the same command table the one-shot
// mode uses. The console owns stdin, so an in-console rxbin reads its
// byte stream via --from; putb64s has no such flag and reads stdin.
func runConsole(env *Env, o *IO) int {
	l := liner.NewLiner()
	defer l.Close()

	l.SetCtrlCAborts(true)

	l.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range allCommands(env) {
			name := c.Name()
			if strings.HasPrefix(name, strings.ToLower(line)) {
				out = append(out, name+" ")
			}
		}

		return out
	})

	historyPath := filepath.Join(env.Cfg.ImageDir, historyFileName)

	if f, err := os.Open(historyPath); err == nil { //nolint:gosec
		_, _ = l.ReadHistory(f)
		_ = f.Close()
	}

	defer saveHistory(l, env.Cfg.ImageDir, historyPath)

	o.Println("boardcore console - 'help' lists commands, 'exit' leaves")

	for {
		line, err := l.Prompt(consolePrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}

			if errors.Is(err, io.EOF) {
				o.Println()

				return 0
			}

			o.Errorln("error:", err)

			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		l.AppendHistory(line)

		fields := strings.Fields(line)

		switch fields[0] {
		case "exit", "quit", "q":
			return 0
		case "help", "?":
			printUsage(o, allCommands(env))

			continue
		}

		// Fresh command table per line: flag sets start clean.
		_ = dispatch(o, allCommands(env), fields)
	}
}

func saveHistory(l *liner.State, dir, path string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return
	}

	_, _ = l.WriteHistory(f)
	_ = f.Close()
}
