package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/analysis"
	"github.com/Brownie44l1/dr-api/internal/app"
	"github.com/Brownie44l1/dr-api/internal/config"
	"github.com/Brownie44l1/dr-api/internal/logging"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", os.Getenv("DRSCREEN_CONFIG"), "path to config.yaml")
	verbose := flag.Bool("v", false, "write logs to stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = logging.New(cfg.Server.Mode); err != nil {
			return err
		}
		defer logging.Sync(logger)
	}

	backend, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	interp, err := screening.NewInterpreter(cfg.Model.DRClassIndex)
	if err != nil {
		return err
	}

	ctrl := analysis.NewController(backend.Provider, interp, backend.Loader, logger)
	defer ctrl.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "drscreen> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".drscreen_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = rl.Close()
	}()

	c := newConsole(ctrl, cfg.Constraints(), rl.Stdout())
	fmt.Fprintln(rl.Stdout(), "Enter the path of a retinal image (JPEG or PNG). Type :help for commands.")
	go c.announceModel()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if err != nil { // io.EOF
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if quit := c.handle(line); quit {
			break
		}
	}
	return nil
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem(":help"),
	readline.PcItem(":state"),
	readline.PcItem(":reset"),
	readline.PcItem(":quit"),
)
