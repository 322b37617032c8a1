package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/fakeagent/internal/ble"
	"github.com/chaz8081/fakeagent/internal/console"
	"github.com/chaz8081/fakeagent/internal/hotkey"
)

func newRunCmd(a *app) *cobra.Command {
	var noHotkeys, noConsole bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent, triggered by global hotkeys and stdin commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), !noHotkeys, !noConsole)
		},
	}
	cmd.Flags().BoolVar(&noHotkeys, "no-hotkeys", false, "do not register global hotkeys")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin (stdin EOF otherwise exits)")
	return cmd
}

func (a *app) run(ctx context.Context, withHotkeys, withConsole bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printBanner(os.Stdout, a.cfg)

	eng := ble.NewEngine(ble.NewTinyGoAdapter(adapterOptions(a.cfg)), engineOptions(a.cfg))
	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()

	if withHotkeys {
		listener := hotkey.NewListener(hotkeyBindings(a.cfg)...)
		go listener.Start()
		go forwardHotkeys(listener.Events(), eng)
		defer listener.Stop()
		slog.Info("Hotkeys ready", "bindings", listener.Bindings())
	}

	if withConsole {
		go func() {
			if err := console.Serve(ctx, os.Stdin, os.Stdout, eng); err != nil {
				slog.Warn("console stopped", "error", err)
			}
			stop()
		}()
	}

	err := <-errc
	slog.Info("Goodbye!")
	return err
}

// triggers is the part of the engine driven by hotkeys.
type triggers interface {
	Enroll()
	Auth()
}

// forwardHotkeys turns hotkey presses into engine triggers until events is
// closed.
func forwardHotkeys(events <-chan hotkey.Event, eng triggers) {
	for ev := range events {
		slog.Info("Hotkey pressed", "action", ev.Action)
		switch ev.Action {
		case hotkey.ActionEnroll:
			eng.Enroll()
		case hotkey.ActionAuth:
			eng.Auth()
		}
	}
}
