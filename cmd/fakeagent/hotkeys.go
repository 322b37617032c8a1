package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/fakeagent/internal/hotkey"
)

// newHotkeysCmd is a manual check for the global hotkey listener: it prints
// each configured combo as it is pressed, without touching Bluetooth.
func newHotkeysCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hotkeys",
		Short: "Print configured hotkey presses until Ctrl+C (no Bluetooth)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			listener := hotkey.NewListener(hotkeyBindings(a.cfg)...)
			for _, b := range listener.Bindings() {
				fmt.Fprintf(out, "Listening for %s\n", b)
			}
			fmt.Fprintln(out, "Press Ctrl+C to exit.")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				fmt.Fprintln(out, "\nShutting down...")
				listener.Stop()
			}()

			go func() {
				for ev := range listener.Events() {
					fmt.Fprintf(out, ">>> %s\n", ev.Action)
				}
			}()

			// Blocks until stopped
			listener.Start()
			return nil
		},
	}
}
