package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/fakeagent/internal/ble"
	"github.com/chaz8081/fakeagent/internal/console"
)

type flow int

const (
	flowEnroll flow = iota
	flowAuth
)

func (f flow) String() string {
	if f == flowAuth {
		return "auth"
	}
	return "enroll"
}

var (
	errStalled       = errors.New("session stalled after a transport error")
	errEngineStopped = errors.New("engine stopped")
)

func newFlowCmd(a *app, f flow) *cobra.Command {
	var wait time.Duration
	short := "Run one enrollment session (three rounds, then authentication) and exit"
	if f == flowAuth {
		short = "Run one authentication session and exit"
	}
	cmd := &cobra.Command{
		Use:   f.String(),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runFlow(cmd.Context(), f, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "give up if the session has not ended after this long")
	return cmd
}

func (a *app) runFlow(ctx context.Context, f flow, wait time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	opts := engineOptions(a.cfg)
	opts.AutoEnroll = false
	eng := ble.NewEngine(ble.NewTinyGoAdapter(adapterOptions(a.cfg)), opts)

	ctx, stopEngine := startEngine(ctx, eng.Run)
	st, err := driveFlow(ctx, eng, f, 50*time.Millisecond)
	if runErr := stopEngine(); runErr != nil {
		return runErr
	}
	fmt.Fprintln(os.Stdout, console.FormatStatus(st))
	if err != nil {
		return fmt.Errorf("%s: %w", f, err)
	}
	if st.Outcome != ble.OutcomeCompleted {
		return fmt.Errorf("%s: session %s", f, st.Outcome)
	}
	return nil
}

// startEngine runs run in the background. The returned context is cancelled
// when flowCtx is, or when run returns early, with run's error as the cause.
// stop shuts run down and returns its error.
func startEngine(flowCtx context.Context, run func(context.Context) error) (context.Context, func() error) {
	ctx, cancelFlow := context.WithCancelCause(flowCtx)
	runCtx, cancelRun := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		err := run(runCtx)
		if err != nil {
			cancelFlow(err)
		} else {
			cancelFlow(errEngineStopped)
		}
		errc <- err
	}()
	return ctx, func() error {
		cancelRun()
		return <-errc
	}
}

// flowEngine is the part of ble.Engine a one-shot flow needs.
type flowEngine interface {
	Enroll()
	Auth()
	Status() ble.Status
}

// driveFlow waits for the radio to power on, triggers f, and polls until
// the session it started has ended.
func driveFlow(ctx context.Context, eng flowEngine, f flow, poll time.Duration) (ble.Status, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for !eng.Status().PoweredOn {
		select {
		case <-ctx.Done():
			return eng.Status(), fmt.Errorf("waiting for bluetooth power: %w", context.Cause(ctx))
		case <-ticker.C:
		}
	}

	before := eng.Status().Sessions
	if f == flowAuth {
		eng.Auth()
	} else {
		eng.Enroll()
	}

	for {
		st := eng.Status()
		if st.Sessions > before {
			if !st.Busy {
				return st, nil
			}
			if st.Outcome == ble.OutcomeStalled {
				return st, errStalled
			}
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("waiting for session: %w", context.Cause(ctx))
		case <-ticker.C:
		}
	}
}
