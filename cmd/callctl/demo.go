package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/config"
	"github.com/kuuji/callwire/internal/engine"
	"github.com/kuuji/callwire/internal/media"
	"github.com/kuuji/callwire/internal/rowstore"
	"github.com/kuuji/callwire/pkg/callproto"
)

var (
	demoParentID string
	demoChildID  string
	demoHoldTime time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a parent and child engine against each other in-process",
	Long: `demo wires a parent engine and a child engine to a shared
in-memory call record gateway, drives a full outgoing-call/accept/
in-call/end-call cycle between them, and logs every state transition
along the way.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoParentID, "parent-id", "parent-demo", "profile id for the simulated parent")
	demoCmd.Flags().StringVar(&demoChildID, "child-id", "child-demo", "profile id for the simulated child")
	demoCmd.Flags().DurationVar(&demoHoldTime, "hold", 3*time.Second, "how long to stay in-call before the parent ends it")
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pollInterval := config.DefaultAnswerPollInterval

	gw := rowstore.NewMemoryGateway()
	defer gw.Close()

	parent, err := engine.New(engine.Config{
		Deps: engine.Deps{
			Gateway:       gw,
			MediaProvider: media.NewFakeProvider(),
			PollInterval:  pollInterval,
			Logger:        globalLogger,
		},
		Role:      callproto.RoleParent,
		ProfileID: demoParentID,
		OnNotify:  logNotify("parent"),
	})
	if err != nil {
		return fmt.Errorf("creating parent engine: %w", err)
	}

	child, err := engine.New(engine.Config{
		Deps: engine.Deps{
			Gateway:       gw,
			MediaProvider: media.NewFakeProvider(),
			PollInterval:  pollInterval,
			Logger:        globalLogger,
		},
		Role:      callproto.RoleChild,
		ProfileID: demoChildID,
		OnNotify:  logNotify("child"),
	})
	if err != nil {
		return fmt.Errorf("creating child engine: %w", err)
	}

	runCtx, stopRunners := context.WithCancel(ctx)
	defer stopRunners()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ignoreCanceled(parent.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(child.Run(gctx)) })

	if err := parent.StartOutgoingCall(ctx, demoChildID); err != nil {
		stopRunners()
		return fmt.Errorf("starting outgoing call: %w", err)
	}
	globalLogger.Info("parent started outgoing call", "call_id", parent.CallID())

	if err := waitForState(ctx, child, callfsm.StateRinging); err != nil {
		stopRunners()
		return fmt.Errorf("waiting for child to ring: %w", err)
	}
	globalLogger.Info("child is ringing", "call_id", child.CallID())

	if err := child.AcceptIncomingCall(ctx, child.CallID()); err != nil {
		stopRunners()
		return fmt.Errorf("accepting incoming call: %w", err)
	}
	globalLogger.Info("child accepted the call")

	if err := waitForState(ctx, parent, callfsm.StateInCall); err != nil {
		stopRunners()
		return fmt.Errorf("waiting for parent to connect: %w", err)
	}
	if err := waitForState(ctx, child, callfsm.StateInCall); err != nil {
		stopRunners()
		return fmt.Errorf("waiting for child to connect: %w", err)
	}
	globalLogger.Info("call connected on both sides", "hold", demoHoldTime)

	select {
	case <-time.After(demoHoldTime):
	case <-ctx.Done():
		stopRunners()
		return ctx.Err()
	}

	if err := parent.EndCall(ctx); err != nil {
		stopRunners()
		return fmt.Errorf("ending call: %w", err)
	}

	if err := waitForState(ctx, child, callfsm.StateEnded); err != nil {
		stopRunners()
		return fmt.Errorf("waiting for child to see the call end: %w", err)
	}
	globalLogger.Info("call ended on both sides")

	stopRunners()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine runners: %w", err)
	}
	return nil
}

func logNotify(who string) func(message string) {
	return func(message string) {
		globalLogger.Info("notification", "who", who, "message", message)
	}
}

// waitForState polls e.State() until it equals want or ctx is done. The
// engine has no push-based "wait for state" primitive of its own (§6
// exposes State as a plain getter); a short poll loop is the simplest
// driver for a scripted demo.
func waitForState(ctx context.Context, e *engine.Engine, want string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if e.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for state %q, last seen %q: %w", want, e.State(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ignoreCanceled swallows context.Canceled, the expected error from
// Engine.Run when the demo stops the runners after the call completes.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
