package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rssi-engine/server"
)

var (
	replaySpeed float64
	replayFlags serviceFlags
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Run a recorded capture through the live pipeline",
	Long: `replay feeds the datagrams of a capture through the same buffering and
estimation as serve. Anchors recorded in the capture are added to those of
--project. Every run is printed; the configured outputs receive them too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx, &replayFlags)
		if err != nil {
			return err
		}
		defer svc.Close()
		svc.srv.AddPublisher(printPublisher{})

		go func() {
			<-ctx.Done()
			svc.srv.Stop()
		}()
		if err := svc.srv.Replay(args[0], replaySpeed); err != nil {
			return err
		}
		svc.srv.Flush()
		st := svc.srv.Stats()
		fmt.Printf("%d datagrams, %d scans, %d bad frames, %d runs, %d failed\n",
			st.Datagrams, st.Scans, st.BadFrames, st.Runs, st.Failures)
		return nil
	},
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "replay speed relative to the recording, 0 as fast as possible")
	replayFlags.register(replayCmd.Flags())
	rootCmd.AddCommand(replayCmd)
}

// printPublisher writes one line per run to stdout.
type printPublisher struct{}

func (printPublisher) Publish(_ context.Context, r *server.Result) error {
	ts := r.Time.Format("15:04:05.000")
	if r.Err != nil {
		fmt.Printf("%s %s run %s failed after %d readings: %v\n", ts, r.Source.ID, r.RunID, r.Readings, r.Err)
		return nil
	}
	est := r.Estimated
	fmt.Printf("%s %s %s power %.2f dBm path loss %.3f inliers %d/%d\n",
		ts, r.Source.ID, est.Position.String(), est.PowerDbm, est.PathLossExponent, r.Inliers, r.Readings)
	return nil
}
