package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rssi-engine/server"
)

var (
	servePort  int
	serveFlags serviceFlags
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Estimate sources live from anchor scans received over UDP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx, &serveFlags)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.srv.Listen(servePort); err != nil {
			return err
		}
		go svc.srv.Start()

		<-ctx.Done()
		log.Info("shutting down")
		svc.srv.Stop()
		svc.srv.Flush()
		st := svc.srv.Stats()
		log.WithFields(log.Fields{
			"datagrams": st.Datagrams,
			"scans":     st.Scans,
			"bad":       st.BadFrames,
			"runs":      st.Runs,
			"failures":  st.Failures,
		}).Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", server.DefaultPort, "UDP port to listen on")
	serveFlags.register(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}
