// rssiloc estimates radio sources from RSSI readings: offline from survey
// files and captures, or live from anchors reporting scans over UDP.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "rssiloc",
	Short: "Robust radio source localisation from RSSI readings",
	Long: `rssiloc locates a radio source and estimates its transmitted power and
path-loss exponent from RSSI readings taken at known positions. Outlying
readings are rejected with PROSAC, RANSAC, MSAC, LMedS or PROMedS before a
Levenberg-Marquardt refinement.

Examples:
  rssiloc simulate -o survey.xml --readings 200 --outliers 0.3
  rssiloc estimate survey.xml --method prosac
  rssiloc serve --project project.xml --http 8080
  rssiloc replay PKTSBIN_20240101120000.pcap --project project.xml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		if logJSON {
			log.SetFormatter(&log.JSONFormatter{})
		} else {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
