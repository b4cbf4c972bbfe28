package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rssi-engine/radio"
	"rssi-engine/survey"
)

var (
	simOutput string
	simSource []float64
	simSeed   int64
	simCfg    = survey.DefaultSimulateConfig()
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Write a synthetic survey around a known source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := simCfg
		cfg.Source = radio.Point(simSource)
		seed := simSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s, err := survey.Simulate(rand.New(rand.NewSource(seed)), cfg)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"readings": len(s.Readings),
			"seed":     seed,
			"source":   cfg.Source.String(),
		}).Info("simulate: survey drawn")
		if simOutput == "" || simOutput == "-" {
			return survey.Write(os.Stdout, s)
		}
		if err := survey.Save(simOutput, s); err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
		return nil
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVarP(&simOutput, "output", "o", "", "output file (default: stdout)")
	f.Float64SliceVar(&simSource, "source", []float64{0, 0, 0}, "source position, 2 or 3 coordinates in metres")
	f.Int64Var(&simSeed, "seed", 0, "random seed, 0 for the clock")
	f.StringVar(&simCfg.ID, "id", simCfg.ID, "source id")
	f.Float64Var(&simCfg.Frequency, "frequency", 0, "carrier in Hz, 0 for 2.4 GHz")
	f.Float64Var(&simCfg.PowerDbm, "power", simCfg.PowerDbm, "transmitted power in dBm")
	f.Float64Var(&simCfg.PathLossExponent, "path-loss", simCfg.PathLossExponent, "path-loss exponent")
	f.IntVarP(&simCfg.Readings, "readings", "n", simCfg.Readings, "number of readings")
	f.Float64Var(&simCfg.Extent, "extent", simCfg.Extent, "half width of the area readings are drawn from, metres")
	f.Float64Var(&simCfg.MinRange, "min-range", simCfg.MinRange, "closest reading to the source, metres")
	f.Float64Var(&simCfg.NoiseStdDev, "noise", simCfg.NoiseStdDev, "gaussian RSSI noise in dB")
	f.Float64Var(&simCfg.OutlierRatio, "outliers", simCfg.OutlierRatio, "fraction of blunders")
	f.Float64Var(&simCfg.OutlierMin, "outlier-min", simCfg.OutlierMin, "smallest blunder in dB")
	f.Float64Var(&simCfg.OutlierMax, "outlier-max", simCfg.OutlierMax, "largest blunder in dB")
	rootCmd.AddCommand(simulateCmd)
}
