package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rssi-engine/estimator"
	"rssi-engine/radio"
	"rssi-engine/survey"
)

var (
	estConfigPath string
	estMethod     string
	estThreshold  float64
	estSeed       int64
	estJSON       bool
)

var estimateCmd = &cobra.Command{
	Use:   "estimate <survey.xml>",
	Short: "Estimate the source of a survey file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEstimatorConfig(estConfigPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("method") {
			if cfg.Method, err = estimator.ParseMethod(estMethod); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("threshold") {
			cfg.Threshold = estThreshold
		}
		return runEstimate(args[0], cfg)
	},
}

func init() {
	estimateCmd.Flags().StringVarP(&estConfigPath, "config", "c", "", "estimator YAML config")
	estimateCmd.Flags().StringVarP(&estMethod, "method", "m", "prosac", "robust method (prosac, ransac, msac, lmeds, promeds)")
	estimateCmd.Flags().Float64Var(&estThreshold, "threshold", 1.0, "inlier threshold in dB")
	estimateCmd.Flags().Int64Var(&estSeed, "seed", 0, "random seed, 0 for the clock")
	estimateCmd.Flags().BoolVar(&estJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(estimateCmd)
}

func loadEstimatorConfig(path string) (estimator.Config, error) {
	if path == "" {
		return estimator.DefaultConfig(), nil
	}
	return estimator.LoadConfig(path)
}

// newEstimator builds an estimator from cfg. seed 0 keeps the clock seeded
// generator.
func newEstimator(dim int, cfg estimator.Config, logger log.FieldLogger, seed int64) (*estimator.Estimator, error) {
	e, err := estimator.New(dim)
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(e); err != nil {
		return nil, err
	}
	if err := e.SetLogger(logger); err != nil {
		return nil, err
	}
	if seed != 0 {
		if err := e.SetRand(rand.New(rand.NewSource(seed))); err != nil {
			return nil, err
		}
	}
	return e, nil
}

type estimateOutput struct {
	Source         string    `json:"source"`
	Position       []float64 `json:"position"`
	PowerDbm       float64   `json:"powerDbm"`
	PathLoss       float64   `json:"pathLoss"`
	PositionStd    *float64  `json:"positionStd,omitempty"`
	PowerStd       *float64  `json:"powerStd,omitempty"`
	PathLossStd    *float64  `json:"pathLossStd,omitempty"`
	Readings       int       `json:"readings"`
	Inliers        int       `json:"inliers"`
	Iterations     int       `json:"iterations"`
	ResidualMean   float64   `json:"residualMean"`
	ResidualStdDev float64   `json:"residualStdDev"`
	PositionError  *float64  `json:"positionError,omitempty"`
}

func runEstimate(path string, cfg estimator.Config) error {
	s, err := survey.Load(path)
	if err != nil {
		return err
	}
	if s.Skipped > 0 {
		log.WithFields(log.Fields{"path": path, "skipped": s.Skipped}).Warn("estimate: malformed readings skipped")
	}

	e, err := newEstimator(s.Dim(), cfg, log.WithField("source", s.Source.ID), estSeed)
	if err != nil {
		return err
	}
	if err := e.SetReadings(s.Readings); err != nil {
		return err
	}
	if e.Method().UsesQualityScores() {
		if err := e.SetQualityScores(s.Scores()); err != nil {
			return err
		}
	}
	est, err := e.Estimate()
	if err != nil {
		return fmt.Errorf("estimate %s: %w", path, err)
	}

	out := estimateOutput{
		Source:   est.Source.ID,
		Position: est.Position,
		PowerDbm: est.PowerDbm,
		PathLoss: est.PathLossExponent,
		Readings: len(s.Readings),
	}
	if c := e.ConsensusResult(); c != nil {
		out.Inliers = c.NumInliers
		out.Iterations = c.Iterations
	}
	if est.PositionCovariance != nil {
		out.PositionStd = ptr(est.PositionStdDev())
	}
	if est.PowerVariance != nil {
		out.PowerStd = ptr(est.PowerStdDev())
	}
	if est.PathLossVariance != nil {
		out.PathLossStd = ptr(est.PathLossStdDev())
	}
	st := survey.Residuals(s, est, cfg.Threshold)
	out.ResidualMean, out.ResidualStdDev = st.Mean, st.StdDev
	if s.Truth != nil && len(s.Truth.Position) == len(est.Position) {
		out.PositionError = ptr(est.Position.Distance(s.Truth.Position))
	}

	if estJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printEstimate(&out, est)
	return nil
}

func printEstimate(out *estimateOutput, est *radio.EstimatedSource) {
	fmt.Printf("source      %s\n", out.Source)
	fmt.Printf("position    %s", est.Position.String())
	if out.PositionStd != nil {
		fmt.Printf("  (±%.3f m)", *out.PositionStd)
	}
	fmt.Println()
	fmt.Printf("power       %.2f dBm", out.PowerDbm)
	if out.PowerStd != nil {
		fmt.Printf("  (±%.3f)", *out.PowerStd)
	}
	fmt.Println()
	fmt.Printf("path loss   %.3f", out.PathLoss)
	if out.PathLossStd != nil {
		fmt.Printf("  (±%.3f)", *out.PathLossStd)
	}
	fmt.Println()
	fmt.Printf("inliers     %d/%d after %d iterations\n", out.Inliers, out.Readings, out.Iterations)
	fmt.Printf("residuals   mean %.3f dB, std %.3f dB\n", out.ResidualMean, out.ResidualStdDev)
	if out.PositionError != nil {
		fmt.Printf("error       %.3f m from the simulated source\n", *out.PositionError)
	}
}

func ptr(v float64) *float64 { return &v }
