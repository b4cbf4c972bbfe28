package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rssi-engine/binlog"
	"rssi-engine/radio"
	"rssi-engine/server"
	"rssi-engine/survey"
)

var (
	extractOutput    string
	extractProject   string
	extractSource    string
	extractDim       int
	extractFrequency float64
	extractRSSIStd   float64
	extractNoCRC     bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <capture>",
	Short: "Turn the scans of a capture into one survey file per source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capture, err := binlog.Parse(args[0], !extractNoCRC)
		if err != nil {
			return err
		}
		anchors := server.NewAnchorTable()
		if extractProject != "" {
			if anchors, err = server.LoadProjectAnchors(extractProject); err != nil {
				return err
			}
		}
		anchors.Merge(capture.Anchors)
		if anchors.Len() == 0 {
			return fmt.Errorf("extract: no anchor positions in %s", args[0])
		}

		surveys := make(map[uint32]*survey.Survey)
		unknown := 0
		for _, ev := range capture.Events {
			for _, scan := range ev.Scans {
				id := server.SourceID(scan.Source)
				if extractSource != "" && !strings.EqualFold(extractSource, id) {
					continue
				}
				src := radio.Source{ID: id, Frequency: extractFrequency}
				readings, scores, n := anchors.Readings(scan, src, extractDim, extractRSSIStd)
				unknown += n
				s := surveys[scan.Source]
				if s == nil {
					s = &survey.Survey{Source: src}
					surveys[scan.Source] = s
				}
				s.Readings = append(s.Readings, readings...)
				s.QualityScores = append(s.QualityScores, scores...)
			}
		}
		if unknown > 0 {
			log.WithField("samples", unknown).Warn("extract: samples from unknown anchors dropped")
		}

		if err := os.MkdirAll(extractOutput, 0o755); err != nil {
			return err
		}
		addrs := make([]uint32, 0, len(surveys))
		for addr, s := range surveys {
			if len(s.Readings) > 0 {
				addrs = append(addrs, addr)
			}
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for _, addr := range addrs {
			s := surveys[addr]
			path := filepath.Join(extractOutput, s.Source.ID+".xml")
			if err := survey.Save(path, s); err != nil {
				return err
			}
			fmt.Printf("%s  %d readings\n", path, len(s.Readings))
		}
		if len(addrs) == 0 {
			return fmt.Errorf("extract: no scans found in %s", args[0])
		}
		return nil
	},
}

func init() {
	f := extractCmd.Flags()
	f.StringVarP(&extractOutput, "output", "o", ".", "directory for the survey files")
	f.StringVar(&extractProject, "project", "", "project.xml with anchor positions")
	f.StringVar(&extractSource, "source", "", "only extract this source id")
	f.IntVar(&extractDim, "dim", 3, "write 2 or 3 dimensional positions")
	f.Float64Var(&extractFrequency, "frequency", 0, "source carrier in Hz, 0 for 2.4 GHz")
	f.Float64Var(&extractRSSIStd, "rssi-std", 0, "RSSI standard deviation assigned to every reading, dB")
	f.BoolVar(&extractNoCRC, "no-crc", false, "accept frames with a bad CRC")
	rootCmd.AddCommand(extractCmd)
}
