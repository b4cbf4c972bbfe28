// Package server ingests RSSI scan frames over UDP, buffers the readings of
// every scanned source and estimates the source once enough readings have
// arrived. Results go to the configured publishers.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"rssi-engine/binlog"
	"rssi-engine/estimator"
	"rssi-engine/radio"
	"rssi-engine/store"
)

const (
	DefaultPort   = 44333
	MaxPacketSize = 65535
)

type Config struct {
	Dim int
	// Window is the number of buffered readings of one source that triggers
	// a run.
	Window int
	// Frequency is the carrier of the scanned sources, 0 for the default.
	Frequency float64
	// RSSIStdDev is assigned to every reading when positive.
	RSSIStdDev float64
	VerifyCRC  bool
	// Seed makes runs reproducible. 0 seeds every run from the clock.
	Seed      int64
	Estimator estimator.Config
}

func DefaultConfig() Config {
	return Config{
		Dim:       3,
		Window:    40,
		VerifyCRC: true,
		Estimator: estimator.DefaultConfig(),
	}
}

// minReadings checks c and returns the smallest buffer a run accepts.
func (c Config) minReadings() (int, error) {
	e, err := estimator.New(c.Dim)
	if err != nil {
		return 0, err
	}
	if err := c.Estimator.Apply(e); err != nil {
		return 0, err
	}
	need := e.PreliminarySubsetSize()
	if m := e.MinReadings(); m > need {
		need = m
	}
	if c.Window < need {
		return 0, fmt.Errorf("server: window of %d readings, a run needs %d", c.Window, need)
	}
	if c.RSSIStdDev < 0 || c.Frequency < 0 {
		return 0, errors.New("server: negative reading deviation or frequency")
	}
	return need, nil
}

// Stats counts ingest activity since start.
type Stats struct {
	Datagrams      int
	Scans          int
	BadFrames      int
	UnknownAnchors int
	Runs           int
	Failures       int
}

type buffer struct {
	src      radio.Source
	last     time.Time
	readings []radio.Reading
	scores   []float64
}

type Server struct {
	cfg         Config
	minReadings int
	anchors     *AnchorTable
	conn        *net.UDPConn
	capture     *binlog.Writer
	priors      Priors
	stopped     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc

	mu         sync.Mutex
	publishers []Publisher
	buffers    map[uint32]*buffer
	sources    map[string]*wsSource
	stats      Stats
	runSeq     int64
}

// New checks cfg against the estimator and returns an idle server. A nil
// table starts empty; captures replayed later may fill it.
func New(cfg Config, anchors *AnchorTable) (*Server, error) {
	need, err := cfg.minReadings()
	if err != nil {
		return nil, err
	}
	if anchors == nil {
		anchors = NewAnchorTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		minReadings: need,
		anchors:     anchors,
		ctx:         ctx,
		cancel:      cancel,
		buffers:     make(map[uint32]*buffer),
		sources:     make(map[string]*wsSource),
	}, nil
}

func (s *Server) Anchors() *AnchorTable { return s.anchors }

// SetCapture records every received datagram to w, starting with the
// anchor table.
func (s *Server) SetCapture(w *binlog.Writer) error {
	if err := w.WriteAnchors(s.anchors.Anchors()); err != nil {
		return err
	}
	s.capture = w
	return nil
}

func (s *Server) AddPublisher(p Publisher) {
	s.mu.Lock()
	s.publishers = append(s.publishers, p)
	s.mu.Unlock()
}

// SetPriors seeds each run with the source's last known model.
func (s *Server) SetPriors(p Priors) {
	s.priors = p
}

// Restore loads previously stored models into the source list.
func (s *Server) Restore(models []store.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range models {
		s.sources[models[i].ID] = wsSourceFromModel(&models[i])
	}
}

// Sources lists the latest estimate of every source, ordered by id.
func (s *Server) Sources() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*wsSource, 0, len(s.sources))
	for _, src := range s.sources {
		cp := *src
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Listen binds the UDP socket on all interfaces; port 0 picks a free one.
func (s *Server) Listen(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return err
	}
	conn.SetReadBuffer(256 * 1024)
	s.conn = conn
	return nil
}

func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Start reads datagrams until Stop.
func (s *Server) Start() {
	buf := make([]byte, MaxPacketSize)
	log.WithField("addr", s.conn.LocalAddr().String()).Info("server: UDP listening")

	for !s.stopped.Load() {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.stopped.Load() {
				return
			}
			log.WithError(err).Warn("server: read")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data, addr, time.Now())
	}
}

func (s *Server) Stop() {
	s.stopped.Store(true)
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Server) handlePacket(data []byte, addr *net.UDPAddr, ts time.Time) {
	if s.capture != nil {
		if err := s.capture.WritePacketAt(ts, binlog.FlagScan, addr, data); err != nil {
			log.WithError(err).Warn("server: capture write failed")
		}
	}

	scans, bad := binlog.DecodeScans(data, s.cfg.VerifyCRC)
	s.mu.Lock()
	s.stats.Datagrams++
	s.stats.Scans += len(scans)
	s.stats.BadFrames += bad
	s.mu.Unlock()
	if bad > 0 {
		log.WithFields(log.Fields{"from": addr.String(), "bad": bad}).Warn("server: damaged frames skipped")
	}

	for _, scan := range scans {
		s.handleScan(scan, ts)
	}
}

// handleScan buffers the readings of scan and runs the estimator once the
// source's buffer holds a full window. The buffer starts over afterwards.
func (s *Server) handleScan(scan binlog.Scan, ts time.Time) {
	src := radio.Source{ID: SourceID(scan.Source), Frequency: s.cfg.Frequency}
	readings, scores, unknown := s.anchors.Readings(scan, src, s.cfg.Dim, s.cfg.RSSIStdDev)
	if unknown > 0 {
		log.WithFields(log.Fields{"source": src.ID, "unknown": unknown}).Debug("server: samples from unknown anchors")
	}

	s.mu.Lock()
	s.stats.UnknownAnchors += unknown
	b := s.buffers[scan.Source]
	if b == nil {
		b = &buffer{src: src}
		s.buffers[scan.Source] = b
	}
	b.last = ts
	b.readings = append(b.readings, readings...)
	b.scores = append(b.scores, scores...)
	if len(b.readings) < s.cfg.Window {
		s.mu.Unlock()
		return
	}
	delete(s.buffers, scan.Source)
	s.mu.Unlock()

	s.publish(s.estimate(scan.Source, b))
}

// Flush runs every buffered source that holds enough readings for a run and
// drops the others.
func (s *Server) Flush() {
	s.mu.Lock()
	pending := s.buffers
	s.buffers = make(map[uint32]*buffer)
	s.mu.Unlock()

	addrs := make([]uint32, 0, len(pending))
	for addr, b := range pending {
		if len(b.readings) >= s.minReadings {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		s.publish(s.estimate(addr, pending[addr]))
	}
}

func (s *Server) estimate(addr uint32, b *buffer) *Result {
	r := &Result{
		RunID:    uuid.New(),
		Addr:     addr,
		Source:   b.src,
		Time:     b.last,
		Readings: len(b.readings),
	}
	logger := log.WithFields(log.Fields{"source": b.src.ID, "run": r.RunID.String()})

	e, err := s.newEstimator(logger)
	if err == nil {
		s.seed(e, b.src.ID, logger)
		err = e.SetReadings(b.readings)
	}
	if err == nil && e.Method().UsesQualityScores() {
		err = e.SetQualityScores(b.scores)
	}
	if err == nil {
		r.Estimated, err = e.Estimate()
	}
	if e != nil {
		if c := e.ConsensusResult(); c != nil {
			r.Inliers = c.NumInliers
			r.Iterations = c.Iterations
		}
	}
	r.Err = err
	return r
}

func (s *Server) newEstimator(logger log.FieldLogger) (*estimator.Estimator, error) {
	e, err := estimator.New(s.cfg.Dim)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Estimator.Apply(e); err != nil {
		return nil, err
	}
	if err := e.SetLogger(logger); err != nil {
		return nil, err
	}
	if s.cfg.Seed != 0 {
		s.mu.Lock()
		s.runSeq++
		seed := s.cfg.Seed + s.runSeq
		s.mu.Unlock()
		if err := e.SetRand(rand.New(rand.NewSource(seed))); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// seed starts the run from the source's last stored model. Values the
// estimator rejects are skipped.
func (s *Server) seed(e *estimator.Estimator, id string, logger log.FieldLogger) {
	if s.priors == nil {
		return
	}
	m, err := s.priors.Latest(s.ctx, id)
	if err != nil {
		if !isNotFound(err) {
			logger.WithError(err).Warn("server: prior lookup failed")
		}
		return
	}
	if err := e.SetInitialTransmittedPowerDbm(m.Bias); err != nil {
		logger.WithError(err).Debug("server: prior power ignored")
	}
	if err := e.SetInitialPathLossExponent(m.Gamma); err != nil {
		logger.WithError(err).Debug("server: prior path loss ignored")
	}
	if p := m.Position(); len(p) == s.cfg.Dim {
		if err := e.SetInitialPosition(p); err != nil {
			logger.WithError(err).Debug("server: prior position ignored")
		}
	}
}

func (s *Server) publish(r *Result) {
	s.mu.Lock()
	s.stats.Runs++
	if r.Err != nil {
		s.stats.Failures++
	} else {
		s.sources[r.Source.ID] = newWsSource(r)
	}
	pubs := append([]Publisher(nil), s.publishers...)
	s.mu.Unlock()

	logger := log.WithFields(log.Fields{
		"source":   r.Source.ID,
		"run":      r.RunID.String(),
		"readings": r.Readings,
		"inliers":  r.Inliers,
	})
	if r.Err != nil {
		logger.WithError(r.Err).Warn("server: estimation failed")
	} else {
		logger.WithFields(log.Fields{
			"position": r.Estimated.Position.String(),
			"power":    r.Estimated.PowerDbm,
			"pathLoss": r.Estimated.PathLossExponent,
		}).Info("server: source estimated")
	}

	for _, p := range pubs {
		if err := p.Publish(s.ctx, r); err != nil {
			logger.WithError(err).Warn("server: publish failed")
		}
	}
}
