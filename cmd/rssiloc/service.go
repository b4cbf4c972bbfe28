package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"rssi-engine/binlog"
	"rssi-engine/relay"
	"rssi-engine/server"
	"rssi-engine/store"
	"rssi-engine/web"
)

// serviceFlags are shared by serve and replay.
type serviceFlags struct {
	project    string
	config     string
	dim        int
	window     int
	frequency  float64
	rssiStdDev float64
	seed       int64
	noCRC      bool

	httpPort int
	relayUDP []string
	relayTCP []string
	region   int
	dsn      string
	capture  string
}

func (f *serviceFlags) register(fs *pflag.FlagSet) {
	def := server.DefaultConfig()
	fs.StringVar(&f.project, "project", "", "project.xml with the anchor list and relay targets")
	fs.StringVarP(&f.config, "config", "c", "", "estimator YAML config")
	fs.IntVar(&f.dim, "dim", def.Dim, "estimate in 2 or 3 dimensions")
	fs.IntVar(&f.window, "window", def.Window, "readings per source that trigger a run")
	fs.Float64Var(&f.frequency, "frequency", 0, "source carrier in Hz, 0 for 2.4 GHz")
	fs.Float64Var(&f.rssiStdDev, "rssi-std", 0, "RSSI standard deviation assigned to every reading, dB")
	fs.Int64Var(&f.seed, "seed", 0, "random seed for reproducible runs, 0 for the clock")
	fs.BoolVar(&f.noCRC, "no-crc", false, "accept frames with a bad CRC")
	fs.IntVar(&f.httpPort, "http", 0, "HTTP/WebSocket port, 0 to disable")
	fs.StringSliceVar(&f.relayUDP, "relay-udp", nil, "relay estimates to host:port over UDP")
	fs.StringSliceVar(&f.relayTCP, "relay-tcp", nil, "relay estimates to host:port over TCP")
	fs.IntVar(&f.region, "region", 0, "region written into relayed estimates")
	fs.StringVar(&f.dsn, "dsn", "", "PostgreSQL DSN for stored models, empty to disable")
	fs.StringVar(&f.capture, "capture", "", "record received datagrams to this file or directory")
}

func (f *serviceFlags) serverConfig() (server.Config, error) {
	cfg := server.DefaultConfig()
	est, err := loadEstimatorConfig(f.config)
	if err != nil {
		return cfg, err
	}
	cfg.Estimator = est
	cfg.Dim = f.dim
	cfg.Window = f.window
	cfg.Frequency = f.frequency
	cfg.RSSIStdDev = f.rssiStdDev
	cfg.Seed = f.seed
	cfg.VerifyCRC = !f.noCRC
	return cfg, nil
}

// service is a server with its outputs attached.
type service struct {
	srv     *server.Server
	web     *web.Server
	sender  *relay.Sender
	store   *store.Store
	capture *binlog.Writer
}

func newService(ctx context.Context, f *serviceFlags) (*service, error) {
	cfg, err := f.serverConfig()
	if err != nil {
		return nil, err
	}
	anchors := server.NewAnchorTable()
	var targets []relay.Target
	if f.project != "" {
		if anchors, err = server.LoadProjectAnchors(f.project); err != nil {
			return nil, err
		}
		if targets, err = relay.LoadTargets(f.project); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"anchors": anchors.Len(), "targets": len(targets)}).Info("project loaded")
	}

	srv, err := server.New(cfg, anchors)
	if err != nil {
		return nil, err
	}
	svc := &service{srv: srv}

	if f.dsn != "" {
		st, err := store.Open(f.dsn)
		if err != nil {
			return nil, err
		}
		svc.store = st
		if err := st.Migrate(ctx); err != nil {
			svc.Close()
			return nil, err
		}
		models, err := st.List(ctx)
		if err != nil {
			svc.Close()
			return nil, err
		}
		srv.Restore(models)
		srv.SetPriors(st)
		srv.AddPublisher(&server.StorePublisher{Store: st})
		log.WithField("models", len(models)).Info("store: models restored")
	}

	if len(targets) > 0 || len(f.relayUDP) > 0 || len(f.relayTCP) > 0 {
		sender := relay.NewSender()
		for _, addr := range f.relayUDP {
			t, err := relayTarget(addr, "UDP")
			if err != nil {
				svc.Close()
				return nil, err
			}
			targets = append(targets, t)
		}
		for _, addr := range f.relayTCP {
			t, err := relayTarget(addr, "TCP")
			if err != nil {
				svc.Close()
				return nil, err
			}
			targets = append(targets, t)
		}
		if err := sender.AddTargets(targets); err != nil {
			svc.Close()
			return nil, err
		}
		if err := sender.Start(); err != nil {
			svc.Close()
			return nil, err
		}
		svc.sender = sender
		srv.AddPublisher(&server.RelayPublisher{Sender: sender, Region: f.region})
	}

	if f.httpPort > 0 {
		svc.web = web.NewServer(srv.Sources)
		srv.AddPublisher(&server.WebPublisher{Hub: svc.web.Hub})
		go func() {
			if err := svc.web.Start(f.httpPort); err != nil {
				log.WithError(err).Error("web: server stopped")
			}
		}()
	}

	if f.capture != "" {
		path := f.capture
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = filepath.Join(path, fmt.Sprintf("PKTSBIN_%s.pcap", time.Now().Format("20060102150405")))
		}
		w, err := binlog.Create(path)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.capture = w
		if err := srv.SetCapture(w); err != nil {
			svc.Close()
			return nil, err
		}
		log.WithField("path", path).Info("capture: recording datagrams")
	}
	return svc, nil
}

// relayTarget turns a host:port flag into a target for every record kind.
func relayTarget(hostPort, typ string) (relay.Target, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return relay.Target{}, fmt.Errorf("relay %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return relay.Target{}, fmt.Errorf("relay %q: bad port", hostPort)
	}
	return relay.Target{Addr: host, Port: port, Type: typ, Mask: relay.FlagAll}, nil
}

func (s *service) Close() {
	if s.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.web.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("web: shutdown")
		}
		cancel()
	}
	if s.sender != nil {
		s.sender.Stop()
		for _, st := range s.sender.Stats() {
			log.WithFields(log.Fields{
				"addr":    st.Addr,
				"proto":   st.Proto,
				"sent":    st.Sent,
				"dropped": st.Dropped,
			}).Info("relay: target closed")
		}
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			log.WithError(err).Warn("capture: close")
		}
	}
	if s.store != nil {
		s.store.Close()
	}
}
