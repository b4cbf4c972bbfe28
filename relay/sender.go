package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	tcpQueueLen   = 1000
	dialTimeout   = 2 * time.Second
	writeTimeout  = 5 * time.Second
	redialBackoff = 500 * time.Millisecond
)

// TargetStats counts the records handed to one target.
type TargetStats struct {
	Addr    string
	Proto   string
	Sent    uint64
	Dropped uint64
}

type target struct {
	addr    string
	mask    uint32
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func (t *target) wants(flag uint32) bool { return t.mask&flag == flag }

func (t *target) stats(proto string) TargetStats {
	return TargetStats{Addr: t.addr, Proto: proto, Sent: t.sent.Load(), Dropped: t.dropped.Load()}
}

type udpTarget struct {
	target
	raddr *net.UDPAddr
}

// tcpTarget owns one downstream connection, redialled on failure. Records
// queue while it is down and are dropped once the queue is full.
type tcpTarget struct {
	target
	queue chan []byte
	done  chan struct{}
}

// Sender fans records out to UDP and TCP targets by flag mask.
type Sender struct {
	mu      sync.RWMutex
	udp     []*udpTarget
	tcp     []*tcpTarget
	conn    *net.UDPConn
	prefix  []byte
	running bool
}

func NewSender() *Sender {
	return &Sender{}
}

// SetHeader prefixes every record with hdr and a colon.
func (s *Sender) SetHeader(hdr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefix = nil
	if hdr != "" {
		s.prefix = []byte(hdr + ":")
	}
}

func (s *Sender) AddUDPSender(addr string, flag uint32) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.udp = append(s.udp, &udpTarget{target: target{addr: addr, mask: flag}, raddr: raddr})
	s.mu.Unlock()
	return nil
}

// AddTCPSender registers a TCP target. It must be called before Start.
func (s *Sender) AddTCPSender(addr string, flag uint32) {
	s.mu.Lock()
	s.tcp = append(s.tcp, &tcpTarget{
		target: target{addr: addr, mask: flag},
		queue:  make(chan []byte, tcpQueueLen),
		done:   make(chan struct{}),
	})
	s.mu.Unlock()
}

func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.running = true
	for _, t := range s.tcp {
		go t.run()
	}
	log.WithFields(log.Fields{"udp": len(s.udp), "tcp": len(s.tcp)}).Info("relay: started")
	return nil
}

// Stop closes the UDP socket and waits for the TCP queues to drain.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.conn.Close()
	for _, t := range s.tcp {
		close(t.queue)
		<-t.done
	}
}

// Send delivers data to every target whose mask holds flag. It never
// blocks on a slow target.
func (s *Sender) Send(data []byte, flag uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return
	}

	rec := data
	if len(s.prefix) > 0 {
		rec = make([]byte, 0, len(s.prefix)+len(data))
		rec = append(append(rec, s.prefix...), data...)
	}

	for _, t := range s.udp {
		if !t.wants(flag) {
			continue
		}
		if _, err := s.conn.WriteToUDP(rec, t.raddr); err != nil {
			t.dropped.Add(1)
			log.WithError(err).WithField("addr", t.addr).Debug("relay: udp send")
			continue
		}
		t.sent.Add(1)
	}
	for _, t := range s.tcp {
		if !t.wants(flag) {
			continue
		}
		select {
		case t.queue <- rec:
		default:
			t.dropped.Add(1)
			log.WithField("addr", t.addr).Debug("relay: tcp queue full, record dropped")
		}
	}
}

// Stats lists the delivery counters of every target, UDP first.
func (s *Sender) Stats() []TargetStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TargetStats, 0, len(s.udp)+len(s.tcp))
	for _, t := range s.udp {
		out = append(out, t.stats("udp"))
	}
	for _, t := range s.tcp {
		out = append(out, t.stats("tcp"))
	}
	return out
}

func (t *tcpTarget) dial() net.Conn {
	conn, err := net.DialTimeout("tcp", t.addr, dialTimeout)
	if err != nil {
		return nil
	}
	return conn
}

func (t *tcpTarget) run() {
	defer close(t.done)
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for rec := range t.queue {
		if conn == nil {
			if conn = t.dial(); conn == nil {
				time.Sleep(redialBackoff)
				conn = t.dial()
			}
			if conn == nil {
				t.dropped.Add(1)
				continue
			}
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(rec); err != nil {
			log.WithError(err).WithField("addr", t.addr).Warn("relay: tcp write failed")
			t.dropped.Add(1)
			conn.Close()
			conn = nil
			continue
		}
		t.sent.Add(1)
	}
}
