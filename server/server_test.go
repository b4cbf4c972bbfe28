package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssi-engine/binlog"
	"rssi-engine/estimator"
	"rssi-engine/radio"
	"rssi-engine/relay"
	"rssi-engine/store"
	"rssi-engine/web"
)

const (
	testSource = 0xABCDEF
	truthPower = -10.0
	unknownID  = 0x7777
)

var truth = radio.NewPoint2(3, 4)

// fixture places receivers on a centimetre grid around truth and returns
// three scan datagrams carrying 44 known readings and one from an unknown
// receiver.
func fixture(t *testing.T) (*AnchorTable, [][]byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	table := NewAnchorTable()
	var samples []binlog.Sample
	for id := 1; len(samples) < 44; id++ {
		x := math.Round((rng.Float64()*30-15)*100) / 100
		y := math.Round((rng.Float64()*30-15)*100) / 100
		p := radio.NewPoint2(x, y)
		if p.Distance(truth) < 1 {
			continue
		}
		table.Set(uint64(id), radio.NewPoint3(x, y, 1.5))
		rssi := radio.PredictRSSI(truth, truthPower, radio.DefaultPathLossExponent, p, radio.DefaultFrequency)
		samples = append(samples, binlog.Sample{AnchorID: id, RSSI: int(math.Round(rssi))})
	}

	frames := [][]binlog.Sample{
		append(append([]binlog.Sample(nil), samples[:14]...), binlog.Sample{AnchorID: unknownID, RSSI: -40}),
		samples[14:29],
		samples[29:44],
	}
	datagrams := make([][]byte, len(frames))
	for i, smp := range frames {
		b, err := binlog.EncodeScan(nil, binlog.Scan{Source: testSource, Seq: uint8(i), Samples: smp}, false)
		require.NoError(t, err)
		datagrams[i] = b
	}
	return table, datagrams
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dim = 2
	cfg.Window = 40
	cfg.Seed = 1
	return cfg
}

type recorder struct {
	mu      sync.Mutex
	results []*Result
}

func (r *recorder) Publish(_ context.Context, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recorder) all() []*Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Result(nil), r.results...)
}

func assertNearTruth(t *testing.T, est *radio.EstimatedSource) {
	t.Helper()
	require.NotNil(t, est)
	assert.InDelta(t, 0, est.Position.Distance(truth), 1.0, "position %v", est.Position)
	assert.InDelta(t, truthPower, est.PowerDbm, 2.0)
	assert.Equal(t, radio.DefaultPathLossExponent, est.PathLossExponent)
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 3
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Dim = 4
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, estimator.ErrInvalidConfig)

	cfg = testConfig()
	cfg.Estimator.Threshold = -1
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, estimator.ErrInvalidConfig)

	cfg = testConfig()
	cfg.RSSIStdDev = -1
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestHandlePacketRunsOnFullWindow(t *testing.T) {
	table, datagrams := fixture(t)
	s, err := New(testConfig(), table)
	require.NoError(t, err)
	rec := &recorder{}
	s.AddPublisher(rec)

	ts := time.Unix(1700000000, 0)
	for i, d := range datagrams {
		s.handlePacket(d, nil, ts.Add(time.Duration(i)*time.Second))
	}
	s.handlePacket([]byte("noise"), nil, ts)

	st := s.Stats()
	assert.Equal(t, Stats{Datagrams: 4, Scans: 3, UnknownAnchors: 1, Runs: 1}, st)

	results := rec.all()
	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.Err)
	assert.Equal(t, "00ABCDEF", r.Source.ID)
	assert.Equal(t, uint32(testSource), r.Addr)
	assert.Equal(t, 44, r.Readings)
	assert.Greater(t, r.Inliers, 22)
	assert.Positive(t, r.Iterations)
	assert.True(t, ts.Add(2*time.Second).Equal(r.Time))
	assert.NotEqual(t, uuid.Nil, r.RunID)
	assertNearTruth(t, r.Estimated)
	assert.NotNil(t, r.Estimated.PositionCovariance)

	list := s.Sources().([]*wsSource)
	require.Len(t, list, 1)
	assert.Equal(t, "00ABCDEF", list[0].ID)
	assert.Equal(t, r.RunID.String(), list[0].RunID)

	// the buffer starts over after a run
	s.handlePacket(datagrams[0], nil, ts)
	assert.Equal(t, 1, s.Stats().Runs)
}

func TestFlushRunsPartialBuffers(t *testing.T) {
	table, datagrams := fixture(t)
	s, err := New(testConfig(), table)
	require.NoError(t, err)
	rec := &recorder{}
	s.AddPublisher(rec)

	s.handlePacket(datagrams[1], nil, time.Now())
	s.handlePacket(datagrams[2], nil, time.Now())
	assert.Empty(t, rec.all())

	// three readings of another source are too few for a run
	few, err := binlog.EncodeScan(nil, binlog.Scan{Source: 1, Samples: []binlog.Sample{
		{AnchorID: 1, RSSI: -60}, {AnchorID: 2, RSSI: -61}, {AnchorID: 3, RSSI: -62},
	}}, false)
	require.NoError(t, err)
	s.handlePacket(few, nil, time.Now())

	s.Flush()
	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, 30, results[0].Readings)
	assertNearTruth(t, results[0].Estimated)

	s.Flush()
	assert.Len(t, rec.all(), 1)
}

func TestFailedRunIsPublished(t *testing.T) {
	table, datagrams := fixture(t)
	cfg := testConfig()
	// a fixed position needs an initial position
	cfg.Estimator.Unknowns = estimator.UnknownsConfig{Power: true}
	s, err := New(cfg, table)
	require.NoError(t, err)
	rec := &recorder{}
	s.AddPublisher(rec)

	for _, d := range datagrams {
		s.handlePacket(d, nil, time.Now())
	}
	results := rec.all()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, estimator.ErrNotReady)
	assert.Nil(t, results[0].Estimated)
	assert.Equal(t, 1, s.Stats().Failures)
	assert.Empty(t, s.Sources())
}

type fakePriors map[string]*store.Model

func (p fakePriors) Latest(_ context.Context, id string) (*store.Model, error) {
	if m, ok := p[id]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func TestPriorsSeedFixedPower(t *testing.T) {
	table, datagrams := fixture(t)
	cfg := testConfig()
	cfg.Estimator.Unknowns = estimator.UnknownsConfig{Position: true}
	s, err := New(cfg, table)
	require.NoError(t, err)
	s.SetPriors(fakePriors{"00ABCDEF": {ID: "00ABCDEF", Bias: truthPower, Gamma: 2, X: 2, Y: 5}})
	rec := &recorder{}
	s.AddPublisher(rec)

	for _, d := range datagrams {
		s.handlePacket(d, nil, time.Now())
	}
	results := rec.all()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, truthPower, results[0].Estimated.PowerDbm)
	assertNearTruth(t, results[0].Estimated)
}

func TestCaptureReplayReproducesRuns(t *testing.T) {
	table, datagrams := fixture(t)
	path := filepath.Join(t.TempDir(), "scan.pcap")
	w, err := binlog.Create(path)
	require.NoError(t, err)

	live, err := New(testConfig(), table)
	require.NoError(t, err)
	require.NoError(t, live.SetCapture(w))
	liveRec := &recorder{}
	live.AddPublisher(liveRec)
	ts := time.Unix(1700000000, 0)
	for i, d := range datagrams {
		live.handlePacket(d, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7000}, ts.Add(time.Duration(i)*10*time.Millisecond))
	}
	require.NoError(t, w.Close())

	replayed, err := New(testConfig(), nil)
	require.NoError(t, err)
	replayRec := &recorder{}
	replayed.AddPublisher(replayRec)
	require.NoError(t, replayed.Replay(path, 100))
	assert.Equal(t, table.Len(), replayed.Anchors().Len())

	a, b := liveRec.all(), replayRec.all()
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.NoError(t, b[0].Err)
	assert.Equal(t, a[0].Estimated.Position, b[0].Estimated.Position)
	assert.Equal(t, a[0].Estimated.PowerDbm, b[0].Estimated.PowerDbm)
	assert.True(t, a[0].Time.Equal(b[0].Time))

	assert.Error(t, replayed.Replay(filepath.Join(t.TempDir(), "missing.pcap"), 0))
}

func TestUDPIngest(t *testing.T) {
	table, datagrams := fixture(t)
	s, err := New(testConfig(), table)
	require.NoError(t, err)
	rec := &recorder{}
	s.AddPublisher(rec)
	require.NoError(t, s.Listen(0))
	done := make(chan struct{})
	go func() {
		s.Start()
		close(done)
	}()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalAddr().Port})
	require.NoError(t, err)
	defer conn.Close()
	for _, d := range datagrams {
		_, err := conn.Write(d)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 10*time.Second, 10*time.Millisecond)
	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assertNearTruth(t, rec.all()[0].Estimated)
}

func TestPublishers(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer pc.Close()
	snd := relay.NewSender()
	require.NoError(t, snd.AddUDPSender(pc.LocalAddr().String(), relay.FlagAll))
	require.NoError(t, snd.Start())
	defer snd.Stop()

	r := &Result{
		RunID:      uuid.MustParse("6f1c2a4e-1b7d-4c55-9a51-1d2f3e4a5b6c"),
		Addr:       testSource,
		Source:     radio.Source{ID: SourceID(testSource)},
		Time:       time.Unix(1700000000, 0),
		Readings:   44,
		Inliers:    40,
		Iterations: 12,
		Estimated: &radio.EstimatedSource{
			Source:           radio.Source{ID: SourceID(testSource)},
			Position:         radio.NewPoint2(3, 4),
			PowerDbm:         -10,
			PathLossExponent: 2,
		},
	}
	failed := *r
	failed.Estimated = nil
	failed.Err = errors.New("no consensus")

	ctx := context.Background()
	rp := &RelayPublisher{Sender: snd, Region: 2}
	require.NoError(t, rp.Publish(ctx, r))
	require.NoError(t, rp.Publish(ctx, &failed))

	read := func() string {
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 512)
		n, _, err := pc.ReadFromUDP(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}
	display := read()
	assert.True(t, strings.HasPrefix(display, "display:"), display)
	assert.Contains(t, display, ",00ABCDEF,1,")
	summary := read()
	assert.True(t, strings.HasPrefix(summary, "summary:"), summary)
	assert.Contains(t, summary, r.RunID.String()+",44,40,12")
	warning := read()
	assert.True(t, strings.HasPrefix(warning, "warning:"), warning)
	assert.Contains(t, warning, "no consensus")

	msg, err := json.Marshal(newWsSource(r))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"00ABCDEF","runId":"6f1c2a4e-1b7d-4c55-9a51-1d2f3e4a5b6c","ts":1700000000000,
		"x":3,"y":4,"z":0,"power":-10,"pathLoss":2,"readings":44,"inliers":40}`, string(msg))
	hub := web.NewHub()
	go hub.Run()
	defer hub.Stop()
	wp := &WebPublisher{Hub: hub}
	require.NoError(t, wp.Publish(ctx, r))
	require.NoError(t, wp.Publish(ctx, &failed))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sp := &StorePublisher{Store: store.New(sqlx.NewDb(db, "postgres"))}
	mock.ExpectExec("insert into models").
		WithArgs(r.RunID.String(), "00ABCDEF", -10.0, 2.0, 3.0, 4.0, nil, nil, 44, 40, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, sp.Publish(ctx, r))
	require.NoError(t, sp.Publish(ctx, &failed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadProjectAnchors(t *testing.T) {
	doc := `<project>
  <anchorlist>
    <deviceItem id="1A0001" pos="120,-300,250"/>
    <deviceItem id="zz" pos="1,2,3"/>
    <deviceItem id="0002" pos="1,2"/>
    <deviceItem id="0003" pos="100, 200, 300"/>
  </anchorlist>
  <beaconlist>
    <deviceItem id="0004" pos="0,0,0"/>
  </beaconlist>
</project>`
	path := filepath.Join(t.TempDir(), "project.xml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	table, err := LoadProjectAnchors(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	anchors := table.Anchors()
	require.Len(t, anchors, 2)
	assert.Equal(t, uint64(1), anchors[0].ID)
	assert.Equal(t, radio.NewPoint3(1.2, -3, 2.5), anchors[0].Position)
	assert.Equal(t, radio.NewPoint3(1, 2, 3), anchors[1].Position)

	readings, scores, unknown := table.Readings(binlog.Scan{Samples: []binlog.Sample{
		{AnchorID: 0x1A0001, RSSI: -60}, {AnchorID: 4, RSSI: -70}, {AnchorID: 3, RSSI: -129 + 1},
	}}, radio.Source{ID: "s"}, 2, 1.5)
	assert.Equal(t, 1, unknown)
	require.Len(t, readings, 2)
	assert.Equal(t, radio.NewPoint2(1.2, -3), readings[0].Position)
	assert.Equal(t, 1.5, readings[0].RSSIStdDev)
	assert.Equal(t, "s", readings[1].Source.ID)
	assert.Equal(t, []float64{69, 1}, scores)

	assert.Equal(t, 0, table.Merge([]binlog.Anchor{{ID: 3, Position: radio.NewPoint3(9, 9, 9)}}))
	assert.Equal(t, 1, table.Merge([]binlog.Anchor{{ID: 5, Position: radio.NewPoint3(9, 9, 9)}}))

	_, err = LoadProjectAnchors(filepath.Join(t.TempDir(), "none.xml"))
	assert.Error(t, err)
}
