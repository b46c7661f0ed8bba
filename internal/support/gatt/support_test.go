package gatt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/store"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/pkg/ring"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

type fakeLink struct {
	mu         sync.Mutex
	battery    int
	batteryErr error
	hrHandler  func([]byte)
	writes     [][]byte
	dc         chan struct{}
	closed     bool
}

func newFakeLink(battery int) *fakeLink {
	return &fakeLink{battery: battery, dc: make(chan struct{})}
}

func (f *fakeLink) ReadBattery() (int, error) { return f.battery, f.batteryErr }

func (f *fakeLink) SubscribeHeartRate(handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hrHandler = handler
	return nil
}

func (f *fakeLink) WriteCommand(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, frame)
	return nil
}

func (f *fakeLink) Disconnected() <-chan struct{} { return f.dc }

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) notify(data []byte) {
	f.mu.Lock()
	h := f.hrHandler
	f.mu.Unlock()
	h(data)
}

func (f *fakeLink) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hrHandler != nil
}

func (f *fakeLink) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type SupportTestSuite struct {
	suite.Suite

	bus     *bus.Bus
	sub     *bus.Subscription
	store   *store.Store
	env     *env.Environment
	link    *fakeLink
	dialed  chan string
	adapter chan string
	sup     *Support
	now     time.Time
}

func (s *SupportTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.bus = bus.New(64, logger)
	sub, err := s.bus.Subscribe(bus.KindDeviceChanged, bus.KindRealtimeSample, bus.KindSyncFinished)
	s.Require().NoError(err)
	s.sub = sub

	dir := s.T().TempDir()
	st, err := store.Open(filepath.Join(dir, "gatt.db"))
	s.Require().NoError(err)
	s.store = st

	prefs, err := env.OpenPreferences(filepath.Join(dir, "preferences.toml"), ring.DefaultDisplayName)
	s.Require().NoError(err)

	s.env = &env.Environment{Bus: s.bus, Store: st, Prefs: prefs, Logger: logger}
	s.link = newFakeLink(80)
	s.dialed = make(chan string, 1)
	s.adapter = make(chan string, 1)
	s.now = time.Unix(1_700_000_000, 0)

	s.sup = New(Options{
		Dialer: func(ctx context.Context, adapter, address string, _ *logrus.Logger) (Link, error) {
			s.adapter <- adapter
			s.dialed <- address
			return s.link, nil
		},
		Now: func() time.Time { return s.now },
	}, logger)
	s.sup.SetContext(ring.NewDeviceIdentity(testAddress, "R02"), support.StaticAdapter("hci1"), s.env)
}

func (s *SupportTestSuite) TearDownTest() {
	s.sup.Disconnect()
	s.bus.Close()
	s.Require().NoError(s.store.Close())
}

func (s *SupportTestSuite) next() bus.Event {
	select {
	case ev := <-s.sub.C():
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for bus event")
		return bus.Event{}
	}
}

func (s *SupportTestSuite) expectState(state support.DeviceState, battery int) {
	ev := s.next()
	s.Require().Equal(bus.KindDeviceChanged, ev.Kind)
	snap, ok := ev.Payload.(support.DeviceSnapshot)
	s.Require().True(ok, "device-changed payload MUST be a DeviceSnapshot")
	s.Equal(state, snap.State)
	s.Equal(battery, snap.Battery)
	s.Equal(testAddress, snap.Address)
}

func (s *SupportTestSuite) connect() {
	s.Require().True(s.sup.Connect(), "Connect MUST accept the attempt")
	s.expectState(support.StateConnecting, support.UnknownBattery)
	s.expectState(support.StateConnected, 80)
	s.Require().Eventually(s.link.subscribed, time.Second, 5*time.Millisecond)
}

func (s *SupportTestSuite) TestConnectReportsStates() {
	// GOAL: Verify Connect dials the identity's address and reports CONNECTING then CONNECTED with battery
	//
	// TEST SCENARIO: Connect → dial observed → CONNECTING → CONNECTED(80)

	s.connect()
	s.Equal(testAddress, <-s.dialed)
	s.Equal("hci1", <-s.adapter, "dial MUST go through the adapter handed to SetContext")
	s.Equal(support.StateConnected, s.sup.State())
	s.False(s.sup.Connect(), "second Connect while connected MUST be refused")
}

func (s *SupportTestSuite) TestConnectWithoutContext() {
	sup := New(Options{}, nil)
	s.False(sup.Connect(), "Connect without SetContext MUST be refused")
}

func (s *SupportTestSuite) TestDialFailureReportsNotConnected() {
	s.sup.dial = func(context.Context, string, string, *logrus.Logger) (Link, error) {
		return nil, errors.New("out of range")
	}
	s.Require().True(s.sup.Connect())
	s.expectState(support.StateConnecting, support.UnknownBattery)
	s.expectState(support.StateNotConnected, support.UnknownBattery)
}

func (s *SupportTestSuite) TestHeartRateNotifications() {
	// GOAL: Verify plausible heart-rate notifications are published and implausible ones dropped
	//
	// TEST SCENARIO: notify 72 → published; notify 0 and 250 → dropped; notify 64 → published

	s.connect()

	s.link.notify([]byte{0x00, 72})
	s.link.notify([]byte{0x00, 0})
	s.link.notify([]byte{0x01, 250, 0})
	s.link.notify([]byte{0x00, 64})

	for _, want := range []int{72, 64} {
		ev := s.next()
		s.Require().Equal(bus.KindRealtimeSample, ev.Kind)
		sample, ok := ev.Payload.(support.HeartRateSample)
		s.Require().True(ok)
		s.Equal(want, sample.HeartRate)
	}
}

func (s *SupportTestSuite) TestHeartRateTestWritesFrame() {
	s.connect()
	s.sup.OnHeartRateTest()

	s.Require().Eventually(func() bool { return len(s.link.written()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(StartHeartRateFrame(), s.link.written()[0])
}

func (s *SupportTestSuite) TestFetchPersistsAndSignals() {
	// GOAL: Verify the sync chain stores buffered samples and ends with sync-finished
	//
	// TEST SCENARIO: connect → two notifications → fetch(0) → SYNCING, CONNECTED, sync-finished → rows in store

	s.connect()
	s.link.notify([]byte{0x00, 70})
	s.next()
	s.now = s.now.Add(time.Second)
	s.link.notify([]byte{0x00, 75})
	s.next()

	s.sup.OnFetchRecordedData(0)
	s.expectState(support.StateSyncing, 80)
	s.expectState(support.StateConnected, 80)
	s.Equal(bus.KindSyncFinished, s.next().Kind)

	id, ok, err := s.store.DeviceIDByAddress(context.Background(), testAddress)
	s.Require().NoError(err)
	s.Require().True(ok, "sync MUST register the device row")

	rows, err := s.store.HeartRateSince(context.Background(), id, 0)
	s.Require().NoError(err)
	s.Equal([]store.HeartRateRow{{Timestamp: 1_700_000_000, HeartRate: 70}, {Timestamp: 1_700_000_001, HeartRate: 75}}, rows)
}

func (s *SupportTestSuite) TestFetchWithoutLinkIsIgnored() {
	s.sup.OnFetchRecordedData(0)
	select {
	case ev := <-s.sub.C():
		s.Failf("unexpected event", "got %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *SupportTestSuite) TestDisconnect() {
	s.connect()
	s.sup.Disconnect()

	s.expectState(support.StateNotConnected, support.UnknownBattery)
	s.True(s.link.isClosed(), "Disconnect MUST close the link")
	s.Equal(support.StateNotConnected, s.sup.State())

	s.sup.Disconnect()
}

func (s *SupportTestSuite) TestPeerDropsLink() {
	s.connect()
	close(s.link.dc)

	s.expectState(support.StateNotConnected, support.UnknownBattery)
	s.True(s.link.isClosed())
}

func TestSupportTestSuite(t *testing.T) {
	suite.Run(t, new(SupportTestSuite))
}

func TestStageOrder(t *testing.T) {
	sup := New(Options{}, nil)
	assert.Equal(t, []string{
		StageActivity, StageHeartRate, StageStress, StageOxygen,
		StageSleep, StageVariability, StageTemperature,
	}, sup.stages.names())
}

func TestSampleBufferOverwritesOldest(t *testing.T) {
	sup := New(Options{SampleBuffer: 4}, nil)
	for i := 1; i <= 10; i++ {
		_, err := sup.samples.EnqueueM(support.HeartRateSample{HeartRate: i})
		require.NoError(t, err)
	}
	drained := sup.drainSamples()
	require.NotEmpty(t, drained)
	assert.Equal(t, 10, drained[len(drained)-1].HeartRate, "newest sample MUST survive overflow")
	assert.Less(t, len(drained), 10, "oldest samples MUST be dropped")
}
