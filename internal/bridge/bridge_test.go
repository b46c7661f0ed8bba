package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/store"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/internal/testutils"
	"github.com/srg/ringbridge/pkg/config"
	"github.com/srg/ringbridge/pkg/ring"
)

type fakeDelegate struct {
	mu           sync.Mutex
	accept       bool
	identity     ring.DeviceIdentity
	adapter      string
	environment  *env.Environment
	calls        []string
	fetchedSince []int64
}

func (d *fakeDelegate) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDelegate) SetContext(identity ring.DeviceIdentity, adapter support.Adapter, environment *env.Environment) {
	d.mu.Lock()
	d.identity = identity
	d.adapter = adapter.Name()
	d.environment = environment
	d.mu.Unlock()
	d.record("SetContext")
}

func (d *fakeDelegate) Connect() bool {
	d.record("Connect")
	return d.accept
}

func (d *fakeDelegate) Disconnect()      { d.record("Disconnect") }
func (d *fakeDelegate) OnHeartRateTest() { d.record("OnHeartRateTest") }

func (d *fakeDelegate) OnFetchRecordedData(since int64) {
	d.mu.Lock()
	d.fetchedSince = append(d.fetchedSince, since)
	d.mu.Unlock()
	d.record("OnFetchRecordedData")
}

func (d *fakeDelegate) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type consumerEvent struct {
	name    EventName
	payload string
}

type BridgeTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	cfg      *config.Config
	bus      *bus.Bus
	boot     *env.Bootstrapper
	delegate *fakeDelegate
	bridge   *Bridge
	events   chan consumerEvent
}

func (s *BridgeTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.cfg = s.helper.Config()
	s.bus = bus.New(64, s.helper.Logger)
	s.boot = env.NewBootstrapper(s.cfg, s.bus, s.helper.Logger)
	s.delegate = &fakeDelegate{accept: true}
	s.bridge = New(s.cfg, s.boot, s.delegate, support.StaticManager{}, s.helper.Logger)
	s.bridge.now = func() time.Time { return reconcileNow }

	s.events = make(chan consumerEvent, 16)
	for _, name := range Events {
		s.bridge.AddListener(name, func(e EventName, p any) {
			s.events <- consumerEvent{name: e, payload: testutils.MustJSON(p)}
		})
	}
}

func (s *BridgeTestSuite) TearDownTest() {
	s.bridge.Stop()
	s.Require().NoError(s.boot.Close())
	s.bus.Close()
}

func (s *BridgeTestSuite) start() {
	s.Require().NoError(s.bridge.Start(context.Background()), "Start MUST succeed")
}

func (s *BridgeTestSuite) store() *store.Store {
	e, err := s.boot.Environment()
	s.Require().NoError(err)
	return e.Store
}

func (s *BridgeTestSuite) nextEvent() consumerEvent {
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for consumer event")
		return consumerEvent{}
	}
}

func (s *BridgeTestSuite) TestOperationsBeforeStartFailNotReady() {
	// GOAL: Verify every operation fails fast before bootstrap completes

	_, err := s.bridge.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	s.True(ring.IsKind(err, ring.NotReady), "Connect MUST fail with NotReady")
	s.True(ring.IsKind(s.bridge.MeasureHeartRate(), ring.NotReady))
	s.True(ring.IsKind(s.bridge.FetchSleepHistory(), ring.NotReady))
	s.True(ring.IsKind(s.bridge.Disconnect(), ring.NotReady))
	_, err = s.bridge.Reconcile(context.Background())
	s.True(ring.IsKind(err, ring.NotReady))
	s.Empty(s.delegate.Calls(), "delegate MUST NOT be touched before Start")
}

func (s *BridgeTestSuite) TestStartIsIdempotent() {
	s.start()
	s.start()
	identity, err := s.bridge.Identity()
	s.Require().NoError(err)
	s.True(identity.IsPlaceholder(), "identity MUST start as the placeholder")
	s.Equal(ring.DefaultDisplayName, identity.DisplayName)
}

func (s *BridgeTestSuite) TestRestartDropsEventsPublishedWhileStopped() {
	// GOAL: Verify a restarted bridge never replays bus events from while it was stopped
	//
	// TEST SCENARIO: Start → Stop → device-changed published → Start → heart rate published → only onData arrives

	s.start()
	s.bridge.Stop()

	s.bus.Publish(bus.KindDeviceChanged, support.DeviceSnapshot{
		Address: "AA:BB:CC:DD:EE:FF",
		State:   support.StateConnected,
		Battery: 42,
	})
	s.bus.Publish(bus.KindSyncFinished, nil)

	s.start()
	s.bus.Publish(bus.KindRealtimeSample, support.HeartRateSample{HeartRate: 70})

	ev := s.nextEvent()
	s.Equal(EventData, ev.name, "the first event after restart MUST be the fresh sample, got %s %s", ev.name, ev.payload)
	s.JSONEq(`{"heartRate":70}`, ev.payload)

	select {
	case stale := <-s.events:
		s.Failf("stale event delivered", "%s %s", stale.name, stale.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *BridgeTestSuite) TestConnectUsesManagerAdapter() {
	// GOAL: Verify the delegate receives the adapter the host BLE manager hands out

	s.bridge = New(s.cfg, s.boot, s.delegate, support.StaticManager{Default: support.StaticAdapter("hci1")}, s.helper.Logger)
	s.start()

	_, err := s.bridge.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	s.Require().NoError(err)

	s.delegate.mu.Lock()
	defer s.delegate.mu.Unlock()
	s.Equal("hci1", s.delegate.adapter, "SetContext MUST carry the configured adapter")
	s.Equal(ring.KindRing, s.delegate.identity.Kind, "a connected identity MUST be a ring")
}

func (s *BridgeTestSuite) TestConnectEmptyAddress() {
	// GOAL: Verify an empty address is rejected without reaching the delegate

	s.start()
	for _, address := range []string{"", "   "} {
		_, err := s.bridge.Connect(context.Background(), address)
		s.True(ring.IsKind(err, ring.InvalidArgument), "Connect(%q) MUST fail with InvalidArgument", address)
	}
	s.Empty(s.delegate.Calls(), "delegate MUST NOT be invoked")
}

func (s *BridgeTestSuite) TestCommandsBeforeConnect() {
	// GOAL: Verify session-bound commands fail with NotConnected before any successful connect

	s.start()
	s.True(ring.IsKind(s.bridge.MeasureHeartRate(), ring.NotConnected))
	s.True(ring.IsKind(s.bridge.FetchTemperatureHistory(), ring.NotConnected))
	s.True(ring.IsKind(s.bridge.FetchSleepHistory(), ring.NotConnected))
	s.NoError(s.bridge.Disconnect(), "Disconnect without a session MUST be a no-op")
	s.NoError(s.bridge.SendCommand())
	s.Empty(s.delegate.Calls())
}

func (s *BridgeTestSuite) TestConnectRejected() {
	s.start()
	s.delegate.accept = false

	_, err := s.bridge.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	s.True(ring.IsKind(err, ring.ConnectionRejected))
	s.Equal([]string{"SetContext", "Connect"}, s.delegate.Calls())
	s.True(ring.IsKind(s.bridge.MeasureHeartRate(), ring.NotConnected), "rejected connect MUST NOT create a session")
}

func (s *BridgeTestSuite) TestConnectAndCommands() {
	// GOAL: Verify connect builds the identity, acks "connecting" and enables commands
	//
	// TEST SCENARIO: Connect → ack → measure → both history aliases → disconnect → commands fail again

	s.start()
	ack, err := s.bridge.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).AssertValue(ack, `{"status":"connecting"}`)

	identity, err := s.bridge.Identity()
	s.Require().NoError(err)
	s.Equal("AA:BB:CC:DD:EE:FF", identity.Address)
	s.Equal(identity, s.delegate.identity, "delegate MUST receive the new identity")
	s.NotNil(s.delegate.environment, "delegate MUST receive the environment")

	s.NoError(s.bridge.MeasureHeartRate())
	s.NoError(s.bridge.FetchTemperatureHistory())
	s.NoError(s.bridge.FetchSleepHistory())
	s.Equal([]int64{0, 0}, s.delegate.fetchedSince, "history aliases MUST fetch from epoch 0")

	s.NoError(s.bridge.Disconnect())
	s.True(ring.IsKind(s.bridge.MeasureHeartRate(), ring.NotConnected))

	s.Equal([]string{
		"SetContext", "Connect", "OnHeartRateTest",
		"OnFetchRecordedData", "OnFetchRecordedData", "Disconnect",
	}, s.delegate.Calls())

	e, err := s.boot.Environment()
	s.Require().NoError(err)
	s.Equal("AA:BB:CC:DD:EE:FF", e.Prefs.GetString(env.KeyLastAddress), "last address MUST be remembered")
}

func (s *BridgeTestSuite) TestReconnectReplacesSession() {
	s.start()
	_, err := s.bridge.Connect(context.Background(), "AA:BB:CC:DD:EE:01")
	s.Require().NoError(err)
	_, err = s.bridge.Connect(context.Background(), "AA:BB:CC:DD:EE:02")
	s.Require().NoError(err)

	s.Equal([]string{"SetContext", "Connect", "Disconnect", "SetContext", "Connect"}, s.delegate.Calls())
	identity, _ := s.bridge.Identity()
	s.Equal("AA:BB:CC:DD:EE:02", identity.Address)
}

type endToEndScenario struct {
	Address string `yaml:"address"`
	State   struct {
		Label   string `yaml:"label"`
		Battery int    `yaml:"battery"`
	} `yaml:"state"`
	HeartRate []struct {
		Ago  int64 `yaml:"ago"`
		Rate int   `yaml:"rate"`
	} `yaml:"heart_rate"`
	Activity []struct {
		Ago      int64 `yaml:"ago"`
		Steps    int   `yaml:"steps"`
		Calories int   `yaml:"calories"`
		Distance int   `yaml:"distance"`
	} `yaml:"activity"`
	ExpectedConnection string `yaml:"expected_connection"`
	ExpectedSync       string `yaml:"expected_sync"`
}

func (s *BridgeTestSuite) TestEndToEnd() {
	// GOAL: Verify the full connect → state change → sync-finished flow produces the documented payloads
	//
	// TEST SCENARIO: load scenario → connect → publish device-changed → seed store → publish
	//                sync-finished → onConnectionChange and onSyncFinished match exactly

	var sc endToEndScenario
	s.Require().NoError(testutils.LoadYAMLFixture("internal/bridge/testdata/end_to_end.yaml", &sc))

	s.start()
	ack, err := s.bridge.Connect(context.Background(), sc.Address)
	s.Require().NoError(err)
	s.Equal(ring.StatusConnecting, ack.Status)

	state := support.StateNotConnected
	for candidate := support.StateNotConnected; candidate <= support.StateSyncing; candidate++ {
		if candidate.String() == sc.State.Label {
			state = candidate
		}
	}
	s.bus.Publish(bus.KindDeviceChanged, support.DeviceSnapshot{Address: sc.Address, State: state, Battery: sc.State.Battery})

	ev := s.nextEvent()
	s.Equal(EventConnectionChange, ev.name)
	testutils.NewJSONAsserter(s.T()).Assert(ev.payload, sc.ExpectedConnection)

	ctx := context.Background()
	st := s.store()
	id, err := st.UpsertDevice(ctx, sc.Address, "R02")
	s.Require().NoError(err)
	now := reconcileNow.Unix()
	var hr []store.HeartRateRow
	for _, r := range sc.HeartRate {
		hr = append(hr, store.HeartRateRow{Timestamp: now - r.Ago, HeartRate: r.Rate})
	}
	var act []store.ActivityRow
	for _, r := range sc.Activity {
		act = append(act, store.ActivityRow{Timestamp: now - r.Ago, Steps: r.Steps, Calories: r.Calories, Distance: r.Distance})
	}
	s.Require().NoError(st.AddHeartRateSamples(ctx, id, hr))
	s.Require().NoError(st.AddActivitySamples(ctx, id, act))

	s.bus.Publish(bus.KindSyncFinished, nil)

	ev = s.nextEvent()
	s.Equal(EventSyncFinished, ev.name)
	testutils.NewJSONAsserter(s.T()).Assert(ev.payload, sc.ExpectedSync)
}

func (s *BridgeTestSuite) TestRealtimeSampleReachesConsumer() {
	s.start()
	s.bus.Publish(bus.KindRealtimeSample, support.HeartRateSample{HeartRate: 66})

	ev := s.nextEvent()
	s.Equal(EventData, ev.name)
	s.JSONEq(`{"heartRate":66}`, ev.payload)
}

func (s *BridgeTestSuite) TestReconcileUsesLastAddress() {
	// GOAL: Verify on-demand history uses the remembered address when no device is connected

	s.start()
	e, err := s.boot.Environment()
	s.Require().NoError(err)

	ctx := context.Background()
	st := e.Store
	_, err = st.UpsertDevice(ctx, "00:11:22:33:44:55", "first")
	s.Require().NoError(err)
	id, err := st.UpsertDevice(ctx, "66:77:88:99:AA:BB", "remembered")
	s.Require().NoError(err)
	s.Require().NoError(st.AddHeartRateSamples(ctx, id, []store.HeartRateRow{{Timestamp: reconcileNow.Unix() - 1, HeartRate: 81}}))
	s.Require().NoError(e.Prefs.Set(env.KeyLastAddress, "66:77:88:99:AA:BB"))

	result, err := s.bridge.Reconcile(ctx)
	s.Require().NoError(err)
	s.Require().Len(result.History.HeartRate, 1)
	s.Equal(int64((reconcileNow.Unix()-1)*1000), result.History.HeartRate[0].TimestampMillis)

	select {
	case ev := <-s.events:
		s.Failf("unexpected consumer event", "on-demand reconcile emitted %s", ev.name)
	default:
	}
}

func (s *BridgeTestSuite) TestSecondBridgeOnSameEnvironment() {
	s.start()
	other := New(s.cfg, s.boot, &fakeDelegate{}, nil, s.helper.Logger)
	err := other.Start(context.Background())
	s.True(ring.IsKind(err, ring.BootstrapFailure), "a second controller MUST NOT attach to the environment")
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
