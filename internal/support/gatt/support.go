// Package gatt is a device-support implementation that talks to the ring over
// standard GATT: battery level, heart rate measurement notifications and the
// ring's UART command channel.
package gatt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/groutine"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/pkg/ring"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultSampleBuffer   = 1024
	defaultMaxPlausible   = 220
)

// Options configures a Support.
type Options struct {
	ConnectTimeout time.Duration
	SampleBuffer   uint32
	Dialer         Dialer
	Now            func() time.Time
}

// Support implements support.DeviceSupport over a GATT Link.
type Support struct {
	logger  *logrus.Logger
	timeout time.Duration
	dial    Dialer
	now     func() time.Time

	mu       sync.Mutex
	identity ring.DeviceIdentity
	adapter  support.Adapter
	env      *env.Environment
	link     Link
	state    support.DeviceState
	battery  int
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	samples mpmc.RichOverlappedRingBuffer[support.HeartRateSample]
	stages  *stageChain
}

var _ support.DeviceSupport = (*Support)(nil)

// New creates a Support. Zero option fields take defaults.
func New(opts Options, logger *logrus.Logger) *Support {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.SampleBuffer == 0 {
		opts.SampleBuffer = DefaultSampleBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = DialBLE
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Support{
		logger:  logger,
		timeout: opts.ConnectTimeout,
		dial:    opts.Dialer,
		now:     opts.Now,
		state:   support.StateNotConnected,
		battery: support.UnknownBattery,
		samples: mpmc.NewOverlappedRingBuffer[support.HeartRateSample](opts.SampleBuffer),
	}
	s.stages = newStageChain(s)
	return s
}

// SetContext attaches the device and environment the next Connect uses.
func (s *Support) SetContext(identity ring.DeviceIdentity, adapter support.Adapter, environment *env.Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.adapter = adapter
	s.env = environment
}

// Connect starts dialing in the background. Returns false when no context is
// set or a link is already up or being established.
func (s *Support) Connect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.env == nil || s.env.Bus == nil || s.identity.Address == "" {
		s.logger.Warn("Connect called without device context")
		return false
	}
	if s.state != support.StateNotConnected {
		s.logger.WithField("state", s.state).Warn("Connect called while a link is active")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setStateLocked(support.StateConnecting)

	identity := s.identity
	adapter := support.DefaultAdapterName
	if s.adapter != nil {
		adapter = s.adapter.Name()
	}
	groutine.GoTracked(&s.wg, ctx, "gatt-connect", func(ctx context.Context) {
		s.run(ctx, adapter, identity)
	})
	return true
}

func (s *Support) run(ctx context.Context, adapter string, identity ring.DeviceIdentity) {
	log := s.logger.WithFields(logrus.Fields{
		"adapter":   adapter,
		"address":   identity.Address,
		"goroutine": groutine.GetName(ctx),
	})

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	link, err := s.dial(dialCtx, adapter, identity.Address, s.logger)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		log.WithError(err).Error("Failed to connect to device")
		s.drop(nil)
		return
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	s.link = link
	s.mu.Unlock()

	if level, err := link.ReadBattery(); err != nil {
		log.WithError(err).Warn("Battery level unavailable")
	} else {
		s.mu.Lock()
		s.battery = level
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.setStateLocked(support.StateConnected)
	s.mu.Unlock()

	if err := link.SubscribeHeartRate(s.onHeartRate); err != nil {
		log.WithError(err).Warn("Heart rate notifications unavailable")
	}

	select {
	case <-ctx.Done():
	case <-link.Disconnected():
		log.Warn("Device dropped the link")
		s.drop(link)
	}
}

// drop tears down link (if still current) and reports NOT_CONNECTED.
func (s *Support) drop(link Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link != nil && s.link != link {
		return
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing link failed")
		}
		s.link = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setStateLocked(support.StateNotConnected)
}

// Disconnect cancels any connect in progress and closes the link.
func (s *Support) Disconnect() {
	s.mu.Lock()
	active := s.state != support.StateNotConnected
	s.mu.Unlock()
	if !active {
		return
	}
	s.drop(nil)
	s.wg.Wait()
	s.logger.Info("Device disconnected")
}

func (s *Support) onHeartRate(data []byte) {
	rate, err := DecodeHeartRateMeasurement(data)
	if err != nil {
		s.logger.WithError(err).Debug("Dropping malformed heart rate notification")
		return
	}

	s.mu.Lock()
	environment := s.env
	s.mu.Unlock()
	if environment == nil {
		return
	}

	limit := defaultMaxPlausible
	if environment.Prefs != nil {
		if v := environment.Prefs.GetInt(env.KeyMaxPlausibleRate); v > 0 {
			limit = v
		}
	}
	if rate <= 0 || rate > limit {
		s.logger.WithField("heart_rate", rate).Debug("Dropping implausible heart rate")
		return
	}

	sample := support.HeartRateSample{Timestamp: s.now(), HeartRate: rate}
	if overwritten, err := s.samples.EnqueueM(sample); err != nil {
		s.logger.WithError(err).Warn("Failed to buffer heart rate sample")
	} else if overwritten > 0 {
		s.logger.WithField("overwritten", overwritten).Debug("Sample buffer full, oldest samples dropped")
	}
	support.PublishSample(environment.Bus, sample)
}

// OnHeartRateTest sends the start-measurement command to the ring.
func (s *Support) OnHeartRateTest() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		s.logger.Warn("Heart rate test requested without a link")
		return
	}

	groutine.Go(context.Background(), "gatt-hr-test", func(ctx context.Context) {
		if err := link.WriteCommand(StartHeartRateFrame()); err != nil {
			s.logger.WithError(err).Warn("Failed to start heart rate measurement")
			return
		}
		s.logger.Debug("Heart rate measurement started")
	})
}

// OnFetchRecordedData runs the sync chain in the background and signals
// sync-finished when it completes.
func (s *Support) OnFetchRecordedData(since int64) {
	s.mu.Lock()
	if s.state != support.StateConnected {
		s.logger.WithField("state", s.state).Warn("Fetch requested without a ready link")
		s.mu.Unlock()
		return
	}
	s.setStateLocked(support.StateSyncing)
	environment := s.env
	identity := s.identity
	s.mu.Unlock()

	groutine.GoTracked(&s.wg, context.Background(), "gatt-sync", func(ctx context.Context) {
		s.stages.run(ctx, environment, identity, since)

		s.mu.Lock()
		if s.state == support.StateSyncing {
			s.setStateLocked(support.StateConnected)
		}
		s.mu.Unlock()
		support.PublishSyncFinished(environment.Bus)
	})
}

// State returns the current link state.
func (s *Support) State() support.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Support) setStateLocked(state support.DeviceState) {
	if s.state == state {
		return
	}
	s.state = state
	if state == support.StateNotConnected {
		s.battery = support.UnknownBattery
	}
	if s.env == nil || s.env.Bus == nil {
		return
	}
	support.PublishState(s.env.Bus, support.DeviceSnapshot{
		Address: s.identity.Address,
		State:   state,
		Battery: s.battery,
	})
}

// drainSamples empties the sample buffer.
func (s *Support) drainSamples() []support.HeartRateSample {
	var out []support.HeartRateSample
	for !s.samples.IsEmpty() {
		sample, err := s.samples.Dequeue()
		if err != nil {
			break
		}
		out = append(out, sample)
	}
	return out
}
