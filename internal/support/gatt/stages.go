package gatt

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/store"
	"github.com/srg/ringbridge/pkg/ring"
)

// Sync stage names, in chain order.
const (
	StageActivity    = "activity"
	StageHeartRate   = "heart_rate"
	StageStress      = "stress"
	StageOxygen      = "oxygen"
	StageSleep       = "sleep"
	StageVariability = "variability"
	StageTemperature = "temperature"
)

// errStageUnsupported marks a stage this transport cannot serve.
var errStageUnsupported = errors.New("stage not supported over standard GATT")

type stageFunc func(ctx context.Context, e *env.Environment, id ring.DeviceIdentity, since int64) error

type stageChain struct {
	s      *Support
	stages *orderedmap.OrderedMap[string, stageFunc]
}

func newStageChain(s *Support) *stageChain {
	c := &stageChain{s: s, stages: orderedmap.New[string, stageFunc]()}
	unsupported := func(context.Context, *env.Environment, ring.DeviceIdentity, int64) error {
		return errStageUnsupported
	}

	c.stages.Set(StageActivity, unsupported)
	c.stages.Set(StageHeartRate, c.persistHeartRate)
	c.stages.Set(StageStress, unsupported)
	c.stages.Set(StageOxygen, unsupported)
	c.stages.Set(StageSleep, unsupported)
	c.stages.Set(StageVariability, unsupported)
	c.stages.Set(StageTemperature, unsupported)
	return c
}

// names lists the stages in execution order.
func (c *stageChain) names() []string {
	out := make([]string, 0, c.stages.Len())
	for pair := c.stages.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// run executes every stage in order. A failing stage is logged and the chain continues.
func (c *stageChain) run(ctx context.Context, e *env.Environment, id ring.DeviceIdentity, since int64) {
	for pair := c.stages.Oldest(); pair != nil; pair = pair.Next() {
		if ctx.Err() != nil {
			return
		}
		log := c.s.logger.WithField("stage", pair.Key)
		err := pair.Value(ctx, e, id, since)
		switch {
		case err == nil:
			log.Debug("Sync stage finished")
		case errors.Is(err, errStageUnsupported):
			log.Debug("Sync stage skipped")
		default:
			log.WithError(err).Warn("Sync stage failed")
		}
	}
}

// persistHeartRate writes buffered realtime samples newer than since into the store.
func (c *stageChain) persistHeartRate(ctx context.Context, e *env.Environment, id ring.DeviceIdentity, since int64) error {
	samples := c.s.drainSamples()
	if len(samples) == 0 {
		return nil
	}
	if e == nil || e.Store == nil {
		return fmt.Errorf("no storage handle")
	}

	deviceID, err := e.Store.UpsertDevice(ctx, id.Address, id.DisplayName)
	if err != nil {
		return err
	}

	rows := make([]store.HeartRateRow, 0, len(samples))
	for _, sample := range samples {
		ts := sample.Timestamp.Unix()
		if ts <= since {
			continue
		}
		rows = append(rows, store.HeartRateRow{Timestamp: ts, HeartRate: sample.HeartRate})
	}
	if err := e.Store.AddHeartRateSamples(ctx, deviceID, rows); err != nil {
		return err
	}

	c.s.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"samples":   len(rows),
	}).Info("Heart rate samples stored")
	return nil
}
