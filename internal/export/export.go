// Package export persists calibration dumps and velocity traces.
package export

import (
	"context"
	"errors"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/recorder"
)

// Sink receives the labeled numeric output of a session.
type Sink interface {
	WriteCalibration(ctx context.Context, sessionID string, exp *calibration.Export) error
	WriteVelocity(ctx context.Context, sessionID string, trace recorder.Trace) error
}

// MultiSink writes to every sink in order. All sinks are attempted; the
// errors are joined.
type MultiSink []Sink

func (m MultiSink) WriteCalibration(ctx context.Context, sessionID string, exp *calibration.Export) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteCalibration(ctx, sessionID, exp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) WriteVelocity(ctx context.Context, sessionID string, trace recorder.Trace) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteVelocity(ctx, sessionID, trace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
