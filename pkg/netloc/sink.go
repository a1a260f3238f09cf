package netloc

import (
	"context"
	"errors"

	"github.com/markus-lassfolk/netlocd/pkg"
)

// Sink receives emitted locations. Only complete locations are delivered.
type Sink interface {
	ReportLocation(ctx context.Context, loc pkg.Location) error
	ReportLocations(ctx context.Context, locs []pkg.Location) error
}

// MultiSink fans a location out to several sinks. Every sink is tried; the
// returned error joins the individual failures.
type MultiSink []Sink

func (m MultiSink) ReportLocation(ctx context.Context, loc pkg.Location) error {
	var errs []error
	for _, s := range m {
		if err := s.ReportLocation(ctx, loc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) ReportLocations(ctx context.Context, locs []pkg.Location) error {
	var errs []error
	for _, s := range m {
		if err := s.ReportLocations(ctx, locs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFuncs adapts plain functions to a Sink. Nil functions are skipped.
type SinkFuncs struct {
	Single func(ctx context.Context, loc pkg.Location) error
	Batch  func(ctx context.Context, locs []pkg.Location) error
}

func (f SinkFuncs) ReportLocation(ctx context.Context, loc pkg.Location) error {
	if f.Single == nil {
		return nil
	}
	return f.Single(ctx, loc)
}

func (f SinkFuncs) ReportLocations(ctx context.Context, locs []pkg.Location) error {
	if f.Batch == nil {
		return nil
	}
	return f.Batch(ctx, locs)
}
