package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/mqtt-recorder/internal/clock"
	"github.com/tinytelemetry/mqtt-recorder/internal/metrics"
	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

var (
	// ErrInvalidSpeed is returned for a speed multiplier that is not positive.
	ErrInvalidSpeed = errors.New("replay: speed must be greater than 0")
	// ErrNoRecords stops a looping replay whose pass produced nothing.
	ErrNoRecords = errors.New("replay: no records to replay")
)

// Publisher sends one record to the bus.
type Publisher interface {
	Publish(ctx context.Context, rec model.Record) error
}

// Source is a single pass over time-ordered records.
type Source interface {
	Next() (model.Record, error)
	Close() error
}

// OpenFunc starts a new pass.
type OpenFunc func(ctx context.Context) (Source, error)

// PacerConfig configures a Pacer.
type PacerConfig struct {
	Speed   float64
	Loop    bool
	Clock   clock.Clock
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Summary reports what a replay did.
type Summary struct {
	Passes    int           `json:"passes"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Span      time.Duration `json:"span"`          // record time covered by the last pass
	Wall      time.Duration `json:"wall_duration"` // actual wall clock time
}

// Pacer publishes records spaced like they were captured, scaled by speed.
type Pacer struct {
	pub Publisher
	cfg PacerConfig
}

// NewPacer returns a pacer, or ErrInvalidSpeed.
func NewPacer(pub Publisher, cfg PacerConfig) (*Pacer, error) {
	if !(cfg.Speed > 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpeed, cfg.Speed)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Pacer{pub: pub, cfg: cfg}, nil
}

// Run plays one pass, or passes back to back when looping, until the
// records run out or ctx is done. Cancellation interrupts a pending sleep.
// The first record of every pass is published immediately.
func (p *Pacer) Run(ctx context.Context, open OpenFunc) (sum Summary, err error) {
	wallStart := p.cfg.Clock.Now()
	defer func() { sum.Wall = p.cfg.Clock.Now().Sub(wallStart) }()

	for {
		src, err := open(ctx)
		if err != nil {
			return sum, err
		}
		n, err := p.pass(ctx, src, &sum)
		if cerr := src.Close(); cerr != nil {
			p.cfg.Logger.WithError(cerr).Debug("replay: close source")
		}
		if err != nil {
			return sum, err
		}
		sum.Passes++
		p.cfg.Metrics.ReplayPasses.Inc()
		p.cfg.Logger.WithFields(logrus.Fields{
			"pass":    sum.Passes,
			"records": n,
		}).Info("replay: pass complete")

		if !p.cfg.Loop {
			return sum, nil
		}
		if n == 0 {
			return sum, ErrNoRecords
		}
	}
}

func (p *Pacer) pass(ctx context.Context, src Source, sum *Summary) (int, error) {
	var (
		n         int
		first     time.Time
		passStart time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("replay: read: %w", err)
		}

		if n == 0 {
			first, passStart = rec.Time, p.cfg.Clock.Now()
			sum.Span = 0
		} else {
			// Pace against the pass start so publish latency does not add up.
			due := passStart.Add(time.Duration(float64(rec.Time.Sub(first)) / p.cfg.Speed))
			if err := p.sleep(ctx, due.Sub(p.cfg.Clock.Now())); err != nil {
				return n, err
			}
			sum.Span = rec.Time.Sub(first)
		}

		if err := p.pub.Publish(ctx, rec); err != nil {
			sum.Failed++
			p.cfg.Metrics.ReplayFailed.Inc()
			p.cfg.Logger.WithError(err).WithField("topic", rec.Topic).Warn("replay: publish failed")
		} else {
			sum.Published++
			p.cfg.Metrics.ReplayPublished.Inc()
		}
		n++
	}
}

func (p *Pacer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.cfg.Clock.After(d):
		return nil
	}
}
