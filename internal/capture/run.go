package capture

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// RunConfig sizes the capture pipeline.
type RunConfig struct {
	// Workers is the number of per-topic writer goroutines. A topic always
	// hashes to the same worker, so its records keep arrival order.
	Workers int
	// Buffer is the total queue capacity across workers.
	Buffer        int
	SweepInterval time.Duration
}

func (rc RunConfig) withDefaults() RunConfig {
	if rc.Workers <= 0 {
		rc.Workers = model.DefaultWorkers
	}
	if rc.Buffer <= 0 {
		rc.Buffer = model.DefaultBuffer
	}
	if rc.SweepInterval <= 0 {
		rc.SweepInterval = model.DefaultSweepInterval
	}
	return rc
}

// Run consumes msgs until the channel closes or ctx is done, then drains
// the queued messages and closes the coordinator. The aggregate stream has
// its own worker so it sees messages in arrival order without stalling the
// topic workers.
func (c *Coordinator) Run(ctx context.Context, msgs <-chan model.Message, rc RunConfig) error {
	rc = rc.withDefaults()

	perQueue := max(rc.Buffer/(rc.Workers+1), 1)
	topicQueues := make([]chan model.Message, rc.Workers)
	for i := range topicQueues {
		topicQueues[i] = make(chan model.Message, perQueue)
	}
	aggQueue := make(chan model.Message, perQueue)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		c.sweepLoop(sweepCtx, rc.SweepInterval)
	}()

	var g errgroup.Group
	for _, q := range topicQueues {
		g.Go(func() error {
			c.drain(q, func(msg model.Message) model.StreamKey { return model.TopicKey(msg.Topic) })
			return nil
		})
	}
	g.Go(func() error {
		c.drain(aggQueue, func(model.Message) model.StreamKey { return model.AggregateKey })
		return nil
	})

	g.Go(func() error {
		defer func() {
			close(aggQueue)
			for _, q := range topicQueues {
				close(q)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				c.metrics.MessagesReceived.Inc()
				msg = c.stamp(msg)
				if c.cfg.Aggregate.Enabled {
					aggQueue <- msg
				}
				if c.cfg.Topics.Enabled {
					topicQueues[shard(msg.Topic, len(topicQueues))] <- msg
				}
			}
		}
	})

	err := g.Wait()
	stopSweep()
	<-sweepDone
	return errors.Join(err, c.Close())
}

func (c *Coordinator) drain(q <-chan model.Message, keyOf func(model.Message) model.StreamKey) {
	for msg := range q {
		if err := c.Deliver(keyOf(msg), msg); errors.Is(err, ErrClosed) {
			c.metrics.MessagesDropped.Inc()
		}
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			c.Sweep()
		}
	}
}

func shard(topic string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(n))
}
