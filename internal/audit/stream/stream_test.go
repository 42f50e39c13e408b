package stream_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"vigil/internal/audit"
	logstore "vigil/internal/audit/store/log"
	"vigil/internal/audit/stream"
)

// recordingConsumer collects every entry it is handed and can be told to
// fail a given sequence a number of times before accepting it.
type recordingConsumer struct {
	name string

	mu       sync.Mutex
	seen     []audit.Seq
	failSeq  audit.Seq
	failures int
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Process(_ context.Context, entry audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.Seq == c.failSeq && c.failures > 0 {
		c.failures--
		return errors.New("transient failure")
	}
	c.seen = append(c.seen, entry.Seq)
	return nil
}

func (c *recordingConsumer) sequences() []audit.Seq {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Seq, len(c.seen))
	copy(out, c.seen)
	return out
}

type DispatcherSuite struct {
	suite.Suite

	store *logstore.InMemoryStore
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.store = logstore.NewInMemoryStore()
}

func (s *DispatcherSuite) appendEntries(n int) {
	for i := 0; i < n; i++ {
		_, err := s.store.Append(context.Background(), audit.Entry{
			Timestamp:  time.Now().UTC(),
			Actor:      audit.Actor{ID: "acct-1"},
			Action:     fmt.Sprintf("login attempt %d", i),
			ActionType: audit.ActionLogin,
			Resource:   audit.Resource{Type: "session"},
			Outcome:    audit.OutcomeSuccess,
			Severity:   audit.SeverityLow,
		})
		s.Require().NoError(err)
	}
}

func (s *DispatcherSuite) eventually(cond func() bool) {
	s.Require().Eventually(cond, 2*time.Second, 5*time.Millisecond)
}

func (s *DispatcherSuite) TestDeliversInOrderToAllConsumers() {
	s.appendEntries(5)

	first := &recordingConsumer{name: "first"}
	second := &recordingConsumer{name: "second"}

	d := stream.NewDispatcher(s.store,
		stream.WithPollInterval(10*time.Millisecond),
		stream.WithRetryBackoff(time.Millisecond),
	)
	d.Register(first)
	d.Register(second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	want := []audit.Seq{1, 2, 3, 4, 5}
	s.eventually(func() bool { return len(first.sequences()) == 5 })
	s.eventually(func() bool { return len(second.sequences()) == 5 })
	s.Equal(want, first.sequences())
	s.Equal(want, second.sequences())

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func (s *DispatcherSuite) TestWakeShortCircuitsPollInterval() {
	consumer := &recordingConsumer{name: "waker"}

	d := stream.NewDispatcher(s.store,
		stream.WithPollInterval(time.Hour), // only Wake can trigger delivery
		stream.WithRetryBackoff(time.Millisecond),
	)
	d.Register(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Let the initial empty drain pass so the loop is parked on the ticker.
	time.Sleep(20 * time.Millisecond)

	s.appendEntries(2)
	d.Wake()

	s.eventually(func() bool { return len(consumer.sequences()) == 2 })
	s.Equal([]audit.Seq{1, 2}, consumer.sequences())
}

func (s *DispatcherSuite) TestFailingEntryRetriedWithoutSkipping() {
	s.appendEntries(3)

	consumer := &recordingConsumer{name: "flaky", failSeq: 2, failures: 3}

	d := stream.NewDispatcher(s.store,
		stream.WithPollInterval(10*time.Millisecond),
		stream.WithRetryBackoff(time.Millisecond),
	)
	d.Register(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Entry 2 fails three times but must still land before entry 3.
	s.eventually(func() bool { return len(consumer.sequences()) == 3 })
	s.Equal([]audit.Seq{1, 2, 3}, consumer.sequences())
}

func (s *DispatcherSuite) TestSlowConsumerDoesNotBlockOthers() {
	s.appendEntries(4)

	stuck := &recordingConsumer{name: "stuck", failSeq: 1, failures: 1 << 30}
	healthy := &recordingConsumer{name: "healthy"}

	d := stream.NewDispatcher(s.store,
		stream.WithPollInterval(10*time.Millisecond),
		stream.WithRetryBackoff(time.Millisecond),
	)
	d.Register(stuck)
	d.Register(healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	s.eventually(func() bool { return len(healthy.sequences()) == 4 })
	s.Empty(stuck.sequences())
}

func (s *DispatcherSuite) TestBatchSizeBoundsEachRead() {
	s.appendEntries(10)

	consumer := &recordingConsumer{name: "batched"}

	d := stream.NewDispatcher(s.store,
		stream.WithPollInterval(10*time.Millisecond),
		stream.WithRetryBackoff(time.Millisecond),
		stream.WithBatchSize(3),
	)
	d.Register(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Several reads are needed, but every entry still arrives exactly once.
	s.eventually(func() bool { return len(consumer.sequences()) == 10 })
	want := make([]audit.Seq, 10)
	for i := range want {
		want[i] = audit.Seq(i + 1)
	}
	s.Equal(want, consumer.sequences())
}
