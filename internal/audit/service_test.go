package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

// memoryLog is a minimal in-package log store so the service tests do not
// import the store package.
type memoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *memoryLog) Append(_ context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Seq = Seq(len(m.entries) + 1)
	prev := ""
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].ChainHash
	}
	entry.ChainHash = ChainDigest(prev, entry)
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memoryLog) ReadFrom(_ context.Context, cursor Seq, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Seq > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryLog) Head(_ context.Context) (Seq, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Seq(len(m.entries)), nil
}

func (m *memoryLog) List(_ context.Context, filter Filter) ([]Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if filter.Matches(m.entries[i]) {
			matched = append(matched, m.entries[i])
		}
	}
	total := len(matched)
	offset, size := filter.Bounds()
	if offset >= total {
		return nil, total, nil
	}
	end := offset + size
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	log     *memoryLog
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.log = &memoryLog{}
	var err error
	s.service, err = NewService(s.log)
	s.Require().NoError(err)
}

func validRaw() RawEvent {
	return RawEvent{
		Actor:      Actor{ID: domain.AccountID("admin-1"), Role: "admin"},
		Action:     "export_report",
		ActionType: ActionRead,
		Resource:   Resource{Type: "report", ID: "r-1"},
		Outcome:    OutcomeSuccess,
	}
}

func (s *ServiceSuite) TestRecord() {
	s.Run("committed entry carries seq, severity, and chain hash", func() {
		entry, err := s.service.Record(s.ctx, validRaw())
		s.Require().NoError(err)
		s.EqualValues(1, entry.Seq)
		s.Equal(SeverityLow, entry.Severity)
		s.NotEmpty(entry.ChainHash)
	})

	s.Run("sequence ids are strictly increasing and gapless", func() {
		for i := 0; i < 5; i++ {
			_, err := s.service.Record(s.ctx, validRaw())
			s.Require().NoError(err)
		}
		head, err := s.log.Head(s.ctx)
		s.Require().NoError(err)
		s.EqualValues(6, head)
		for i, e := range s.log.entries {
			s.EqualValues(i+1, e.Seq)
		}
	})

	s.Run("validation failure commits nothing", func() {
		before, _ := s.log.Head(s.ctx)
		_, err := s.service.Record(s.ctx, RawEvent{Action: "x"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		after, _ := s.log.Head(s.ctx)
		s.Equal(before, after)
	})

	s.Run("severity in the request is ignored in favor of the table", func() {
		raw := validRaw()
		raw.ActionType = ActionSecurity
		raw.Outcome = OutcomeFailed
		entry, err := s.service.Record(s.ctx, raw)
		s.Require().NoError(err)
		s.Equal(SeverityCritical, entry.Severity)
	})

	s.Run("notify hook fires per append", func() {
		woken := 0
		svc, err := NewService(s.log, WithNotify(func() { woken++ }))
		s.Require().NoError(err)
		_, err = svc.Record(s.ctx, validRaw())
		s.Require().NoError(err)
		_, err = svc.Record(s.ctx, validRaw())
		s.Require().NoError(err)
		s.Equal(2, woken)
	})

	s.Run("user agent enriches the device label", func() {
		raw := validRaw()
		raw.Origin.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
		entry, err := s.service.Record(s.ctx, raw)
		s.Require().NoError(err)
		s.Contains(entry.Origin.Device, "Chrome")
	})
}

func (s *ServiceSuite) TestRecordFromContext() {
	ctx := requestcontext.WithActorID(s.ctx, domain.AccountID("operator-7"))
	ctx = requestcontext.WithActorRole(ctx, "operator")
	ctx = requestcontext.WithClientIP(ctx, "203.0.113.10")

	raw := validRaw()
	raw.Actor = Actor{}
	entry, err := s.service.RecordFromContext(ctx, raw)
	s.Require().NoError(err)
	s.Equal(domain.AccountID("operator-7"), entry.Actor.ID)
	s.Equal("203.0.113.10", entry.Origin.IP)
}

func (s *ServiceSuite) TestQuery() {
	for i := 0; i < 3; i++ {
		raw := validRaw()
		if i == 1 {
			raw.ActionType = ActionLogin
			raw.Outcome = OutcomeFailed
		}
		_, err := s.service.Record(s.ctx, raw)
		s.Require().NoError(err)
	}

	s.Run("unfiltered query returns newest first", func() {
		entries, total, err := s.service.Query(s.ctx, Filter{})
		s.Require().NoError(err)
		s.Equal(3, total)
		s.EqualValues(3, entries[0].Seq)
	})

	s.Run("outcome filter narrows", func() {
		entries, total, err := s.service.Query(s.ctx, Filter{Outcome: OutcomeFailed})
		s.Require().NoError(err)
		s.Equal(1, total)
		s.Require().Len(entries, 1)
		s.Equal(ActionLogin, entries[0].ActionType)
	})
}
