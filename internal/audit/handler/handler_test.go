package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"vigil/internal/audit"
	logstore "vigil/internal/audit/store/log"
)

type AuditHandlerSuite struct {
	suite.Suite
	router chi.Router
}

func TestAuditHandlerSuite(t *testing.T) {
	suite.Run(t, new(AuditHandlerSuite))
}

func (s *AuditHandlerSuite) SetupTest() {
	service, err := audit.NewService(logstore.NewInMemoryStore())
	s.Require().NoError(err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(service, logger).Register(s.router)
}

func (s *AuditHandlerSuite) record(body map[string]any) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, "/audit-events", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]any {
	return map[string]any{
		"actor":       map[string]any{"id": "admin-1", "name": "Dana", "role": "admin"},
		"action":      "export_report",
		"action_type": "read",
		"resource":    map[string]any{"type": "report", "id": "r-77"},
		"outcome":     "success",
		"origin":      map[string]any{"ip": "203.0.113.5"},
	}
}

func (s *AuditHandlerSuite) TestHandleRecord() {
	s.Run("valid event is committed with a sequence id", func() {
		rec := s.record(validBody())
		s.Equal(http.StatusCreated, rec.Code)

		var entry audit.Entry
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &entry))
		s.EqualValues(1, entry.Seq)
		s.Equal(audit.SeverityLow, entry.Severity)
		s.NotEmpty(entry.ChainHash)
	})

	s.Run("missing fields yield 422 with the field list", func() {
		body := validBody()
		delete(body, "actor")
		delete(body, "outcome")
		rec := s.record(body)
		s.Equal(http.StatusUnprocessableEntity, rec.Code)

		var envelope map[string]string
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &envelope))
		s.Equal("validation_error", envelope["error"])
		s.Contains(envelope["error_description"], "actor.id")
	})

	s.Run("unknown action type is rejected", func() {
		body := validBody()
		body["action_type"] = "browse"
		rec := s.record(body)
		s.Equal(http.StatusUnprocessableEntity, rec.Code)
	})

	s.Run("malformed json is a bad request", func() {
		req := httptest.NewRequest(http.MethodPost, "/audit-events", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *AuditHandlerSuite) TestHandleQuery() {
	for i := 0; i < 3; i++ {
		body := validBody()
		if i == 2 {
			body["action_type"] = "login"
			body["outcome"] = "failed"
		}
		s.Require().Equal(http.StatusCreated, s.record(body).Code)
	}

	s.Run("entries come back newest first", func() {
		req := httptest.NewRequest(http.MethodGet, "/audit-events", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusOK, rec.Code)

		var resp QueryResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal(3, resp.Total)
		s.Require().Len(resp.Entries, 3)
		s.EqualValues(3, resp.Entries[0].Seq)
	})

	s.Run("filters narrow the result", func() {
		req := httptest.NewRequest(http.MethodGet, "/audit-events?actionType=login&status=failed", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusOK, rec.Code)

		var resp QueryResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal(1, resp.Total)
	})

	s.Run("bad filter values are rejected", func() {
		req := httptest.NewRequest(http.MethodGet, "/audit-events?severity=apocalyptic", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusUnprocessableEntity, rec.Code)
	})
}
