package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"optin/internal/notify"
	"optin/internal/subscriber/service"
	"optin/internal/subscriber/store"
	"optin/internal/subscriber/token"
	"optin/pkg/testutil"
)

type captureNotifier struct {
	sent []notify.Confirmation
}

func (c *captureNotifier) SendConfirmation(_ context.Context, msg notify.Confirmation) error {
	c.sent = append(c.sent, msg)
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HandlerSuite struct {
	suite.Suite
	notifier *captureNotifier
	router   http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.notifier = &captureNotifier{}
	svc := service.New(
		store.NewInMemoryStore(),
		token.NewCodec("test-secret"),
		s.notifier,
		logger,
		[]string{"juniper.camp"},
	)
	s.router = New(svc, logger, nil).Router()
}

func (s *HandlerSuite) subscribe(email string) *http.Response {
	req := testutil.NewJSONRequest(s.T(), http.MethodPut, "/subscribe", map[string]string{
		"email":  email,
		"siteId": "juniper.camp",
	})
	return testutil.DoRequest(s.router, req).Result()
}

func (s *HandlerSuite) confirm(body map[string]string) *http.Response {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/confirm", body)
	return testutil.DoRequest(s.router, req).Result()
}

func (s *HandlerSuite) TestSubscribeOK() {
	resp := s.subscribe("a@x.com")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Len(s.notifier.sent, 1)
}

func (s *HandlerSuite) TestSubscribeMalformedBody() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPut, "/subscribe", nil)
	req.Body = http.NoBody
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *HandlerSuite) TestSubscribeUnknownFieldRejected() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPut, "/subscribe", map[string]string{
		"email":  "a@x.com",
		"siteId": "juniper.camp",
		"extra":  "nope",
	})
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *HandlerSuite) TestSubscribeInvalidEmail() {
	resp := s.subscribe("not-an-email")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerSuite) TestSubscribeUnknownSite() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPut, "/subscribe", map[string]string{
		"email":  "a@x.com",
		"siteId": "evil.example",
	})
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusBadRequest, rr.Code)
	body := testutil.UnmarshalResponse[errorBody](s.T(), rr)
	s.Equal("validation", body.Error)
}

func (s *HandlerSuite) TestConfirmFlow() {
	s.Require().Equal(http.StatusOK, s.subscribe("a@x.com").StatusCode)
	msg := s.notifier.sent[0]

	resp := s.confirm(map[string]string{
		"email":  "a@x.com",
		"siteId": "juniper.camp",
		"token":  msg.Token,
	})
	s.Equal(http.StatusOK, resp.StatusCode)

	// Clicking the link twice reads as success both times.
	resp = s.confirm(map[string]string{
		"email":  "a@x.com",
		"siteId": "juniper.camp",
		"token":  msg.Token,
	})
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestConfirmBySubscriberID() {
	s.Require().Equal(http.StatusOK, s.subscribe("a@x.com").StatusCode)
	msg := s.notifier.sent[0]

	resp := s.confirm(map[string]string{
		"subscriberId": msg.SubscriberID,
		"siteId":       "juniper.camp",
		"token":        msg.Token,
	})
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestConfirmBadTokenIsGone() {
	s.Require().Equal(http.StatusOK, s.subscribe("a@x.com").StatusCode)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/confirm", map[string]string{
		"email":  "a@x.com",
		"siteId": "juniper.camp",
		"token":  "forged",
	}))
	s.Equal(http.StatusGone, rr.Code)
	body := testutil.UnmarshalResponse[errorBody](s.T(), rr)
	s.Equal("invalid_token", body.Error)
}

func (s *HandlerSuite) TestConfirmSupersededTokenIsGone() {
	s.Require().Equal(http.StatusOK, s.subscribe("a@x.com").StatusCode)
	first := s.notifier.sent[0].Token
	s.Require().Equal(http.StatusOK, s.subscribe("a@x.com").StatusCode)

	resp := s.confirm(map[string]string{
		"email":  "a@x.com",
		"siteId": "juniper.camp",
		"token":  first,
	})
	s.Equal(http.StatusGone, resp.StatusCode)
}

func (s *HandlerSuite) TestConfirmUnknownSubscriberNotFound() {
	resp := s.confirm(map[string]string{
		"email":  "ghost@x.com",
		"siteId": "juniper.camp",
		"token":  "whatever",
	})
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *HandlerSuite) TestCounts() {
	s.Require().Equal(http.StatusOK, s.subscribe("a@x.com").StatusCode)
	s.Require().Equal(http.StatusOK, s.subscribe("b@x.com").StatusCode)
	msg := s.notifier.sent[0]
	s.Require().Equal(http.StatusOK, s.confirm(map[string]string{
		"email":  "a@x.com",
		"siteId": "juniper.camp",
		"token":  msg.Token,
	}).StatusCode)

	req := testutil.NewJSONRequest(s.T(), http.MethodGet, "/subscribers/count?site=juniper.camp", nil)
	rr := testutil.DoRequest(s.router, req)
	s.Require().Equal(http.StatusOK, rr.Code)

	counts := testutil.UnmarshalResponse[map[string]int64](s.T(), rr)
	s.EqualValues(1, (*counts)["confirmed"])
	s.EqualValues(1, (*counts)["pending"])
}

func (s *HandlerSuite) TestHealthz() {
	req := testutil.NewJSONRequest(s.T(), http.MethodGet, "/healthz", nil)
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusOK, rr.Code)
	s.True(strings.Contains(rr.Body.String(), "ok"))
}

func (s *HandlerSuite) TestPreflightAnswered() {
	req := testutil.NewJSONRequest(s.T(), http.MethodOptions, "/subscribe", nil)
	req.Header.Set("Origin", "https://juniper.camp")
	rr := testutil.DoRequest(s.router, req)

	s.Equal(http.StatusNoContent, rr.Code)
	s.NotEmpty(rr.Header().Get("Access-Control-Allow-Origin"))
}
