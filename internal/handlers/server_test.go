package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/commands"
	"sentinel/internal/delivery"
	"sentinel/internal/escalation"
	"sentinel/internal/lifecycle"
	"sentinel/internal/models"
	"sentinel/internal/resolution"
	"sentinel/internal/summary"
)

type fakeRaw struct {
	sources []string
	docs    []string
}

func (f *fakeRaw) AppendRawEvent(_ context.Context, source string, payload []byte, at time.Time) (*models.RawEvent, error) {
	f.sources = append(f.sources, source)
	f.docs = append(f.docs, string(payload))
	return &models.RawEvent{ID: int64(len(f.docs)), Source: source, Payload: payload, ReceivedTS: at}, nil
}

type fakeInbound struct {
	events []lifecycle.InboundEvent
}

func (f *fakeInbound) HandleInbound(_ context.Context, ev lifecycle.InboundEvent) (lifecycle.Outcome, error) {
	f.events = append(f.events, ev)
	return lifecycle.Outcome{Action: lifecycle.ActionCreated, IssueID: 7}, nil
}

func (f *fakeInbound) WatchedRoute(routes []string) (string, bool) {
	for _, r := range routes {
		if r == "tech_sentinel" {
			return r, true
		}
	}
	return "", false
}

type fakeCommands struct {
	texts []string
	reply commands.Reply
}

func (f *fakeCommands) Handle(_ context.Context, from commands.Sender, text string) commands.Reply {
	f.texts = append(f.texts, text)
	if !from.IsManager {
		return commands.Reply{}
	}
	return f.reply
}

type fakeResolver struct {
	verify, resolve []resolution.Options
}

func (f *fakeResolver) VerifyPending(_ context.Context, opts resolution.Options) (resolution.Report, error) {
	f.verify = append(f.verify, opts)
	return resolution.Report{Pass: "verify_pending", DryRun: opts.DryRun, Checked: 2}, nil
}

func (f *fakeResolver) ResolveOpen(_ context.Context, opts resolution.Options) (resolution.Report, error) {
	f.resolve = append(f.resolve, opts)
	return resolution.Report{Pass: "poll_resolver", DryRun: opts.DryRun}, nil
}

type fakeEscalator struct {
	err error
}

func (f *fakeEscalator) Run(_ context.Context, opts escalation.Options) (escalation.Report, error) {
	return escalation.Report{Pass: "escalations", DryRun: opts.DryRun}, f.err
}

type fakeSummarizer struct {
	opts []summary.Options
}

func (f *fakeSummarizer) Run(_ context.Context, opts summary.Options) (summary.Report, error) {
	f.opts = append(f.opts, opts)
	return summary.Report{Pass: "send_summary", Slot: opts.Slot, DryRun: opts.DryRun}, nil
}

type fakeDelivery struct {
	recipients []string
	bodies     []string
}

func (f *fakeDelivery) Deliver(_ context.Context, recipients []string, body string) (delivery.Outcome, error) {
	f.recipients = append(f.recipients, recipients...)
	f.bodies = append(f.bodies, body)
	return delivery.Outcome{Delivered: len(recipients)}, nil
}

func (f *fakeDelivery) Metrics() delivery.Metrics {
	return delivery.Metrics{Fanouts: int64(len(f.bodies)), Delivered: int64(len(f.recipients))}
}

type fixture struct {
	handler    http.Handler
	raw        *fakeRaw
	inbound    *fakeInbound
	commands   *fakeCommands
	resolver   *fakeResolver
	escalator  *fakeEscalator
	summarizer *fakeSummarizer
	delivery   *fakeDelivery
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f := &fixture{
		raw:        &fakeRaw{},
		inbound:    &fakeInbound{},
		commands:   &fakeCommands{reply: commands.Reply{Command: "LIST", Text: "No OPEN issues.", Handled: true}},
		resolver:   &fakeResolver{},
		escalator:  &fakeEscalator{},
		summarizer: &fakeSummarizer{},
		delivery:   &fakeDelivery{},
	}
	s := &Server{
		Raw:        f.raw,
		Inbound:    f.inbound,
		Commands:   f.commands,
		Resolver:   f.resolver,
		Escalator:  f.escalator,
		Summarizer: f.summarizer,
		Delivery:   f.delivery,
		Managers:   []string{"mgr-1"},
		Secret:     secret,
		now:        func() time.Time { return time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC) },
	}
	h, err := s.Router()
	require.NoError(t, err)
	f.handler = h
	return f
}

func (f *fixture) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSecretAuth(t *testing.T) {
	f := newFixture(t, "s3cret")

	rec := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(http.MethodPost, "/webhook/ghl", "application/json", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.raw.sources)

	rec = f.do(http.MethodPost, "/webhook/ghl?secret=s3cret", "application/json", `{"a":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs/poll_resolver", nil)
	req.Header.Set("X-Sentinel-Secret", "s3cret")
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, []string{SourceRaw}, f.raw.sources)
}

func TestInboundSMSFromCustomer(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/webhook/ghl/inbound_sms", "application/json",
		`{"type":"InboundMessage","contact":{"id":"c-1","name":"Ana"},"data":{"message":{"body":"Is my order ready?"}},"conversationId":"conv-9","phone":"(512) 555-0123"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["received"])
	require.Len(t, f.inbound.events, 1)
	ev := f.inbound.events[0]
	assert.Equal(t, models.KindSMS, ev.Kind)
	assert.Equal(t, "c-1", ev.ContactID)
	assert.Equal(t, "conv-9", ev.ConversationID)
	assert.Equal(t, "+15125550123", ev.Phone)
	assert.Equal(t, "Ana", ev.ContactName)
	assert.Equal(t, "Is my order ready?", ev.Body)
	assert.False(t, ev.IsOutbound)
	assert.Equal(t, []string{SourceSMS}, f.raw.sources)
	assert.Empty(t, f.commands.texts)
}

func TestInboundSMSOutboundSetsSender(t *testing.T) {
	f := newFixture(t, "")
	f.do(http.MethodPost, "/webhook/ghl/inbound_sms", "application/json",
		`{"direction":"outbound","conversationId":"conv-9","userId":"staff-1","body":"On it"}`)

	require.Len(t, f.inbound.events, 1)
	assert.True(t, f.inbound.events[0].IsOutbound)
	assert.Equal(t, "staff-1", f.inbound.events[0].SenderIdentity)
}

func TestInboundSMSFromManagerRunsCommand(t *testing.T) {
	f := newFixture(t, "")
	form := url.Values{"contactId": {"mgr-2"}, "contactType": {"internal"}, "message": {"list"}}
	rec := f.do(http.MethodPost, "/webhook/ghl/inbound_sms", "application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "LIST", out["command"])
	assert.Equal(t, true, out["replied"])
	assert.Equal(t, []string{"list"}, f.commands.texts)
	assert.Equal(t, []string{"mgr-2"}, f.delivery.recipients)
	assert.Equal(t, []string{"No OPEN issues."}, f.delivery.bodies)
	assert.Empty(t, f.inbound.events)

	f.commands.reply = commands.Reply{}
	rec = f.do(http.MethodPost, "/webhook/ghl/inbound_sms", "application/json", `{"contactId":"mgr-1","body":"running late"}`)
	assert.Equal(t, "internal_non_command", decode(t, rec)["ignored"])
	assert.Len(t, f.delivery.bodies, 1)
	assert.Empty(t, f.inbound.events)
}

func TestUnansweredCall(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/webhook/ghl/unanswered_call", "application/json", `{"contactId":"c-3","phone":"5125550199","voicemail_route":"front_desk"}`)
	assert.Equal(t, "voicemail_route_not_watched", decode(t, rec)["ignored"])
	assert.Empty(t, f.inbound.events)

	f.do(http.MethodPost, "/webhook/ghl/unanswered_call", "application/json", `{"contactId":"c-3","phone":"5125550199","voicemail_route":["front_desk","tech_sentinel"]}`)
	require.Len(t, f.inbound.events, 1)
	ev := f.inbound.events[0]
	assert.Equal(t, models.KindCall, ev.Kind)
	assert.Equal(t, "tech_sentinel", ev.MarkerHint)
	assert.Equal(t, "+15125550199", ev.Phone)
	assert.Equal(t, []string{SourceCall, SourceCall}, f.raw.sources)
}

func TestJobs(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodPost, "/jobs/verify_pending?limit=50&dry_run=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []resolution.Options{{Limit: 50, DryRun: true}}, f.resolver.verify)
	assert.Equal(t, float64(2), decode(t, rec)["checked"])

	f.do(http.MethodPost, "/jobs/send_summary?slot=Midday&dry_run=true", "", "")
	assert.Equal(t, []summary.Options{{Slot: "midday", DryRun: true}}, f.summarizer.opts)

	f.escalator.err = delivery.ErrNoRecipients
	rec = f.do(http.MethodPost, "/jobs/escalations", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/jobs/escalations", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("connection refused") }

func TestHealthReportsDatabase(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, true, decode(t, f.do(http.MethodGet, "/health", "", ""))["ok"])

	s := &Server{
		DB: failingPinger{}, Raw: f.raw, Inbound: f.inbound, Commands: f.commands, Resolver: f.resolver,
		Escalator: f.escalator, Summarizer: f.summarizer, Delivery: f.delivery,
	}
	h, err := s.Router()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeliveryMetrics(t *testing.T) {
	f := newFixture(t, "")
	f.delivery.recipients = []string{"a", "b"}
	rec := f.do(http.MethodGet, "/delivery/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["delivered"])
}
