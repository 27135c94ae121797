// Package handlers exposes the webhook and job trigger endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sentinel/internal/archive"
	"sentinel/internal/commands"
	"sentinel/internal/delivery"
	"sentinel/internal/escalation"
	"sentinel/internal/lifecycle"
	"sentinel/internal/models"
	"sentinel/internal/resolution"
	"sentinel/internal/summary"
)

const (
	maxBodyBytes  = 1 << 20
	replyDeadline = 15 * time.Second
)

// Raw event sources.
const (
	SourceRaw  = "ghl_raw"
	SourceSMS  = "inbound_sms"
	SourceCall = "unanswered_call"
)

// Inbound applies normalized contact events.
type Inbound interface {
	HandleInbound(ctx context.Context, ev lifecycle.InboundEvent) (lifecycle.Outcome, error)
	WatchedRoute(routes []string) (string, bool)
}

// CommandHandler interprets manager texts.
type CommandHandler interface {
	Handle(ctx context.Context, from commands.Sender, text string) commands.Reply
}

// Resolver runs the verification and resolver passes.
type Resolver interface {
	VerifyPending(ctx context.Context, opts resolution.Options) (resolution.Report, error)
	ResolveOpen(ctx context.Context, opts resolution.Options) (resolution.Report, error)
}

// Escalator runs the breach notification pass.
type Escalator interface {
	Run(ctx context.Context, opts escalation.Options) (escalation.Report, error)
}

// Summarizer runs the summary pass.
type Summarizer interface {
	Run(ctx context.Context, opts summary.Options) (summary.Report, error)
}

// Deliverer sends texts to contacts and reports cumulative counters.
type Deliverer interface {
	Deliver(ctx context.Context, recipients []string, body string) (delivery.Outcome, error)
	Metrics() delivery.Metrics
}

// RawStore keeps raw webhook payloads.
type RawStore interface {
	AppendRawEvent(ctx context.Context, source string, payload []byte, receivedAt time.Time) (*models.RawEvent, error)
}

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server wires HTTP requests to the engine.
type Server struct {
	DB         Pinger // optional
	Raw        RawStore
	Archiver   archive.Archiver
	Inbound    Inbound
	Commands   CommandHandler
	Resolver   Resolver
	Escalator  Escalator
	Summarizer Summarizer
	Delivery   Deliverer
	Managers   []string
	Secret     string

	managers map[string]bool
	now      func() time.Time
}

// Router builds the HTTP routes.
func (s *Server) Router() (http.Handler, error) {
	if s.Raw == nil || s.Inbound == nil || s.Commands == nil {
		return nil, errors.New("raw store, inbound handler and command handler are required")
	}
	if s.Resolver == nil || s.Escalator == nil || s.Summarizer == nil || s.Delivery == nil {
		return nil, errors.New("job runners and delivery are required")
	}
	if s.Archiver == nil {
		s.Archiver = archive.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.managers = make(map[string]bool, len(s.Managers))
	for _, id := range s.Managers {
		s.managers[id] = true
	}

	base := alice.New(requestID, recoverer, accessLog)
	authed := base.Append(secretAuth(s.Secret))

	r := mux.NewRouter()
	r.Handle("/health", base.Then(s.Health())).Methods(http.MethodGet)

	r.Handle("/webhook/ghl", authed.Then(s.RawWebhook())).Methods(http.MethodPost)
	r.Handle("/webhook/ghl/inbound_sms", authed.Then(s.InboundSMS())).Methods(http.MethodPost)
	r.Handle("/webhook/ghl/unanswered_call", authed.Then(s.UnansweredCall())).Methods(http.MethodPost)

	// Full paths on the root router: a wrong method answers 405.
	r.Handle("/jobs/verify_pending", authed.Then(s.VerifyPending())).Methods(http.MethodPost)
	r.Handle("/jobs/poll_resolver", authed.Then(s.PollResolver())).Methods(http.MethodPost)
	r.Handle("/jobs/escalations", authed.Then(s.Escalations())).Methods(http.MethodPost)
	r.Handle("/jobs/send_summary", authed.Then(s.SendSummary())).Methods(http.MethodPost)

	r.Handle("/delivery/metrics", authed.Then(s.DeliveryMetrics())).Methods(http.MethodGet)

	log.Info().Int("managers", len(s.managers)).Bool("auth", s.Secret != "").Msg("HTTP routes registered")
	return r, nil
}

// Health reports liveness and database reachability.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.DB.PingContext(ctx); err != nil {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("Database ping failed")
				respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
				return
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "time": s.now().UTC()})
	}
}

// RawWebhook only stores the payload.
func (s *Server) RawWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.ingest(w, r, SourceRaw); !ok {
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"received": true})
	}
}

// InboundSMS routes a conversation message: outbound texts update markers, manager texts go to
// the command interpreter, and customer texts go to the lifecycle machine.
func (s *Server) InboundSMS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.ingest(w, r, SourceSMS)
		if !ok {
			return
		}
		ctx := r.Context()
		logger := zerolog.Ctx(ctx).With().Str("contactID", p.ContactID).Str("conversationID", p.ConversationID).Logger()

		if p.IsOutbound() {
			out, err := s.Inbound.HandleInbound(ctx, lifecycle.InboundEvent{
				Kind:           models.KindSMS,
				ContactID:      p.ContactID,
				Phone:          p.Phone,
				ConversationID: p.ConversationID,
				Body:           p.Text,
				SenderIdentity: p.UserID,
				OccurredAt:     p.OccurredAt,
				IsOutbound:     true,
			})
			s.ack(w, logger, out, err)
			return
		}

		sender := commands.Sender{ContactID: p.ContactID, Phone: p.Phone, IsManager: p.ContactType == "internal" || s.managers[p.ContactID]}
		if sender.IsManager {
			reply := s.Commands.Handle(ctx, sender, p.Text)
			if !reply.Handled {
				respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": "internal_non_command"})
				return
			}
			sent := s.reply(ctx, logger, p.ContactID, reply.Text)
			respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "command": reply.Command, "replied": sent})
			return
		}

		out, err := s.Inbound.HandleInbound(ctx, lifecycle.InboundEvent{
			Kind:           models.KindSMS,
			ContactID:      p.ContactID,
			Phone:          p.Phone,
			ConversationID: p.ConversationID,
			ContactName:    p.ContactName,
			Body:           p.Text,
			OccurredAt:     p.OccurredAt,
		})
		s.ack(w, logger, out, err)
	}
}

// UnansweredCall opens CALL issues for calls routed to a watched voicemail route.
func (s *Server) UnansweredCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.ingest(w, r, SourceCall)
		if !ok {
			return
		}
		logger := zerolog.Ctx(r.Context()).With().Str("contactID", p.ContactID).Logger()

		route, watched := s.Inbound.WatchedRoute(p.VoicemailRoutes)
		if !watched {
			logger.Debug().Strs("routes", p.VoicemailRoutes).Msg("Call not routed to a watched voicemail route")
			respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": "voicemail_route_not_watched"})
			return
		}
		out, err := s.Inbound.HandleInbound(r.Context(), lifecycle.InboundEvent{
			Kind:           models.KindCall,
			ContactID:      p.ContactID,
			Phone:          p.Phone,
			ConversationID: p.ConversationID,
			ContactName:    p.ContactName,
			OccurredAt:     p.OccurredAt,
			MarkerHint:     route,
		})
		s.ack(w, logger, out, err)
	}
}

// VerifyPending triggers the PENDING verification pass.
func (s *Server) VerifyPending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Resolver.VerifyPending(r.Context(), resolutionOptions(r))
		respondReport(w, r, report, err)
	}
}

// PollResolver triggers the OPEN resolver pass.
func (s *Server) PollResolver() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Resolver.ResolveOpen(r.Context(), resolutionOptions(r))
		respondReport(w, r, report, err)
	}
}

// Escalations triggers the breach notification pass.
func (s *Server) Escalations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		report, err := s.Escalator.Run(r.Context(), escalation.Options{Limit: queryInt(q.Get("limit")), DryRun: queryBool(q.Get("dry_run"))})
		respondReport(w, r, report, err)
	}
}

// SendSummary triggers the summary pass for ?slot= (default morning).
func (s *Server) SendSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		report, err := s.Summarizer.Run(r.Context(), summary.Options{
			Slot:        strings.ToLower(strings.TrimSpace(q.Get("slot"))),
			DryRun:      queryBool(q.Get("dry_run")),
			SkipResolve: queryBool(q.Get("skip_resolve")),
		})
		respondReport(w, r, report, err)
	}
}

// DeliveryMetrics returns the delivery manager counters.
func (s *Server) DeliveryMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, s.Delivery.Metrics())
	}
}

// ingest reads and stores the body, then parses it. It writes the response itself when it
// returns false.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, source string) (Payload, bool) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("source", source).Msg("Failed to read request body")
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return Payload{}, false
	}
	doc := ToJSON(r.Header.Get("Content-Type"), body)

	ev, err := s.Raw.AppendRawEvent(ctx, source, doc, s.now())
	if err != nil {
		// Processing continues without the raw copy.
		zerolog.Ctx(ctx).Error().Err(err).Str("source", source).Msg("Failed to store raw event")
	} else if err := s.Archiver.Archive(ctx, ev); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("rawEventID", ev.ID).Msg("Failed to mirror raw event")
	}
	return ParsePayload(doc), true
}

func (s *Server) ack(w http.ResponseWriter, logger zerolog.Logger, out lifecycle.Outcome, err error) {
	if err != nil {
		logger.Error().Err(err).Msg("Failed to apply inbound event")
		respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "error": "processing failed"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": out})
}

// reply sends command output back to the manager. The send outlives a cancelled request.
func (s *Server) reply(ctx context.Context, logger zerolog.Logger, contactID, text string) bool {
	if contactID == "" || text == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyDeadline)
	defer cancel()
	out, err := s.Delivery.Deliver(ctx, []string{contactID}, text)
	if err != nil || !out.Any() {
		logger.Warn().Err(err).Msg("Failed to send command reply")
		return false
	}
	return true
}

func resolutionOptions(r *http.Request) resolution.Options {
	q := r.URL.Query()
	return resolution.Options{Limit: queryInt(q.Get("limit")), DryRun: queryBool(q.Get("dry_run"))}
}

func queryInt(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func queryBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func respondReport(w http.ResponseWriter, r *http.Request, report any, err error) {
	switch {
	case errors.Is(err, delivery.ErrNoRecipients):
		respondWithJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "report": report})
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Job failed")
		respondWithJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
	default:
		respondWithJSON(w, http.StatusOK, report)
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
