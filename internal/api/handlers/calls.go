// Package handlers wires HTTP and WebSocket traffic from the telephony
// platform into call sessions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/allballa/call-scheduler/internal/observability/metrics"
	"github.com/allballa/call-scheduler/internal/patients"
	"github.com/allballa/call-scheduler/internal/relay"
	"github.com/allballa/call-scheduler/internal/session"
	"github.com/allballa/call-scheduler/internal/slots"
	"github.com/allballa/call-scheduler/internal/telephony"
	"github.com/allballa/call-scheduler/pkg/logging"
)

// PatientDirectory resolves callers to patient records.
type PatientDirectory interface {
	LookupByPhone(ctx context.Context, phone string) (*patients.Patient, error)
}

// EngineConn is one live speech engine session.
type EngineConn interface {
	Init(ctx context.Context, instructions string) error
	Events() <-chan session.Event
	Interrupts() <-chan struct{}
	SendPrompt(ctx context.Context, text string) error
	PresentSlots(ctx context.Context, intro string, open []slots.Slot) error
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// DialFunc opens a speech engine session.
type DialFunc func(ctx context.Context) (EngineConn, error)

// CallPlacer places and ends calls through the telephony platform.
type CallPlacer interface {
	PlaceCall(ctx context.Context, params telephony.PlaceCallParams) (*telephony.Call, error)
	HangupCall(ctx context.Context, callSID string) error
}

// CallsConfig collects the dependencies of the call endpoints.
type CallsConfig struct {
	Logger     *logging.Logger
	Metrics    *metrics.CallMetrics
	PublicHost string
	ClinicName string
	FromNumber string

	Patients PatientDirectory
	Slots    session.SlotEngine
	Bookings session.BookingManager
	Recorder session.Recorder
	Registry *session.Registry
	Relay    *relay.Relay
	Dial     DialFunc
	Calls    CallPlacer

	SlotWindowDays int
	MaxReselects   int
	IdleTimeout    time.Duration

	// HangupGrace is how long a finished session keeps relaying so the
	// closing words reach the caller before the server ends the call.
	HangupGrace time.Duration
}

// CallsHandler serves the webhook, TwiML, and media stream endpoints.
type CallsHandler struct {
	cfg    CallsConfig
	logger *logging.Logger
}

// NewCallsHandler constructs the call endpoints.
func NewCallsHandler(cfg CallsConfig) *CallsHandler {
	if cfg.Slots == nil || cfg.Bookings == nil || cfg.Dial == nil || cfg.Relay == nil {
		panic("handlers: slots, bookings, dial, and relay required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.HangupGrace <= 0 {
		cfg.HangupGrace = 5 * time.Second
	}
	return &CallsHandler{cfg: cfg, logger: cfg.Logger.Component("calls")}
}

// IncomingCall answers the platform's inbound-call webhook with TwiML that
// routes the call audio into the inbound media stream.
func (h *CallsHandler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	caller := r.PostForm.Get("From")

	body, err := telephony.StreamTwiML(
		fmt.Sprintf("wss://%s/media-stream-inbound", h.cfg.PublicHost),
		"",
		map[string]string{"direction": session.DirectionInbound, "caller": caller},
	)
	if err != nil {
		h.logger.Error("twiml render failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("incoming call", "caller", caller, "call_sid", r.PostForm.Get("CallSid"))
	writeXML(w, body)
}

type makeCallRequest struct {
	To string `json:"to"`
}

type makeCallResponse struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}

// MakeCall places an outbound scheduling call.
func (h *CallsHandler) MakeCall(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Calls == nil {
		http.Error(w, "outbound calling not configured", http.StatusNotImplemented)
		return
	}
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if to == "" {
		var req makeCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			to = strings.TrimSpace(req.To)
		}
	}
	if to == "" {
		http.Error(w, "to required", http.StatusBadRequest)
		return
	}

	call, err := h.cfg.Calls.PlaceCall(r.Context(), telephony.PlaceCallParams{
		To:       to,
		From:     h.cfg.FromNumber,
		TwimlURL: fmt.Sprintf("https://%s/outbound-call-twiml?to=%s", h.cfg.PublicHost, url.QueryEscape(to)),
	})
	if err != nil {
		h.logger.Error("outbound call failed", "to", to, "error", err)
		http.Error(w, "call failed", http.StatusBadGateway)
		return
	}
	h.logger.Info("outbound call placed", "to", to, "call_sid", call.SID)
	writeJSON(w, http.StatusCreated, makeCallResponse{CallSID: call.SID, Status: call.Status})
}

// OutboundTwiML serves the instructions an outbound call fetches when the
// callee answers.
func (h *CallsHandler) OutboundTwiML(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")

	body, err := telephony.StreamTwiML(
		fmt.Sprintf("wss://%s/media-stream-outbound", h.cfg.PublicHost),
		fmt.Sprintf("Hello, this is %s calling about your follow-up appointment.", h.cfg.ClinicName),
		map[string]string{"direction": session.DirectionOutbound, "caller": to},
	)
	if err != nil {
		h.logger.Error("twiml render failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeXML(w, body)
}

// MediaStream returns the WebSocket endpoint for one call direction.
func (h *CallsHandler) MediaStream(direction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := telephony.Upgrade(w, r, h.logger)
		if err != nil {
			h.logger.Error("media stream upgrade failed", "error", err)
			return
		}
		h.handleCall(r.Context(), stream, direction)
	}
}

// handleCall runs one call end to end: identify the caller, dial the speech
// engine, start the session, and relay audio until either side hangs up.
func (h *CallsHandler) handleCall(ctx context.Context, stream *telephony.MediaStream, direction string) {
	defer stream.Close()
	startedAt := time.Now()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	info, err := stream.WaitStart(startCtx)
	cancel()
	if err != nil {
		h.logger.Warn("media stream never started", "direction", direction, "error", err)
		h.cfg.Metrics.ObserveCall(direction, string(session.OutcomeAbandoned))
		return
	}
	callerPhone := info.CustomParams["caller"]

	ref, followUp := h.resolvePatient(ctx, callerPhone)

	engine, err := h.cfg.Dial(ctx)
	if err != nil {
		h.logger.Error("speech engine dial failed", "call_sid", info.CallSID, "error", err)
		h.cfg.Metrics.ObserveCall(direction, string(session.OutcomeFailed))
		return
	}
	defer engine.Close()

	if err := engine.Init(ctx, buildInstructions(h.cfg.ClinicName, ref.Name, followUp)); err != nil {
		h.logger.Error("speech engine init failed", "call_sid", info.CallSID, "error", err)
		h.cfg.Metrics.ObserveCall(direction, string(session.OutcomeFailed))
		return
	}

	sess := session.New(session.Params{
		Direction:   direction,
		CallerPhone: callerPhone,
		Patient:     ref,
		FollowUp:    followUp,
		Slots:       h.cfg.Slots,
		Bookings:    h.cfg.Bookings,
		Prompter:    engine,
		Recorder:    h.cfg.Recorder,
		Logger:      h.cfg.Logger,
		Config: session.Config{
			ClinicName:     h.cfg.ClinicName,
			SlotWindowDays: h.cfg.SlotWindowDays,
			MaxReselects:   h.cfg.MaxReselects,
		},
	})
	h.cfg.Registry.Add(sess)
	defer h.cfg.Registry.Remove(sess.ID())

	callCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Structured intents drive the state machine while audio relays below.
	// Once the session reaches a terminal phase the call ends server-side
	// after a grace period for the closing words; the pump keeps draining
	// until then so the engine reader never stalls.
	var endOnce sync.Once
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range engine.Events() {
			if err := sess.HandleEvent(callCtx, ev); err != nil {
				h.logger.Warn("session event failed", "session_id", sess.ID(), "error", err)
				stop()
				return
			}
			if isTerminal(sess.Phase()) {
				endOnce.Do(func() {
					go h.endCall(callCtx, info.CallSID, sess, stop)
				})
			}
		}
	}()

	// Barge-in: the engine already cancelled its response; drop whatever
	// audio the platform still has queued so the assistant goes quiet.
	go func() {
		for {
			select {
			case <-callCtx.Done():
				return
			case _, ok := <-engine.Interrupts():
				if !ok {
					return
				}
				if err := stream.Clear(); err != nil {
					h.logger.Warn("audio clear failed", "session_id", sess.ID(), "error", err)
				}
			}
		}
	}()
	go sess.Watch(callCtx, h.cfg.IdleTimeout)

	if err := sess.Begin(callCtx); err != nil {
		h.logger.Error("session begin failed", "session_id", sess.ID(), "error", err)
	} else if err := h.cfg.Relay.Run(callCtx, stream, engine); err != nil &&
		!errors.Is(err, context.Canceled) {
		h.logger.Warn("call relay ended", "session_id", sess.ID(), "error", err)
	}

	// Hangup: an in-flight commit finishes first, a committed booking stands.
	sess.Abandon(context.WithoutCancel(callCtx))
	stop()
	_ = engine.Close()
	<-pumpDone

	outcome := sess.Outcome()
	h.cfg.Metrics.ObserveCall(direction, string(outcome))
	h.cfg.Metrics.ObserveCallDuration(direction, time.Since(startedAt).Seconds())
	h.logger.Info("call finished",
		"session_id", sess.ID(),
		"call_sid", info.CallSID,
		"direction", direction,
		"outcome", outcome,
		"duration_s", int(time.Since(startedAt).Seconds()),
	)
}

// endCall ends a finished call server-side: the grace period lets the
// closing words play out, then the platform leg is hung up and the relay
// torn down.
func (h *CallsHandler) endCall(ctx context.Context, callSID string, sess *session.Session, stop func()) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(h.cfg.HangupGrace):
	}
	if h.cfg.Calls != nil && callSID != "" {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := h.cfg.Calls.HangupCall(hctx, callSID); err != nil {
			h.logger.Warn("platform hangup failed", "session_id", sess.ID(), "call_sid", callSID, "error", err)
		}
		cancel()
	}
	h.logger.Info("call ended by server", "session_id", sess.ID(), "outcome", sess.Outcome())
	stop()
}

func isTerminal(p session.Phase) bool {
	switch p {
	case session.PhaseCompleted, session.PhaseFailed, session.PhaseAbandoned:
		return true
	}
	return false
}

func (h *CallsHandler) resolvePatient(ctx context.Context, phone string) (patients.Ref, string) {
	ref := patients.Ref{Phone: phone}
	if h.cfg.Patients == nil || phone == "" {
		return ref, ""
	}
	p, err := h.cfg.Patients.LookupByPhone(ctx, phone)
	if err != nil {
		if !errors.Is(err, patients.ErrPatientNotFound) {
			h.logger.Warn("patient lookup failed", "phone", phone, "error", err)
		}
		return ref, ""
	}
	ref.ID = p.ID
	ref.Name = p.Name
	return ref, p.FollowUpAction
}

func buildInstructions(clinic, patientName, followUp string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the scheduling assistant for %s, a dental clinic. ", clinic)
	b.WriteString("Speak naturally and briefly. Your only job is to book one follow-up appointment. ")
	b.WriteString("Whenever the caller states or changes a preferred date or time, call propose_slot. ")
	b.WriteString("When the caller answers a booking proposal, call confirm_booking; ")
	b.WriteString("report affirmative only for a clear yes, never for hedged answers. ")
	b.WriteString("Never claim an appointment is booked yourself; the system announces bookings. ")
	if patientName != "" {
		fmt.Fprintf(&b, "The caller is %s. ", patientName)
	}
	if followUp != "" {
		fmt.Fprintf(&b, "They are due for: %s. ", followUp)
	}
	return b.String()
}

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
