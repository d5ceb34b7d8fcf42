package speechai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/allballa/call-scheduler/internal/session"
)

// Tool names the engine is asked to call instead of free-texting intents.
const (
	toolProposeSlot    = "propose_slot"
	toolConfirmBooking = "confirm_booking"
)

// serverEvent is the envelope of every message the engine sends.
type serverEvent struct {
	Type       string    `json:"type"`
	Delta      string    `json:"delta,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Name       string    `json:"name,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Error      *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("speechai: engine error %s: %s", e.Code, e.Message)
}

type proposeSlotArgs struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type confirmBookingArgs struct {
	Affirmative bool `json:"affirmative"`
}

// decodeServerEvent splits one engine message into an outbound audio frame,
// a structured session event, a barge-in signal, or nothing. Unknown message
// types are ignored.
func decodeServerEvent(data []byte) (frame []byte, ev *session.Event, interrupted bool, err error) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, false, fmt.Errorf("speechai: decode event: %w", err)
	}

	switch msg.Type {
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, nil, false, fmt.Errorf("speechai: decode audio delta: %w", err)
		}
		return audio, nil, false, nil

	case "conversation.item.input_audio_transcription.completed":
		if msg.Transcript == "" {
			return nil, nil, false, nil
		}
		return nil, &session.Event{Kind: session.EventUtterance, Text: msg.Transcript}, false, nil

	case "response.function_call_arguments.done":
		ev, err := decodeToolCall(msg.Name, msg.Arguments)
		return nil, ev, false, err

	case "input_audio_buffer.speech_started":
		// The caller started talking over the assistant.
		return nil, nil, true, nil

	case "error":
		if msg.Error != nil {
			return nil, nil, false, msg.Error
		}
		return nil, nil, false, fmt.Errorf("speechai: engine error")
	}
	return nil, nil, false, nil
}

func decodeToolCall(name, arguments string) (*session.Event, error) {
	switch name {
	case toolProposeSlot:
		var args proposeSlotArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("speechai: %s arguments: %w", name, err)
		}
		return &session.Event{
			Kind:  session.EventSlotCandidate,
			Date:  args.Date,
			Start: args.StartTime,
			End:   args.EndTime,
		}, nil
	case toolConfirmBooking:
		var args confirmBookingArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("speechai: %s arguments: %w", name, err)
		}
		return &session.Event{Kind: session.EventConfirmation, Affirmative: args.Affirmative}, nil
	}
	return nil, nil
}

// sessionTools describes the structured intents the engine must emit. The
// caller's yes or no reaches the state machine only through confirm_booking,
// never as transcript text.
func sessionTools() []map[string]any {
	return []map[string]any{
		{
			"type":        "function",
			"name":        toolProposeSlot,
			"description": "Report the appointment date and time the caller asked about. Call this every time the caller states or changes a preferred time.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":       map[string]any{"type": "string", "description": "Requested date, YYYY-MM-DD. Empty if the caller did not give one."},
					"start_time": map[string]any{"type": "string", "description": "Requested start time, 24h HH:MM. Empty if the caller did not give one."},
					"end_time":   map[string]any{"type": "string", "description": "Requested end time, 24h HH:MM, if stated."},
				},
				"required": []string{"date"},
			},
		},
		{
			"type":        "function",
			"name":        toolConfirmBooking,
			"description": "Report the caller's answer to the booking proposal. Affirmative only for a clear, unhedged yes; treat 'maybe' or 'I think so' as not affirmative.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"affirmative": map[string]any{"type": "boolean"},
				},
				"required": []string{"affirmative"},
			},
		},
	}
}
