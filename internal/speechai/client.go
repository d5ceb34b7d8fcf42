// Package speechai adapts the OpenAI Realtime API to the call engine: one
// WebSocket carries caller audio up, generated speech down, and the
// structured scheduling intents the conversation state machine consumes.
package speechai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/allballa/call-scheduler/internal/session"
	"github.com/allballa/call-scheduler/internal/slots"
	"github.com/allballa/call-scheduler/pkg/logging"
)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// Config holds the engine connection settings.
type Config struct {
	APIKey  string
	Model   string
	Voice   string
	BaseURL string
}

// Client dials realtime engine sessions.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *logging.Logger
}

// NewClient constructs a speech engine client.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger.Component("speechai")}
}

// Dial opens an engine session. The returned Conn reads until Close.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	u := fmt.Sprintf("%s?model=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.Model))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("speechai: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("speechai: dial: %w", err)
	}

	conn := &Conn{
		ws:         ws,
		voice:      c.cfg.Voice,
		audio:      make(chan []byte, 64),
		events:     make(chan session.Event, 16),
		interrupts: make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     c.logger,
	}
	go conn.readLoop()
	return conn, nil
}

// Conn is one live engine session. It satisfies the relay's Stream contract
// for the audio leg while exposing structured events separately.
type Conn struct {
	ws         *websocket.Conn
	voice      string
	audio      chan []byte
	events     chan session.Event
	interrupts chan struct{}
	done       chan struct{}
	logger     *logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Init configures the engine session: audio codec, server-side voice
// activity detection, the scheduling tools, and the system instructions.
func (c *Conn) Init(ctx context.Context, instructions string) error {
	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"voice":               c.voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
			"tools":        sessionTools(),
			"tool_choice":  "auto",
			"instructions": instructions,
		},
	}
	return c.writeJSON(update)
}

// Events delivers the structured intents the engine emits. The channel
// closes when the session ends.
func (c *Conn) Events() <-chan session.Event {
	return c.events
}

// Interrupts signals that the caller started talking over the assistant.
// The in-flight response is already cancelled engine-side; the receiver
// still has to drop whatever audio the telephony platform has buffered.
// The channel closes when the session ends.
func (c *Conn) Interrupts() <-chan struct{} {
	return c.interrupts
}

// SendPrompt injects an instruction turn and asks the engine to respond.
func (c *Conn) SendPrompt(ctx context.Context, text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.writeJSON(map[string]any{"type": "response.create"})
}

// PresentSlots narrates the open slots to the caller.
func (c *Conn) PresentSlots(ctx context.Context, intro string, open []slots.Slot) error {
	return c.SendPrompt(ctx, slotsPrompt(intro, open))
}

// WriteFrame forwards one frame of caller audio to the engine.
func (c *Conn) WriteFrame(frame []byte) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

// ReadFrame returns the next frame of generated speech, or io.EOF when the
// session has ended cleanly.
func (c *Conn) ReadFrame() ([]byte, error) {
	frame, ok := <-c.audio
	if !ok {
		if err := c.lastErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return frame, nil
}

// Close tears the engine session down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.audio)
		close(c.events)
		close(c.interrupts)
		_ = c.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !isClosedConn(err) {
				c.setErr(fmt.Errorf("speechai: read: %w", err))
			}
			return
		}

		frame, ev, interrupted, derr := decodeServerEvent(data)
		if derr != nil {
			c.logger.Warn("engine message dropped", "error", derr)
			continue
		}
		if interrupted {
			// Stop the assistant mid-sentence; the platform-side buffer is
			// the call handler's to clear.
			if err := c.writeJSON(map[string]any{"type": "response.cancel"}); err != nil {
				c.logger.Warn("response cancel failed", "error", err)
			}
			select {
			case c.interrupts <- struct{}{}:
			default:
			}
			continue
		}
		if frame != nil {
			select {
			case c.audio <- frame:
			default:
				// Audio is latency-sensitive: shed the oldest frame.
				select {
				case <-c.audio:
				default:
				}
				c.audio <- frame
			}
		}
		if ev != nil {
			select {
			case c.events <- *ev:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) writeJSON(v any) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("speechai: write: %w", err)
	}
	return nil
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *Conn) lastErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// slotsPrompt renders the open slots as a narration instruction.
func slotsPrompt(intro string, open []slots.Slot) string {
	if len(open) == 0 {
		return "Tell the caller there are no openings in the next two weeks and offer to have the desk call back."
	}
	windows := make([]string, len(open))
	for i, s := range open {
		windows[i] = s.Window()
	}
	return fmt.Sprintf("%s The openings are: %s.", intro, strings.Join(windows, "; "))
}
