// Package telephony adapts the Twilio side of a call: the Media Streams
// WebSocket carrying caller audio, the TwiML documents that route calls into
// it, and the REST client that places outbound calls.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/allballa/call-scheduler/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Media Streams wire messages.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	CallSID string `json:"callSid"`
}

type dtmfMessage struct {
	Digit string `json:"digit"`
}

// StartInfo identifies the call once the telephony platform opens the stream.
type StartInfo struct {
	StreamSID    string
	CallSID      string
	CustomParams map[string]string
}

// MediaStream is one live call audio stream. It satisfies the relay's Stream
// contract; frames are raw mu-law bytes.
type MediaStream struct {
	ws     *websocket.Conn
	audio  chan []byte
	done   chan struct{}
	logger *logging.Logger

	startMu   sync.Mutex
	startOnce sync.Once
	started   chan struct{}
	start     StartInfo

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Upgrade accepts the platform's WebSocket and begins reading call audio.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *logging.Logger) (*MediaStream, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: upgrade: %w", err)
	}
	m := &MediaStream{
		ws:      ws,
		audio:   make(chan []byte, 64),
		done:    make(chan struct{}),
		started: make(chan struct{}),
		logger:  logger.Component("telephony"),
	}
	go m.readLoop()
	return m, nil
}

// WaitStart blocks until the start message identifies the call.
func (m *MediaStream) WaitStart(ctx context.Context) (StartInfo, error) {
	select {
	case <-m.started:
		m.startMu.Lock()
		defer m.startMu.Unlock()
		return m.start, nil
	case <-m.done:
		return StartInfo{}, fmt.Errorf("telephony: stream closed before start")
	case <-ctx.Done():
		return StartInfo{}, ctx.Err()
	}
}

// ReadFrame returns the next frame of caller audio, io.EOF on hangup.
func (m *MediaStream) ReadFrame() ([]byte, error) {
	frame, ok := <-m.audio
	if !ok {
		if err := m.lastErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return frame, nil
}

// WriteFrame sends one frame of generated speech to the caller.
func (m *MediaStream) WriteFrame(frame []byte) error {
	m.startMu.Lock()
	sid := m.start.StreamSID
	m.startMu.Unlock()

	return m.writeJSON(mediaMessage{
		Event:     "media",
		StreamSID: sid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// SendMark asks the platform to echo a marker after queued audio plays out.
func (m *MediaStream) SendMark(name string) error {
	m.startMu.Lock()
	sid := m.start.StreamSID
	m.startMu.Unlock()

	return m.writeJSON(mediaMessage{
		Event:     "mark",
		StreamSID: sid,
		Mark:      &markMessage{Name: name},
	})
}

// Clear drops any audio the platform has buffered but not yet played.
func (m *MediaStream) Clear() error {
	m.startMu.Lock()
	sid := m.start.StreamSID
	m.startMu.Unlock()

	return m.writeJSON(mediaMessage{Event: "clear", StreamSID: sid})
}

// Close ends the stream. Safe to call more than once.
func (m *MediaStream) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.writeMu.Lock()
		_ = m.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = m.ws.Close()
	})
	return nil
}

func (m *MediaStream) readLoop() {
	defer func() {
		close(m.audio)
		_ = m.Close()
	}()

	for {
		_, data, err := m.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !isClosedConn(err) {
				m.setErr(fmt.Errorf("telephony: read: %w", err))
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start != nil {
				// Only the first start frame identifies the call; a repeat
				// must not close the channel again or rewrite the identity.
				m.startOnce.Do(func() {
					m.startMu.Lock()
					m.start = StartInfo{
						StreamSID:    msg.Start.StreamSID,
						CallSID:      msg.Start.CallSID,
						CustomParams: msg.Start.CustomParams,
					}
					m.startMu.Unlock()
					close(m.started)
				})
			}
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case m.audio <- frame:
			default:
				// Latency beats completeness for live audio.
				select {
				case <-m.audio:
				default:
				}
				m.audio <- frame
			}
		case "dtmf":
			if msg.DTMF != nil {
				m.logger.Debug("dtmf received", "digit", msg.DTMF.Digit)
			}
		case "stop":
			return
		case "connected", "mark":
		}
	}
}

func (m *MediaStream) writeJSON(v any) error {
	select {
	case <-m.done:
		return io.ErrClosedPipe
	default:
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}

func (m *MediaStream) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.readErr == nil {
		m.readErr = err
	}
}

func (m *MediaStream) lastErr() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.readErr
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
