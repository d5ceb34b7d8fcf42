package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// State is the persisted snapshot of a call session, kept in Redis so
// operators can inspect live and recently ended calls.
type State struct {
	SessionID      uuid.UUID `json:"session_id"`
	Direction      string    `json:"direction"`
	CallerPhone    string    `json:"caller_phone,omitempty"`
	PatientID      uuid.UUID `json:"patient_id,omitempty"`
	Phase          Phase     `json:"phase"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	SlotID         uuid.UUID `json:"slot_id,omitempty"`
	AppointmentID  uuid.UUID `json:"appointment_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TranscriptEntry is a single turn in a call transcript.
type TranscriptEntry struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	sessionKeyPrefix    = "call:session:"
	transcriptKeyPrefix = "call:transcript:"
	defaultStateTTL     = 24 * time.Hour
)

// Store keeps call session state and transcripts in Redis.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

// NewStore creates a session state store backed by Redis.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if rdb == nil {
		panic("session: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		tracer: otel.Tracer("scheduler.internal.session.store"),
	}
}

func sessionKey(id uuid.UUID) string {
	return sessionKeyPrefix + id.String()
}

func transcriptKey(id uuid.UUID) string {
	return transcriptKeyPrefix + id.String()
}

// SaveState persists or updates a session snapshot.
func (s *Store) SaveState(ctx context.Context, st *State) error {
	ctx, span := s.tracer.Start(ctx, "session.save_state")
	defer span.End()

	if st == nil || st.SessionID == uuid.Nil {
		return fmt.Errorf("session state: session_id required")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session state: marshal: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(st.SessionID), data, s.ttl).Err()
}

// GetState retrieves a session snapshot; nil when the session is unknown.
func (s *Store) GetState(ctx context.Context, id uuid.UUID) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "session.get_state")
	defer span.End()

	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("session state: get: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("session state: unmarshal: %w", err)
	}
	return &st, nil
}

// AppendTranscript adds one turn to the session transcript.
func (s *Store) AppendTranscript(ctx context.Context, id uuid.UUID, entry TranscriptEntry) error {
	ctx, span := s.tracer.Start(ctx, "session.append_transcript")
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("session transcript: marshal: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, transcriptKey(id), data)
	pipe.Expire(ctx, transcriptKey(id), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Transcript retrieves the full session transcript in turn order.
func (s *Store) Transcript(ctx context.Context, id uuid.UUID) ([]TranscriptEntry, error) {
	ctx, span := s.tracer.Start(ctx, "session.get_transcript")
	defer span.End()

	data, err := s.rdb.LRange(ctx, transcriptKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session transcript: get: %w", err)
	}
	entries := make([]TranscriptEntry, 0, len(data))
	for _, d := range data {
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(d), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
