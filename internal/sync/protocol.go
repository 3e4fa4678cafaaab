// Package sync implements the per-client streaming machinery: the wire
// protocol, batch formation, the session state machine, and the dispatcher
// that fans ingested changes out to every connected session.
package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/vibestack/syncd/internal/wal"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Fixed wire strings for message types.
const (
	TypeHeartbeat        = "clt_heartbeat"
	TypeCatchupReceived  = "clt_catchup_received"
	TypeChangesAck       = "clt_changes_ack"
	TypeCatchupChanges   = "srv_catchup_changes"
	TypeCatchupCompleted = "srv_catchup_completed"
	TypeLiveChanges      = "srv_live_changes"
	TypeLSNUpdate        = "srv_lsn_update"
	TypeError            = "srv_error"
)

// ErrProtocol marks a client message the session cannot accept in its
// current state.
var ErrProtocol = errors.New("protocol violation")

// WireLSN marshals an LSN as its "h/l" text form.
type WireLSN pglogrepl.LSN

func (w WireLSN) MarshalJSON() ([]byte, error) {
	return json.Marshal(lsn.Format(pglogrepl.LSN(w)))
}

func (w *WireLSN) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := lsn.Parse(s)
	if err != nil {
		return err
	}
	*w = WireLSN(v)
	return nil
}

// Envelope carries the fields common to every message.
type Envelope struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

// NewEnvelope stamps a fresh envelope for an outbound message.
func NewEnvelope(msgType, clientID string) Envelope {
	return Envelope{
		Type:      msgType,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}
}

// Sequence tags one chunk of a split delivery.
type Sequence struct {
	Chunk int `json:"chunk"`
	Total int `json:"total"`
}

// Heartbeat is the client liveness signal.
type Heartbeat struct {
	Envelope
}

// CatchupReceived acknowledges one catchup chunk.
type CatchupReceived struct {
	Envelope
	Chunk int     `json:"chunk"`
	LSN   WireLSN `json:"lsn"`
}

// ChangesAck acknowledges live changes up to LastLSN.
type ChangesAck struct {
	Envelope
	LastLSN WireLSN `json:"lastLSN"`
}

// CatchupChanges carries one chunk of replayed history.
type CatchupChanges struct {
	Envelope
	Changes  []wal.Change `json:"changes"`
	Sequence Sequence     `json:"sequence"`
	LastLSN  WireLSN      `json:"lastLSN"`
}

// CatchupCompleted ends the catchup phase.
type CatchupCompleted struct {
	Envelope
	Success     bool    `json:"success"`
	ChangeCount int     `json:"changeCount"`
	StartLSN    WireLSN `json:"startLSN"`
	FinalLSN    WireLSN `json:"finalLSN"`
}

// LiveChanges carries newly ingested records. Sequence is present only
// when a transaction had to be split across messages.
type LiveChanges struct {
	Envelope
	Changes  []wal.Change `json:"changes"`
	Sequence *Sequence    `json:"sequence,omitempty"`
	LastLSN  WireLSN      `json:"lastLSN"`
}

// LSNUpdate bumps the client's known server position when no row changes
// exist for it.
type LSNUpdate struct {
	Envelope
	LSN WireLSN `json:"lsn"`
}

// ErrorMsg reports a session failure to the client before close.
type ErrorMsg struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode renders any protocol message as a JSON frame.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeClient parses an inbound frame into one of the clt_* message
// types. Unknown fields are ignored; unknown types are a protocol error.
func DecodeClient(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}

	switch env.Type {
	case TypeHeartbeat:
		var m Heartbeat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: bad %s: %v", ErrProtocol, env.Type, err)
		}
		return &m, nil
	case TypeCatchupReceived:
		var m CatchupReceived
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: bad %s: %v", ErrProtocol, env.Type, err)
		}
		return &m, nil
	case TypeChangesAck:
		var m ChangesAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: bad %s: %v", ErrProtocol, env.Type, err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: unexpected message type %q", ErrProtocol, env.Type)
	}
}
