// Package notify delivers ledger events to the administrator and to users.
package notify

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"library-ledger/library"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Audience says who an event is for.
type Audience string

const (
	AudienceAdmin    Audience = "admin"
	AudienceAnnounce Audience = "announce"
)

// Envelope is the wire form of one event.
type Envelope struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Audience   Audience            `json:"audience"`
	Channel    string              `json:"channel,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
	Payload    library.Event       `json:"-"`
	RawPayload jsoniter.RawMessage `json:"payload"`
}

// Routing maps audiences onto destination channel ids.
type Routing struct {
	AdminChannel    string
	AnnounceChannel string
}

// AudienceOf returns who should see e. Greetings go to the public channel,
// everything else to the administrator.
func AudienceOf(e library.Event) Audience {
	if e.EventType() == library.WelcomeEventType {
		return AudienceAnnounce
	}
	return AudienceAdmin
}

// NewEnvelope wraps e with a fresh message id.
func NewEnvelope(e library.Event, r Routing, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       e.EventType(),
		Audience:   AudienceOf(e),
		OccurredAt: now.UTC(),
		Payload:    e,
		RawPayload: payload,
	}
	switch env.Audience {
	case AudienceAdmin:
		env.Channel = r.AdminChannel
	case AudienceAnnounce:
		env.Channel = r.AnnounceChannel
	}
	return env, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
