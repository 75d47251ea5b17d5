// Package sms relays notification text to phones through Twilio.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// JobKind tags SMS jobs on the background queue.
const JobKind = "sms"

// Message is the queued job payload.
type Message struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	NotificationID string `json:"notificationId,omitempty"`
}

// ErrInvalidNumber is returned for numbers that cannot be normalized to E.164.
var ErrInvalidNumber = errors.New("sms: invalid phone number")

type Sender interface {
	Send(ctx context.Context, m Message) (string, error)
}

// messageAPI is the slice of the Twilio REST client the sender uses.
type messageAPI interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// TwilioSender sends through the Twilio Messages API.
type TwilioSender struct {
	api  messageAPI
	from string
}

func NewTwilioSender(accountSID, authToken, from string) (*TwilioSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("sms: twilio credentials required")
	}
	from, err := NormalizeNumber(from)
	if err != nil {
		return nil, fmt.Errorf("sms: from number: %w", err)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{api: client.Api, from: from}, nil
}

// Send delivers m and returns the provider message SID.
func (s *TwilioSender) Send(ctx context.Context, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to, err := NormalizeNumber(m.To)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(m.Body)
	if body == "" {
		return "", errors.New("sms: empty body")
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)
	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("sms: twilio: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

// NormalizeNumber strips formatting and returns an E.164 number. Numbers
// without a leading + must already carry their country code.
func NormalizeNumber(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidNumber
	}
	var b strings.Builder
	b.WriteByte('+')
	for i, r := range raw {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidNumber
		}
	}
	digits := b.Len() - 1
	if digits < 8 || digits > 15 {
		return "", ErrInvalidNumber
	}
	return b.String(), nil
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, m Message) (string, error) {
	to, err := NormalizeNumber(m.To)
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "sms dry run", "to", to, "notification_id", m.NotificationID, "chars", len(m.Body))
	return "", nil
}
