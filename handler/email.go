package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tallybook/flowengine/core"
	"github.com/tallybook/flowengine/ports"
)

// recipients accepts a single address or a list.
type recipients []string

func (r *recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*r = recipients{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}

	*r = many
	return nil
}

type emailInput struct {
	To      recipients `json:"to" validate:"required,min=1,dive,email"`
	Subject string     `json:"subject" validate:"required"`
	HTML    string     `json:"html" validate:"required_without=Text"`
	Text    string     `json:"text"`
	From    string     `json:"from" validate:"omitempty,email"`
	ReplyTo string     `json:"replyTo" validate:"omitempty,email"`
}

type emailHandler struct{}

// NewEmailHandler returns a handler that sends an email through the email port.
func NewEmailHandler() Handler {
	return &emailHandler{}
}

func (*emailHandler) Type() core.TaskType {
	return core.TaskTypeEmail
}

func (*emailHandler) Execute(ctx context.Context, _ *core.Task, input map[string]any, p *ports.Ports) (*Result, error) {
	if p.Email == nil {
		return nil, errors.New("no email port configured")
	}

	var in emailInput
	if err := decodeInput(input, &in); err != nil {
		return failedf("%v", err), nil
	}

	r, err := p.Email.Send(ctx, ports.EmailMessage{
		To:      in.To,
		Subject: in.Subject,
		HTML:    in.HTML,
		Text:    in.Text,
		From:    in.From,
		ReplyTo: in.ReplyTo,
	})
	if err != nil {
		return nil, fmt.Errorf("sending email: %w", err)
	}

	output := map[string]any{}
	if r != nil && r.MessageID != "" {
		output["messageId"] = r.MessageID
	}

	return Succeeded(output), nil
}
