package messaging

import (
	"context"
	"errors"
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/casefill/api/schemas"
)

// Port is a sender's handle on a runtime generation.
type Port struct {
	rt         *Runtime
	sender     schemas.TabID
	generation string
}

// Sender is the tab the port sends as.
func (p *Port) Sender() schemas.TabID { return p.sender }

// Valid reports whether the port's runtime generation is still current.
func (p *Port) Valid() bool {
	return !p.rt.Closed() && p.rt.Generation() == p.generation
}

// Send builds a message of type t from payload and waits for the response. Transport
// failures are errors; a handler rejection is a Response with OK false.
func (p *Port) Send(ctx context.Context, t schemas.MessageType, payload interface{}) (schemas.Response, error) {
	msg, err := schemas.NewMessage(t, p.sender, payload)
	if err != nil {
		return schemas.Response{}, err
	}
	return p.SendMessage(ctx, msg)
}

// SendMessage sends a prebuilt message. The sender field is overwritten with the port's.
func (p *Port) SendMessage(ctx context.Context, msg schemas.Message) (schemas.Response, error) {
	msg.Sender = p.sender
	resp, err := p.rt.request(ctx, p.generation, msg)
	if err != nil {
		if errors.Is(err, ErrContextInvalidated) {
			return resp, err
		}
		return resp, fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return resp, nil
}

// Call is Send followed by decoding the response data into out (which may be nil). A
// rejected request becomes an error carrying the handler's message.
func (p *Port) Call(ctx context.Context, t schemas.MessageType, payload, out interface{}) error {
	resp, err := p.Send(ctx, t, payload)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &RejectedError{Type: t, Message: resp.Error}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", t, err)
	}
	return nil
}

// RejectedError is a request the handler answered with OK false.
type RejectedError struct {
	Type    schemas.MessageType
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Type, e.Message)
}
