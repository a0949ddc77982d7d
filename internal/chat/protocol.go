// Package chat runs the conversation protocol: one user message in, exactly
// one finalized assistant turn out, over the live channel when it is
// connected and over a single request/response call otherwise.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/datamind/internal/livechannel"
	"github.com/zulandar/datamind/internal/transport"
)

// DefaultEndpoint is the request/response equivalent of the live channel.
const DefaultEndpoint = "/chat/message"

// Channel is the live channel as seen by the protocol.
type Channel interface {
	Connected() bool
	Send(v any) bool
}

// Caller issues authenticated request/response calls.
type Caller interface {
	Do(ctx context.Context, method, endpoint string, in, out any) error
}

// Protocol drives one Conversation.
type Protocol struct {
	conv     *Conversation
	channel  Channel
	api      Caller
	endpoint string
	now      func() time.Time
}

// ProtocolOpts holds parameters for creating a Protocol.
type ProtocolOpts struct {
	Conversation *Conversation
	Channel      Channel // optional; without it every submission uses API
	API          Caller
	Endpoint     string // defaults to DefaultEndpoint
}

// NewProtocol creates a Protocol. Wire HandleFrame to the live channel's
// OnMessage so streamed replies reach the Conversation.
func NewProtocol(opts ProtocolOpts) (*Protocol, error) {
	if opts.Conversation == nil {
		return nil, fmt.Errorf("chat: conversation is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("chat: api caller is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Protocol{
		conv:     opts.Conversation,
		channel:  opts.Channel,
		api:      opts.API,
		endpoint: endpoint,
		now:      time.Now,
	}, nil
}

// Conversation returns the driven conversation.
func (p *Protocol) Conversation() *Conversation {
	return p.conv
}

// Submit sends text as the next user message. It returns ErrEmptyMessage,
// ErrAwaitingResponse or ErrNoDataSource without changing anything when the
// message cannot be accepted.
//
// Once accepted the submission always ends in exactly one assistant Turn.
// On the live channel Submit returns as soon as the frame is written and the
// reply arrives through HandleFrame; on the request/response path Submit
// blocks until the reply (or error Turn) has been appended.
func (p *Protocol) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	req, err := p.conv.begin(text, p.now())
	if err != nil {
		return err
	}

	// The transport is chosen once. A frame that could not be written never
	// reached the server, so falling back does not duplicate the request.
	if p.channel != nil && p.channel.Connected() {
		frame := req
		frame.Type = FrameChatMessage
		if p.channel.Send(frame) {
			return nil
		}
		log.Printf("chat: submit: live channel closed before send, using request/response")
	}
	p.requestResponse(ctx, req)
	return nil
}

func (p *Protocol) requestResponse(ctx context.Context, req Request) {
	var resp Response
	if err := p.api.Do(ctx, http.MethodPost, p.endpoint, req, &resp); err != nil {
		msg := errorText(err)
		log.Printf("chat: submit: %v", err)
		p.conv.finalize(errorTurn("Sorry, something went wrong: "+msg, msg, p.now()), "")
		return
	}
	p.conv.finalize(resp.turn(p.now()), resp.ConversationID)
}

// HandleFrame applies one inbound live channel frame. Frames that arrive
// while no submission is in flight are dropped.
func (p *Protocol) HandleFrame(f livechannel.Frame) {
	var applied bool
	switch f.Type {
	case FrameStreamStart:
		var ss StreamStart
		if err := f.Decode(&ss); err != nil {
			log.Printf("chat: %v", err)
			return
		}
		applied = p.conv.startStream(ss.ConversationID)

	case FrameStream:
		var sc StreamChunk
		if err := f.Decode(&sc); err != nil {
			log.Printf("chat: %v", err)
			return
		}
		applied = p.conv.appendChunk(sc.Chunk, sc.Phase)

	case FrameChatResponse:
		var resp Response
		if err := f.Decode(&resp); err != nil {
			// The reply is unreadable but the submission must still end.
			log.Printf("chat: %v", err)
			applied = p.conv.finalize(errorTurn(DefaultErrorText, err.Error(), p.now()), "")
			break
		}
		applied = p.conv.finalize(resp.turn(p.now()), resp.ConversationID)

	case FrameError:
		var ef ErrorFrame
		if err := f.Decode(&ef); err != nil {
			// The submission still ends, with the generic message.
			log.Printf("chat: %v", err)
		}
		content := ef.Content
		if content == "" {
			content = DefaultErrorText
		}
		applied = p.conv.finalize(errorTurn(content, content, p.now()), "")

	default:
		return
	}
	if !applied {
		log.Printf("chat: dropped %s frame: no submission in flight", f.Type)
	}
}

// errorText is the user-facing description of a failed call.
func errorText(err error) string {
	var re *transport.RequestError
	switch {
	case errors.Is(err, transport.ErrUnauthenticated):
		return "your session has expired, please sign in again"
	case errors.As(err, &re):
		return re.Message
	}
	return err.Error()
}
