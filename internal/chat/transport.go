// Package chat connects the bridge to the chat platform: a socket-mode
// push subscription for inbound events and HTTP endpoints for outbound
// messages and file uploads. Connection management and authentication
// with the platform live entirely in this package; the rest of the
// bridge sees only events and the Transport interface.
package chat

import "context"

// InboundEvent is one conversational turn pushed by the platform.
type InboundEvent struct {
	ChannelID string
	UserID    string
	Text      string
}

// Transport is the outbound half of the chat boundary.
type Transport interface {
	// PostMessage sends formatted text to a channel.
	PostMessage(ctx context.Context, channelID, text string) error
	// UploadFile attaches a file to a channel, used for long output.
	UploadFile(ctx context.Context, channelID string, content []byte, filename string) error
}
