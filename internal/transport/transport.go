// Package transport defines the abstract chat surface the core talks to.
// The wire protocol (gateway connection, REST, proxies) lives behind this
// interface; internal/channels/discord provides the real implementation.
package transport

import "context"

// MaxMessageLen is the chat platform's hard per-message character limit.
const MaxMessageLen = 2000

// FileAttachment is an outbound file.
type FileAttachment struct {
	Name string
	Data []byte
}

// Inbound is one user message handed to the gateway.
type Inbound struct {
	ConvKey     string // dm:<uid>, discord:<gid>:channel:<cid>, discord:<gid>:thread:<tid>
	ChannelID   string
	GuildID     string // "" for DMs
	MessageID   string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []InboundAttachment
	IsDM        bool
}

// InboundAttachment describes an incoming file by reference.
type InboundAttachment struct {
	Filename    string
	URL         string
	Size        int64
	ContentType string
}

// ChatTransport is the minimal chat surface contract the core consumes.
type ChatTransport interface {
	SendMessage(ctx context.Context, channelID, content string) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	ReplyToMessage(ctx context.Context, channelID, replyToID, content string) (messageID string, err error)
	FetchChannelMessage(ctx context.Context, channelID, messageID string) (content string, err error)
	SendFile(ctx context.Context, channelID string, file FileAttachment, comment string) error
	Typing(ctx context.Context, channelID string) error
}

// Chunk splits content at the platform limit, preferring newline boundaries
// past the halfway point so code blocks stay readable.
func Chunk(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := lastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// SendChunked sends content as one or more messages.
func SendChunked(ctx context.Context, t ChatTransport, channelID, content string) error {
	for _, c := range Chunk(content, MaxMessageLen) {
		if _, err := t.SendMessage(ctx, channelID, c); err != nil {
			return err
		}
	}
	return nil
}

// EditThenSend edits messageID with the first chunk and sends the rest as
// follow-up messages. This is how a status message becomes the final reply.
func EditThenSend(ctx context.Context, t ChatTransport, channelID, messageID, content string) error {
	chunks := Chunk(content, MaxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{"(empty)"}
	}
	if err := t.EditMessage(ctx, channelID, messageID, chunks[0]); err != nil {
		return err
	}
	for _, c := range chunks[1:] {
		if _, err := t.SendMessage(ctx, channelID, c); err != nil {
			return err
		}
	}
	return nil
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
