// Package protocol implements the line framing used by the TCP transport:
// one packet per line, fields separated by '|', with '|', '\\', CR and LF
// backslash-escaped inside fields.
package protocol

import (
	"errors"
	"strings"

	"msgrelay/models"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrMissingFields = errors.New("missing packet fields")
)

// Packet types.
const (
	TypeHello     = "hello"
	TypeMessage   = "msg"
	TypeDelivered = "dlvd"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeBye       = "bye"
	TypeFail      = "fail"
)

type Packet struct {
	Type   string
	Fields []string
}

// Field returns the i-th field or "" if it is absent.
func (p *Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := split(line)
	if parts[0] == "" {
		return nil, ErrInvalidPacket
	}

	return &Packet{Type: parts[0], Fields: parts[1:]}, nil
}

// FormatPacket escapes every field and terminates the packet with '\n'.
func FormatPacket(pktType string, fields ...string) string {
	var b strings.Builder
	b.WriteString(Escape(pktType))
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(Escape(f))
	}
	b.WriteByte('\n')
	return b.String()
}

// split cuts s at unescaped '|' and unescapes each part.
func split(s string) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			switch r {
			case 'n':
				current.WriteRune('\n')
			case 'r':
				current.WriteRune('\r')
			case '|', '\\':
				current.WriteRune(r)
			default:
				// unknown escape, keep it verbatim
				current.WriteRune('\\')
				current.WriteRune(r)
			}
			escape = false
			continue
		}

		switch r {
		case '\\':
			escape = true
		case '|':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	// trailing lone backslash
	if escape {
		current.WriteRune('\\')
	}

	return append(parts, current.String())
}

// Escape backslash-escapes the characters that carry meaning in a packet.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// Message layout: msg|id|chatId|sender|receiver|timestamp|content.
// Content goes last; a packet without the content field carries null content,
// which is distinct from an empty trailing field.

func FormatMessage(m models.Message) string {
	if m.Content == nil {
		return FormatPacket(TypeMessage, m.ID, m.ChatID, m.Sender, m.Receiver, m.Timestamp)
	}
	return FormatPacket(TypeMessage, m.ID, m.ChatID, m.Sender, m.Receiver, m.Timestamp, *m.Content)
}

func ParseMessage(p *Packet) (models.Message, error) {
	if len(p.Fields) < 5 {
		return models.Message{}, ErrMissingFields
	}
	m := models.Message{
		ID:        p.Field(0),
		ChatID:    p.Field(1),
		Sender:    p.Field(2),
		Receiver:  p.Field(3),
		Timestamp: p.Field(4),
	}
	if len(p.Fields) > 5 {
		m.Content = models.Text(p.Field(5))
	}
	return m, nil
}

// Delivered packets: inbound dlvd|id|sender, outbound dlvd|id.

func FormatDelivered(id string) string {
	return FormatPacket(TypeDelivered, id)
}

func ParseDelivered(p *Packet) (id, sender string, err error) {
	if len(p.Fields) < 2 {
		return "", "", ErrMissingFields
	}
	return p.Field(0), p.Field(1), nil
}
