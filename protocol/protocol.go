// Package protocol implements the line-oriented wire framing used between
// clients and the relay server. A packet is a newline-terminated list of
// pipe-separated fields; pipes, commas, backslashes and line breaks inside
// a field are backslash-escaped.
package protocol

import (
	"errors"
	"strings"
)

var ErrInvalidPacket = errors.New("invalid packet format")

type Packet struct {
	Type    string
	Dest    string
	Content string
	Fields  []string // Content split on unescaped pipes
}

// Parse decodes a single wire line. Lines of the form TYPE|CONTENT carry
// no destination; TYPE|DEST|CONTENT carries one.
func Parse(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitEscaped(line, '|')
	if len(parts) == 0 || parts[0] == "" {
		return nil, ErrInvalidPacket
	}

	pkt := &Packet{Type: Unescape(parts[0])}
	switch {
	case len(parts) == 2:
		pkt.Content = Unescape(parts[1])
		pkt.Fields = splitEscaped(pkt.Content, '|')
	case len(parts) >= 3:
		pkt.Dest = Unescape(parts[1])
		pkt.Content = Unescape(parts[2])
		pkt.Fields = splitEscaped(pkt.Content, '|')
	}
	return pkt, nil
}

// Format builds a wire line from a packet type and fields, escaping each
// field independently.
func Format(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, f := range fields {
		parts = append(parts, Escape(f))
	}
	return strings.Join(parts, "|") + "\n"
}

// FormatRaw builds a wire line whose payload is already encoded, for
// list replies where separators inside the payload must stay unescaped.
func FormatRaw(pktType, raw string) string {
	return Escape(pktType) + "|" + raw + "\n"
}

// FormatList joins pre-encoded items with commas into a single payload.
func FormatList(pktType string, items []string) string {
	return FormatRaw(pktType, strings.Join(items, ","))
}

func splitEscaped(s string, delim rune) []string {
	var parts []string
	var cur strings.Builder
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == delim:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// Escape protects field separators and line breaks inside a field.
func Escape(s string) string {
	var out strings.Builder
	for _, r := range s {
		switch r {
		case '|':
			out.WriteString("\\|")
		case ',':
			out.WriteString("\\,")
		case '\\':
			out.WriteString("\\\\")
		case '\n':
			out.WriteString("\\n")
		case '\r':
			out.WriteString("\\r")
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// Unescape reverses Escape. Unrecognized escapes are kept verbatim, and a
// trailing lone backslash survives as-is.
func Unescape(s string) string {
	var out strings.Builder
	escaped := false

	for i, r := range s {
		if escaped {
			switch r {
			case '|', ',', '\\':
				out.WriteRune(r)
			case 'n':
				out.WriteRune('\n')
			case 'r':
				out.WriteRune('\r')
			default:
				out.WriteRune('\\')
				out.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' && i < len(s)-1 {
			escaped = true
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}
