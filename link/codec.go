package link

import (
	"fmt"
	"strings"
	"unicode"
)

// AppTag is the application tag appended to the "LINK" prefix.
//
// It is fixed at build time, e.g. -ldflags "-X github.com/arloliu/go-link/link.AppTag=DRAGON",
// and can be overridden per connection with WithAppTag.
var AppTag = "DRAGON"

const (
	linkPrefix     = "LINK"
	fieldSeparator = ":"
	lineTerminator = "\r\n"
)

// Commands sent by the host.
const (
	CmdStart      = "START"
	CmdStop       = "STOP"
	CmdGetVersion = "GETV"
	CmdPing       = "PING"
)

// Response codes sent by the device.
const (
	CodeStartOK        = "START_OK"
	CodeStartNOK       = "START_NOK"
	CodePrefixInvalid  = "PREFIX_INVALID"
	CodeCommandUnknown = "COMMAND_UNKNOWN"
	CodeUnconnected    = "UNCONNECTED"
	CodeStopOK         = "STOP_OK"
	CodePing           = "PING"
)

// identityFieldCount is the number of fields following the prefix in a GETV reply.
const identityFieldCount = 3

// IsRejectionCode reports whether code is one of the refusal codes of a START exchange.
func IsRejectionCode(code string) bool {
	switch code {
	case CodeStartNOK, CodePrefixInvalid, CodeCommandUnknown, CodeUnconnected:
		return true
	default:
		return false
	}
}

// Message is a decoded protocol line: the prefix, the response code and the
// remaining fields in order.
type Message struct {
	Prefix string
	Code   string
	Fields []string
}

// String re-assembles the message without the line terminator.
func (m Message) String() string {
	parts := append([]string{m.Prefix, m.Code}, m.Fields...)
	return strings.Join(parts, fieldSeparator)
}

// Identity is the device identity returned in reply to GETV.
type Identity struct {
	UID     string
	Version string
	Model   string
}

// Codec encodes host commands and decodes device lines for one application tag.
//
// Codec holds no state besides the prefix and is safe for concurrent use.
type Codec struct {
	prefix string
}

// NewCodec returns a Codec for the given application tag.
func NewCodec(appTag string) Codec {
	return Codec{prefix: linkPrefix + appTag}
}

// Prefix returns the line prefix, e.g. "LINKDRAGON".
func (c Codec) Prefix() string { return c.prefix }

// Encode builds a CRLF-terminated command line.
func (c Codec) Encode(cmd string, fields ...string) []byte {
	n := len(c.prefix) + len(cmd) + len(lineTerminator) + 1
	for _, f := range fields {
		n += len(f) + 1
	}

	var sb strings.Builder
	sb.Grow(n)
	sb.WriteString(c.prefix)
	sb.WriteString(fieldSeparator)
	sb.WriteString(cmd)
	for _, f := range fields {
		sb.WriteString(fieldSeparator)
		sb.WriteString(f)
	}
	sb.WriteString(lineTerminator)

	return []byte(sb.String())
}

// Start builds the START command carrying credential.
func (c Codec) Start(credential string) []byte { return c.Encode(CmdStart, credential) }

// Stop builds the STOP command.
func (c Codec) Stop() []byte { return c.Encode(CmdStop) }

// GetVersion builds the GETV identity query.
func (c Codec) GetVersion() []byte { return c.Encode(CmdGetVersion) }

// Ping builds the PING heartbeat.
func (c Codec) Ping() []byte { return c.Encode(CmdPing) }

// Decode parses a device line.
//
// Trailing control characters and spaces are trimmed first. It
// returns ErrMalformedResponse if the first field is not the prefix or if fewer
// than minFields fields follow it. minFields values below 1 are treated as 1,
// since every reply carries at least a code.
func (c Codec) Decode(line string, minFields int) (Message, error) {
	line = trimLine(line)
	parts := strings.Split(line, fieldSeparator)

	if parts[0] != c.prefix {
		return Message{}, fmt.Errorf("%w: unexpected prefix in %q", ErrMalformedResponse, line)
	}

	if minFields < 1 {
		minFields = 1
	}
	if len(parts)-1 < minFields {
		return Message{}, fmt.Errorf("%w: got %d fields, want at least %d in %q",
			ErrMalformedResponse, len(parts)-1, minFields, line)
	}

	return Message{
		Prefix: parts[0],
		Code:   strings.TrimSpace(parts[1]),
		Fields: parts[2:],
	}, nil
}

// DecodeIdentity parses a GETV reply of the form LINK<APP>:<UID>:<VERSION>:<MODEL>.
func (c Codec) DecodeIdentity(line string) (Identity, error) {
	msg, err := c.Decode(line, identityFieldCount)
	if err != nil {
		return Identity{}, err
	}

	if len(msg.Fields) != identityFieldCount-1 {
		return Identity{}, fmt.Errorf("%w: identity needs exactly %d fields, got %q",
			ErrMalformedResponse, identityFieldCount, trimLine(line))
	}
	if msg.Code == "" {
		return Identity{}, fmt.Errorf("%w: empty device UID", ErrMalformedResponse)
	}

	return Identity{UID: msg.Code, Version: msg.Fields[0], Model: msg.Fields[1]}, nil
}

// Redact returns a printable form of a command line with the START credential masked.
func (c Codec) Redact(line []byte) string {
	s := trimLine(string(line))
	startPrefix := c.prefix + fieldSeparator + CmdStart + fieldSeparator
	if strings.HasPrefix(s, startPrefix) {
		return startPrefix + "***"
	}

	return s
}

// ValidateCredential checks that credential can be carried in a single START field.
func ValidateCredential(credential string) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	if strings.Contains(credential, fieldSeparator) || strings.IndexFunc(credential, unicode.IsControl) >= 0 {
		return ErrInvalidCredential
	}

	return nil
}

func trimLine(line string) string {
	return strings.TrimRightFunc(line, func(r rune) bool {
		return r == ' ' || unicode.IsControl(r)
	})
}
