package emficampaign

import (
	"bytes"
	"strings"

	"go.viam.com/rdk/logging"
)

// binaryPrefix marks a payload as opaque binary data. The target prepends it
// to signatures so a faulted transmission of the prefix itself is detectable.
var binaryPrefix = []byte{0x01, 0xFE, 0x01, 0xFE}

var crlf = []byte("\r\n")

// defaultMaxFrameBytes bounds how far the parser scans for a frame terminator
// before giving up on the frame and resynchronizing.
const defaultMaxFrameBytes = 4096

type MessageKind int

const (
	MessageText MessageKind = iota
	MessageList
	MessageBinary
)

// Transmission is one complete frame of the target's wire grammar:
//
//	transmission ::= keyword ":" CRLF prefix message CRLF
//	prefix       ::= 0x01 0xFE 0x01 0xFE | ""
//
// The keyword is stored without its trailing colon. Exactly one of Text, List,
// or Binary is populated, per Kind.
type Transmission struct {
	Keyword         string
	HasBinaryPrefix bool
	Kind            MessageKind
	Text            string
	List            []string
	Binary          []byte
}

// TransmissionParser turns an append-only byte stream into Transmissions.
// Feed appends raw serial bytes; Next yields complete frames as they become
// available, retaining any trailing incomplete bytes across calls. Malformed
// input is dropped and the parser resynchronizes at the next CRLF boundary.
type TransmissionParser struct {
	logger   logging.Logger
	buf      []byte
	maxFrame int
	resync   bool
}

func NewTransmissionParser(logger logging.Logger) *TransmissionParser {
	return &TransmissionParser{logger: logger, maxFrame: defaultMaxFrameBytes}
}

// Feed appends raw bytes from the serial link.
func (p *TransmissionParser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Pending reports how many unconsumed bytes the parser is holding.
func (p *TransmissionParser) Pending() int {
	return len(p.buf)
}

// Next returns the next complete transmission, or ok=false if the buffer does
// not yet hold one.
func (p *TransmissionParser) Next() (Transmission, bool) {
	for {
		if p.resync {
			i := bytes.Index(p.buf, crlf)
			if i < 0 {
				// Still no boundary; cap buffer growth while discarding.
				if len(p.buf) > p.maxFrame {
					p.buf = p.buf[:0]
				}
				return Transmission{}, false
			}
			p.buf = p.buf[i+2:]
			p.resync = false
			continue
		}

		i := bytes.Index(p.buf, crlf)
		if i < 0 {
			if len(p.buf) > p.maxFrame {
				p.logger.Debugf("no frame boundary within %d bytes, resynchronizing", p.maxFrame)
				p.buf = p.buf[:0]
				p.resync = true
			}
			return Transmission{}, false
		}

		keyword, ok := parseKeywordLine(p.buf[:i])
		if !ok {
			p.logger.Debugf("dropping malformed keyword line (%d bytes)", i)
			p.buf = p.buf[i+2:]
			continue
		}

		rest := p.buf[i+2:]
		j := bytes.Index(rest, crlf)
		if j < 0 {
			if len(rest) > p.maxFrame {
				p.logger.Debugf("message for keyword %q never terminated, resynchronizing", keyword)
				p.buf = p.buf[:0]
				p.resync = true
				continue
			}
			return Transmission{}, false
		}

		t := decodeMessage(keyword, rest[:j])
		p.buf = rest[j+2:]
		return t, true
	}
}

// parseKeywordLine validates `keyword ":"`. The keyword itself is printable
// ASCII with no colon; the line's final byte is the colon.
func parseKeywordLine(line []byte) (string, bool) {
	if len(line) < 2 || line[len(line)-1] != ':' {
		return "", false
	}
	keyword := line[:len(line)-1]
	for _, b := range keyword {
		if b < 0x20 || b > 0x7E || b == ':' {
			return "", false
		}
	}
	return string(keyword), true
}

func decodeMessage(keyword string, msg []byte) Transmission {
	if bytes.HasPrefix(msg, binaryPrefix) {
		payload := make([]byte, len(msg)-len(binaryPrefix))
		copy(payload, msg[len(binaryPrefix):])
		return Transmission{
			Keyword:         keyword,
			HasBinaryPrefix: true,
			Kind:            MessageBinary,
			Binary:          payload,
		}
	}

	text := string(msg)
	if strings.Contains(text, ", ") {
		parts := strings.Split(text, ",")
		tokens := make([]string, 0, len(parts))
		for _, part := range parts {
			tokens = append(tokens, strings.TrimSpace(part))
		}
		// The grammar permits a trailing separator.
		if len(tokens) > 0 && tokens[len(tokens)-1] == "" {
			tokens = tokens[:len(tokens)-1]
		}
		return Transmission{Keyword: keyword, Kind: MessageList, List: tokens}
	}

	return Transmission{Keyword: keyword, Kind: MessageText, Text: text}
}

// EncodeText frames a plain text message.
func EncodeText(keyword, text string) []byte {
	var b bytes.Buffer
	b.WriteString(keyword)
	b.WriteString(":")
	b.Write(crlf)
	b.WriteString(text)
	b.Write(crlf)
	return b.Bytes()
}

// EncodeList frames a list message. Every element carries a trailing ", "
// separator, the last one included, so a single element still decodes as a
// list rather than plain text.
func EncodeList(keyword string, tokens []string) []byte {
	return EncodeText(keyword, strings.Join(tokens, ", ")+", ")
}

// EncodeBinary frames an opaque binary payload behind the 0x01FE01FE prefix.
// The payload must not contain the CRLF terminator sequence.
func EncodeBinary(keyword string, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString(keyword)
	b.WriteString(":")
	b.Write(crlf)
	b.Write(binaryPrefix)
	b.Write(payload)
	b.Write(crlf)
	return b.Bytes()
}
