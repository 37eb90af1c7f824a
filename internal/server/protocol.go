package server

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/nerrad567/opcproxy/internal/item"
)

// Protocol literals.
const (
	ServerHello  = "ESTSHOPCSVC.HELLO"
	ClientHello  = "ESTSHOPCCLIENT.HELLO"
	ResultPrefix = "ESTSHOPCSVC.RESULT:"

	prefixRead   = "ESTSHOPCSVC.READ:"
	prefixWrite  = "ESTSHOPCSVC.WRITE:"
	prefixReads  = "ESTSHOPCSVC.READS:"
	prefixWrites = "ESTSHOPCSVC.WRITES:"
	prefixBye    = "ESTSHOPCSVC.BYE"
)

// Verb identifies a client request.
type Verb string

// Request verbs.
const (
	VerbHello  Verb = "HELLO"
	VerbRead   Verb = "READ"
	VerbWrite  Verb = "WRITE"
	VerbReads  Verb = "READS"
	VerbWrites Verb = "WRITES"
	VerbBye    Verb = "BYE"
)

// Request is one parsed client message.
type Request struct {
	Verb  Verb
	Name  string
	Value string
	Type  item.Type
	Batch *BatchDocument
}

// BatchDocument is the XML payload of READS and WRITES. The root element
// name is preserved so replies echo the client's document.
type BatchDocument struct {
	XMLName xml.Name
	Items   []BatchItem `xml:"item"`
}

// BatchItem is one <item> element of a batch document.
type BatchItem struct {
	Name    string `xml:"name,attr"`
	Quality string `xml:"quality,attr"`
	Value   string `xml:",chardata"`
}

// cleanMessage strips line terminators and NUL padding some clients append.
func cleanMessage(msg string) string {
	return strings.TrimRight(msg, "\r\n\x00")
}

// IsClientHello reports whether msg is a client handshake.
func IsClientHello(msg string) bool {
	return strings.HasPrefix(msg, ClientHello)
}

// ParseRequest parses a message received on an established session.
//
// The prefixes include their trailing colon, so READ never matches READS.
// The WRITE value is everything between the first and last colon of the
// payload and may itself contain colons.
//
// Returns an error wrapping ErrProtocolViolation for unknown verbs, wrong
// field counts, unknown types and unparsable XML.
func ParseRequest(msg string) (Request, error) {
	msg = cleanMessage(msg)

	switch {
	case IsClientHello(msg):
		return Request{Verb: VerbHello}, nil

	case strings.HasPrefix(msg, prefixBye):
		return Request{Verb: VerbBye}, nil

	case strings.HasPrefix(msg, prefixReads):
		doc, err := parseBatch(strings.TrimPrefix(msg, prefixReads))
		if err != nil {
			return Request{}, err
		}
		return Request{Verb: VerbReads, Batch: doc}, nil

	case strings.HasPrefix(msg, prefixWrites):
		doc, err := parseBatch(strings.TrimPrefix(msg, prefixWrites))
		if err != nil {
			return Request{}, err
		}
		return Request{Verb: VerbWrites, Batch: doc}, nil

	case strings.HasPrefix(msg, prefixRead):
		name := strings.TrimPrefix(msg, prefixRead)
		if name == "" || strings.Contains(name, ":") {
			return Request{}, fmt.Errorf("%w: READ expects exactly one item name", ErrProtocolViolation)
		}
		return Request{Verb: VerbRead, Name: name}, nil

	case strings.HasPrefix(msg, prefixWrite):
		fields := strings.Split(strings.TrimPrefix(msg, prefixWrite), ":")
		if len(fields) < 3 || fields[0] == "" {
			return Request{}, fmt.Errorf("%w: WRITE expects <name>:<value>:<type>", ErrProtocolViolation)
		}
		typ, err := item.ParseType(fields[len(fields)-1])
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return Request{
			Verb:  VerbWrite,
			Name:  fields[0],
			Value: strings.Join(fields[1:len(fields)-1], ":"),
			Type:  typ,
		}, nil

	default:
		return Request{}, fmt.Errorf("%w: unrecognised request %q", ErrProtocolViolation, truncate(msg, 64))
	}
}

func parseBatch(payload string) (*BatchDocument, error) {
	var doc BatchDocument
	if err := xml.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid batch document: %v", ErrProtocolViolation, err)
	}
	for i, it := range doc.Items {
		if it.Name == "" {
			return nil, fmt.Errorf("%w: batch item %d has no name", ErrProtocolViolation, i)
		}
	}
	return &doc, nil
}

// FormatResult builds a single-item reply.
func FormatResult(value string, quality item.Quality) string {
	return ResultPrefix + value + ":" + quality.String()
}

// FormatBatchResult builds a batch reply from a filled document.
func FormatBatchResult(doc *BatchDocument) (string, error) {
	data, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding batch reply: %w", err)
	}
	return ResultPrefix + string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
