package blob

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/graphchan/graphchan/internal/xerrors"
)

// Ticket is a self-contained blob locator: the addresses of peers serving
// the blob plus its content id. Tickets ride inside FileAvailable and
// ProfileUpdate events and in thread announcements.
type Ticket struct {
	Addresses []string `json:"addresses"`
	Hash      string   `json:"hash"`
	Format    string   `json:"format"`
}

// FormatRaw is the only blob format currently minted.
const FormatRaw = "raw"

// NewTicket mints a ticket for a blob served at the given addresses.
func NewTicket(addresses []string, contentID string) Ticket {
	if addresses == nil {
		addresses = []string{}
	}
	return Ticket{Addresses: addresses, Hash: contentID, Format: FormatRaw}
}

// Encode serializes the ticket for the wire: base64 over canonical JSON.
func (t Ticket) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", xerrors.Wrap(xerrors.BadRequest, err, "encode ticket")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTicket parses an encoded ticket.
func DecodeTicket(encoded string) (Ticket, error) {
	var t Ticket
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return t, xerrors.Wrap(xerrors.BadRequest, err, "malformed ticket")
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, xerrors.Wrap(xerrors.BadRequest, err, "malformed ticket payload")
	}
	if t.Hash == "" {
		return t, xerrors.New(xerrors.BadRequest, "ticket missing hash")
	}
	return t, nil
}
