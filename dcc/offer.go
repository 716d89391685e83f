package dcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidOffer = errors.New("dcc: invalid offer")

// Offer is the payload of a "DCC SEND" CTCP request
type Offer struct {
	FileName string
	Address  string
	Port     int
	Size     int64
}

// ParseOffer parses "[DCC] SEND <file> <ip> <port> [<size>]". The address
// may be a decimal IPv4 integer or a literal IP; file names containing
// spaces are quoted.
func ParseOffer(text string) (Offer, error) {
	rest := strings.TrimSpace(text)

	word, tail := cutWord(rest)
	if strings.EqualFold(word, "DCC") {
		word, tail = cutWord(tail)
	}
	if !strings.EqualFold(word, "SEND") {
		return Offer{}, fmt.Errorf("%w: not a SEND request: %q", ErrInvalidOffer, text)
	}

	var o Offer
	tail = strings.TrimLeft(tail, " ")
	if strings.HasPrefix(tail, `"`) {
		end := strings.IndexByte(tail[1:], '"')
		if end < 0 {
			return Offer{}, fmt.Errorf("%w: unterminated file name", ErrInvalidOffer)
		}
		o.FileName = tail[1 : end+1]
		tail = tail[end+2:]
	} else {
		o.FileName, tail = cutWord(tail)
	}
	if o.FileName == "" {
		return Offer{}, fmt.Errorf("%w: missing file name", ErrInvalidOffer)
	}

	fields := strings.Fields(tail)
	if len(fields) < 2 {
		return Offer{}, fmt.Errorf("%w: missing address or port", ErrInvalidOffer)
	}

	addr, err := parseAddress(fields[0])
	if err != nil {
		return Offer{}, err
	}
	o.Address = addr

	// Port 0 requests a passive (reverse) connection, which we do not offer
	port, err := strconv.Atoi(fields[1])
	if err != nil || port < 1 || port > 65535 {
		return Offer{}, fmt.Errorf("%w: bad port %q", ErrInvalidOffer, fields[1])
	}
	o.Port = port

	if len(fields) > 2 {
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return Offer{}, fmt.Errorf("%w: bad size %q", ErrInvalidOffer, fields[2])
		}
		o.Size = size
	}
	return o, nil
}

// String encodes the offer as CTCP text, without the 0x01 framing
func (o Offer) String() string {
	name := o.FileName
	if strings.ContainsAny(name, " \t") {
		name = `"` + name + `"`
	}
	return fmt.Sprintf("DCC SEND %s %s %d %d", name, formatAddress(o.Address), o.Port, o.Size)
}

// OfferFor builds the announcement of an outbound transfer
func OfferFor(t Transfer) Offer {
	return Offer{
		FileName: t.FileName,
		Address:  t.Address,
		Port:     t.Port,
		Size:     t.Size,
	}
}

// Request turns the offer into a receive request from peer
func (o Offer) Request(peer string) ReceiveRequest {
	return ReceiveRequest{
		Peer:     peer,
		FileName: o.FileName,
		Address:  o.Address,
		Port:     o.Port,
		Size:     o.Size,
	}
}

func cutWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " ")
	word, rest, _ = strings.Cut(s, " ")
	return word, rest
}

func parseAddress(s string) (string, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, uint32(n))
		return ip.String(), nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), nil
	}
	return "", fmt.Errorf("%w: bad address %q", ErrInvalidOffer, s)
}

func formatAddress(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(v4)), 10)
	}
	return ip.String()
}
