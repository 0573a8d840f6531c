package nsenter

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Netlink message and attribute types of the bootstrap message sent by the
// runtime over the init pipe.
const (
	InitMsg        uint16 = 62000
	CloneFlagsAttr uint16 = 27281
	NsPathsAttr    uint16 = 27282
)

var (
	errBadMsgType  = errors.New("unexpected netlink message type")
	errUnknownAttr = errors.New("unknown netlink attribute")
)

// Config is the decoded bootstrap message. It is never modified after
// decoding.
type Config struct {
	// CloneFlags is the mask of CLONE_NEW* namespaces to create.
	CloneFlags uint32
	// NsPaths is the comma separated list of "kind:path" namespaces to
	// join, user namespace first. Empty if there is nothing to join.
	NsPaths string
}

// NsPath is one entry of the namespace join list.
type NsPath struct {
	Kind string
	Path string
}

// Namespaces tokenizes NsPaths, keeping the order.
func (c *Config) Namespaces() ([]NsPath, error) {
	return parseNsPaths(c.NsPaths)
}

func (c *Config) has(flag int) bool {
	return c.CloneFlags&uint32(flag) != 0
}

// Int32msg has the following representation
// | nlattr len | nlattr type |
// | uint32 value             |
type Int32msg struct {
	Type  uint16
	Value uint32
}

// Serialize serializes the message.
// Int32msg has the following representation
// | nlattr len | nlattr type |
// | uint32 value             |
func (msg *Int32msg) Serialize() []byte {
	buf := make([]byte, msg.Len())
	native := nl.NativeEndian()
	native.PutUint16(buf[0:2], uint16(msg.Len()))
	native.PutUint16(buf[2:4], msg.Type)
	native.PutUint32(buf[4:8], msg.Value)
	return buf
}

func (msg *Int32msg) Len() int {
	return unix.NLA_HDRLEN + 4
}

// Bytemsg has the following representation
// | nlattr len | nlattr type |
// | value              | pad |
type Bytemsg struct {
	Type  uint16
	Value []byte
}

func (msg *Bytemsg) Serialize() []byte {
	l := msg.Len()
	buf := make([]byte, (l+unix.NLA_ALIGNTO-1) & ^(unix.NLA_ALIGNTO-1))
	native := nl.NativeEndian()
	native.PutUint16(buf[0:2], uint16(l))
	native.PutUint16(buf[2:4], msg.Type)
	copy(buf[4:], msg.Value)
	return buf
}

func (msg *Bytemsg) Len() int {
	return unix.NLA_HDRLEN + len(msg.Value) + 1 // null-terminated
}

// EncodeConfig serializes c into the netlink framed bootstrap message read by
// DecodeConfig.
func EncodeConfig(c *Config) []byte {
	r := nl.NewNetlinkRequest(int(InitMsg), 0)
	r.AddData(&Int32msg{
		Type:  CloneFlagsAttr,
		Value: c.CloneFlags,
	})
	if c.NsPaths != "" {
		r.AddData(&Bytemsg{
			Type:  NsPathsAttr,
			Value: []byte(c.NsPaths),
		})
	}
	return r.Serialize()
}

// DecodeConfig reads one bootstrap message from r. Any deviation from the
// expected framing, message type or attribute set is an error; there is no
// partial result.
func DecodeConfig(r io.Reader) (*Config, error) {
	hdr := make([]byte, unix.NLMSG_HDRLEN)
	if n, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("invalid netlink header length %d: %w", n, err)
	}
	native := nl.NativeEndian()
	msgLen := native.Uint32(hdr[0:4])
	msgType := native.Uint16(hdr[4:6])
	if msgType == unix.NLMSG_ERROR {
		return nil, errors.New("failed to read netlink message")
	}
	if msgType != InitMsg {
		return nil, fmt.Errorf("%w %d", errBadMsgType, msgType)
	}
	if msgLen < unix.NLMSG_HDRLEN {
		return nil, fmt.Errorf("invalid netlink message length %d", msgLen)
	}

	size := int(msgLen) - unix.NLMSG_HDRLEN
	data := make([]byte, size)
	if n, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read netlink payload, %d != %d: %w", n, size, err)
	}

	// Every attribute is padded to NLA_ALIGNTO, so a well-formed payload is
	// too.
	if size%unix.NLA_ALIGNTO != 0 {
		return nil, fmt.Errorf("unaligned netlink payload of %d bytes", size)
	}
	attrs, err := nl.ParseRouteAttr(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse netlink payload: %w", err)
	}
	c := &Config{}
	for _, attr := range attrs {
		switch attr.Attr.Type {
		case CloneFlagsAttr:
			if len(attr.Value) < 4 {
				return nil, fmt.Errorf("short clone flags attribute (%d bytes)", len(attr.Value))
			}
			c.CloneFlags = native.Uint32(attr.Value[:4])
		case NsPathsAttr:
			c.NsPaths = strings.TrimRight(string(attr.Value), "\x00")
		default:
			return nil, fmt.Errorf("%w type %d", errUnknownAttr, attr.Attr.Type)
		}
	}
	return c, nil
}
