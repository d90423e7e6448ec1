// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package epmd

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/wire"
)

// Message tag values of the daemon protocol.
const (
	TagAlive2Req     = 120 // 'x'
	TagAlive2Resp    = 121 // 'y'
	TagPortPleaseReq = 122 // 'z'
	TagPortResp      = 119 // 'w'
	TagNamesReq      = 110 // 'n'
	TagDumpReq       = 100 // 'd'
	TagKillReq       = 107 // 'k'
	TagStopReq       = 115 // 's'
)

// alive2ResponseLen is the fixed size of the registration reply.
const alive2ResponseLen = 4

// requestFramer wraps every request sent to the daemon.
var requestFramer = wire.Framer{HeaderLen: params.HandshakeHeaderLen}

// NodeInfo identifies a node registered at a daemon.
type NodeInfo struct {
	Name string
	Port uint16
}

// Request is a message sent to the daemon. The concrete types are the various
// request kinds of the protocol.
type Request interface {
	// Tag returns the leading byte identifying the request kind.
	Tag() byte

	// body assembles the request without its tag and frame.
	body(w *wire.Writer)
}

// Alive2Request registers a node with the daemon.
type Alive2Request struct {
	Port        uint16
	NodeType    uint8
	Protocol    uint8
	HighVersion uint16
	LowVersion  uint16
	Name        string
	Extra       []byte
}

// NewAlive2Request creates a registration request with the default node type,
// protocol and distribution version range.
func NewAlive2Request(node NodeInfo) *Alive2Request {
	return &Alive2Request{
		Port:        node.Port,
		NodeType:    params.NodeTypeNormal,
		Protocol:    params.ProtocolTCP,
		HighVersion: params.HighestVersion,
		LowVersion:  params.LowestVersion,
		Name:        node.Name,
	}
}

func (req *Alive2Request) Tag() byte { return TagAlive2Req }

func (req *Alive2Request) body(w *wire.Writer) {
	w.Uint16(req.Port).Uint8(req.NodeType).Uint8(req.Protocol)
	w.Uint16(req.HighVersion).Uint16(req.LowVersion)
	w.Prefixed16([]byte(req.Name), "node name")
	w.Prefixed16(req.Extra, "extra")
}

// NamesRequest asks the daemon for all the registered nodes.
type NamesRequest struct{}

func (req *NamesRequest) Tag() byte         { return TagNamesReq }
func (req *NamesRequest) body(*wire.Writer) {}

// PortPleaseRequest asks the daemon for the distribution port of a node. The
// name is not length prefixed, it spans until the end of the frame.
type PortPleaseRequest struct {
	Name string
}

func (req *PortPleaseRequest) Tag() byte           { return TagPortPleaseReq }
func (req *PortPleaseRequest) body(w *wire.Writer) { w.Bytes([]byte(req.Name)) }

// KillRequest asks the daemon to terminate itself.
type KillRequest struct{}

func (req *KillRequest) Tag() byte         { return TagKillReq }
func (req *KillRequest) body(*wire.Writer) {}

// DumpRequest asks the daemon for a diagnostic dump of its node table.
type DumpRequest struct{}

func (req *DumpRequest) Tag() byte         { return TagDumpReq }
func (req *DumpRequest) body(*wire.Writer) {}

// StopRequest asks the daemon to forcefully unregister a node.
type StopRequest struct {
	Name string
}

func (req *StopRequest) Tag() byte           { return TagStopReq }
func (req *StopRequest) body(w *wire.Writer) { w.Bytes([]byte(req.Name)) }

// EncodeRequest serializes a request into its framed wire form.
func EncodeRequest(req Request) ([]byte, error) {
	w := new(wire.Writer).Uint8(req.Tag())
	req.body(w)

	payload, err := w.Build()
	if err != nil {
		return nil, err
	}
	return requestFramer.Encode(payload)
}

// DecodeRequest parses a framed request. Unlike responses, unknown tags are
// rejected since a daemon must refuse malformed input.
func DecodeRequest(frame []byte) (Request, error) {
	payload, err := requestFramer.Decode(frame)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(payload)

	tag := r.Uint8("request tag")
	if err := r.Err(); err != nil {
		return nil, err
	}
	var req Request
	switch tag {
	case TagAlive2Req:
		alive := &Alive2Request{
			Port:        r.Uint16("port"),
			NodeType:    r.Uint8("node type"),
			Protocol:    r.Uint8("protocol"),
			HighVersion: r.Uint16("highest version"),
			LowVersion:  r.Uint16("lowest version"),
		}
		alive.Name = string(r.Bytes(int(r.Uint16("name length")), "node name"))
		if extra := r.Bytes(int(r.Uint16("extra length")), "extra"); len(extra) > 0 {
			alive.Extra = extra
		}
		req = alive

	case TagPortPleaseReq, TagStopReq:
		name := string(r.Rest())
		if name == "" {
			return nil, fmt.Errorf("%w: empty node name", wire.ErrMalformed)
		}
		if tag == TagStopReq {
			req = &StopRequest{Name: name}
		} else {
			req = &PortPleaseRequest{Name: name}
		}
	case TagNamesReq:
		req = new(NamesRequest)
	case TagDumpReq:
		req = new(DumpRequest)
	case TagKillReq:
		req = new(KillRequest)

	default:
		return nil, fmt.Errorf("%w: request %d", wire.ErrUnexpectedTag, tag)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return req, nil
}

// Response is a message received from the daemon.
type Response interface {
	// encode assembles the response in its wire form.
	encode(w *wire.Writer)
}

// Alive2Result is the daemon's reply to a registration.
type Alive2Result struct {
	Success  bool
	Creation [2]byte
}

func (res *Alive2Result) encode(w *wire.Writer) {
	var code uint8
	if !res.Success {
		code = 1
	}
	w.Uint8(TagAlive2Resp).Uint8(code).Bytes(res.Creation[:])
}

// PortResult is the daemon's reply to a port lookup. A non-zero status means the
// node is unknown and all other fields are empty.
type PortResult struct {
	Status      uint8
	Port        uint16
	NodeType    uint8
	Protocol    uint8
	HighVersion uint16
	LowVersion  uint16
	Name        string
	Extra       []byte
}

// Found reports whether the daemon knew about the requested node.
func (res *PortResult) Found() bool {
	return res.Status == 0
}

func (res *PortResult) encode(w *wire.Writer) {
	w.Uint8(TagPortResp).Uint8(res.Status)
	if res.Status != 0 {
		return
	}
	w.Uint16(res.Port).Uint8(res.NodeType).Uint8(res.Protocol)
	w.Uint16(res.HighVersion).Uint16(res.LowVersion)
	w.Prefixed16([]byte(res.Name), "node name")
	w.Prefixed16(res.Extra, "extra")
}

// NamesResult is the daemon's reply to a names query: its own port and the
// list of registered nodes.
type NamesResult struct {
	Port  uint32
	Nodes []NodeInfo
}

func (res *NamesResult) encode(w *wire.Writer) {
	w.Uint32(res.Port)
	for _, node := range res.Nodes {
		w.Bytes([]byte(fmt.Sprintf("name %s at port %d\n", node.Name, node.Port)))
	}
}

// UnknownResponse is any daemon reply with a tag not understood locally. It is
// never silently dropped, callers get to see the raw bytes.
type UnknownResponse struct {
	Raw []byte
}

func (res *UnknownResponse) encode(w *wire.Writer) {
	w.Bytes(res.Raw)
}

// EncodeResponse serializes a response into its wire form. Daemon replies are
// not framed.
func EncodeResponse(res Response) ([]byte, error) {
	w := new(wire.Writer)
	res.encode(w)
	return w.Build()
}

// DecodeResponse parses a tagged daemon reply. Unknown tags degrade into an
// UnknownResponse instead of failing. Names replies carry no tag and need to be
// parsed with DecodeNames.
func DecodeResponse(data []byte) (Response, error) {
	r := wire.NewReader(data)

	tag := r.Uint8("response tag")
	if err := r.Err(); err != nil {
		return nil, err
	}
	var res Response
	switch tag {
	case TagAlive2Resp:
		alive := &Alive2Result{Success: r.Uint8("result") == 0}
		copy(alive.Creation[:], r.Bytes(2, "creation"))
		res = alive

	case TagPortResp:
		port := &PortResult{Status: r.Uint8("status")}
		if port.Status == 0 {
			port.Port = r.Uint16("port")
			port.NodeType = r.Uint8("node type")
			port.Protocol = r.Uint8("protocol")
			port.HighVersion = r.Uint16("highest version")
			port.LowVersion = r.Uint16("lowest version")
			port.Name = string(r.Bytes(int(r.Uint16("name length")), "node name"))
			if extra := r.Bytes(int(r.Uint16("extra length")), "extra"); len(extra) > 0 {
				port.Extra = extra
			}
		}
		res = port

	default:
		return &UnknownResponse{Raw: append([]byte{}, data...)}, nil
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return res, nil
}

// DecodeNames parses the reply to a names query: the daemon's port followed by
// newline terminated "name <name> at port <port>" lines. A body that does not
// end in a newline is considered cut short.
//
// The body carries no length, so a reply cut right after a line terminator (or
// right after the port) is indistinguishable from a complete one and decodes
// into the nodes listed up to that point.
func DecodeNames(data []byte) (*NamesResult, error) {
	r := wire.NewReader(data)

	res := &NamesResult{Port: r.Uint32("daemon port")}
	if err := r.Err(); err != nil {
		return nil, err
	}
	text := r.Rest()
	if len(text) > 0 && text[len(text)-1] != '\n' {
		return nil, fmt.Errorf("%w: unterminated names line", wire.ErrTruncated)
	}
	scanner := bufio.NewScanner(bytes.NewReader(text))
	for scanner.Scan() {
		node, err := parseNameLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		res.Nodes = append(res.Nodes, node)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
	}
	return res, nil
}

// parseNameLine parses a single "name <name> at port <port>" entry.
func parseNameLine(line string) (NodeInfo, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 || fields[0] != "name" || fields[2] != "at" || fields[3] != "port" {
		return NodeInfo{}, fmt.Errorf("%w: names line %q", wire.ErrMalformed, line)
	}
	port, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("%w: names line %q: %v", wire.ErrMalformed, line, err)
	}
	return NodeInfo{Name: fields[1], Port: uint16(port)}, nil
}

// DumpResult is the daemon's reply to a dump request: its own port and a free
// form textual description of its tables.
type DumpResult struct {
	Port uint32
	Text string
}

// DecodeDump parses the reply to a dump request.
func DecodeDump(data []byte) (*DumpResult, error) {
	r := wire.NewReader(data)

	res := &DumpResult{Port: r.Uint32("daemon port")}
	if err := r.Err(); err != nil {
		return nil, err
	}
	res.Text = string(r.Rest())
	return res, nil
}
