// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package epmd

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/coronanet/go-erldist/wire"
)

// Tests that every request tag is a unique byte value.
func TestTagUniqueness(t *testing.T) {
	tags := []byte{
		TagAlive2Req,
		TagAlive2Resp,
		TagPortPleaseReq,
		TagPortResp,
		TagNamesReq,
		TagDumpReq,
		TagKillReq,
		TagStopReq,
	}
	counts := map[byte]int{}
	for _, tag := range tags {
		counts[tag]++
	}
	for tag, count := range counts {
		if count > 1 {
			t.Errorf("tag value %d is used %d times", tag, count)
		}
	}
}

// Tests that requests are encoded into their exact byte layouts.
func TestRequestEncoding(t *testing.T) {
	tests := []struct {
		req  Request
		want []byte
	}{
		{
			req: NewAlive2Request(NodeInfo{Name: "bit", Port: 7171}),
			want: []byte{
				0, 16, // frame length
				120,        // tag
				0x1c, 0x03, // port
				77,   // node type
				0,    // protocol
				0, 5, // highest version
				0, 5, // lowest version
				0, 3, 'b', 'i', 't', // name
				0, 0, // extra
			},
		},
		{req: new(NamesRequest), want: []byte{0, 1, 110}},
		{req: &PortPleaseRequest{Name: "bit"}, want: []byte{0, 4, 122, 'b', 'i', 't'}},
		{req: new(KillRequest), want: []byte{0, 1, 107}},
		{req: new(DumpRequest), want: []byte{0, 1, 100}},
		{req: &StopRequest{Name: "kit"}, want: []byte{0, 4, 115, 'k', 'i', 't'}},
	}
	for i, tt := range tests {
		have, err := EncodeRequest(tt.req)
		if err != nil {
			t.Fatalf("test %d: failed to encode request: %v", i, err)
		}
		if !bytes.Equal(have, tt.want) {
			t.Errorf("test %d: encoding mismatch: have %v, want %v", i, have, tt.want)
		}
	}
}

// validRequests is a collection of requests spanning every variant.
var validRequests = []Request{
	NewAlive2Request(NodeInfo{Name: "bit", Port: 7171}),
	&Alive2Request{Port: 65535, NodeType: 72, Protocol: 0, HighVersion: 6, LowVersion: 5, Name: "hidden", Extra: []byte{1, 2, 3}},
	&Alive2Request{Name: strings.Repeat("x", 255)},
	new(NamesRequest),
	&PortPleaseRequest{Name: "bit"},
	new(KillRequest),
	new(DumpRequest),
	&StopRequest{Name: "bit"},
}

// validResponses is a collection of responses spanning every tagged variant.
var validResponses = []Response{
	&Alive2Result{Success: true, Creation: [2]byte{0, 1}},
	&Alive2Result{Success: false, Creation: [2]byte{0xff, 0xfe}},
	&PortResult{Port: 7171, NodeType: 77, HighVersion: 5, LowVersion: 5, Name: "bit"},
	&PortResult{Port: 1, NodeType: 72, Protocol: 0, HighVersion: 6, LowVersion: 5, Name: "kit", Extra: []byte("meta")},
	&PortResult{Status: 1},
	&UnknownResponse{Raw: []byte{42, 1, 2, 3}},
}

// Tests that requests survive an encode-decode round.
func TestRequestRoundtrip(t *testing.T) {
	for i, req := range validRequests {
		blob, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("request %d: failed to encode: %v", i, err)
		}
		dec, err := DecodeRequest(blob)
		if err != nil {
			t.Fatalf("request %d: failed to decode: %v", i, err)
		}
		if !reflect.DeepEqual(dec, req) {
			t.Errorf("request %d: roundtrip mismatch: have %+v, want %+v", i, dec, req)
		}
	}
}

// Tests that responses survive an encode-decode round.
func TestResponseRoundtrip(t *testing.T) {
	for i, res := range validResponses {
		blob, err := EncodeResponse(res)
		if err != nil {
			t.Fatalf("response %d: failed to encode: %v", i, err)
		}
		dec, err := DecodeResponse(blob)
		if err != nil {
			t.Fatalf("response %d: failed to decode: %v", i, err)
		}
		if !reflect.DeepEqual(dec, res) {
			t.Errorf("response %d: roundtrip mismatch: have %+v, want %+v", i, dec, res)
		}
	}
	names := &NamesResult{Port: 4369, Nodes: []NodeInfo{{"bit", 7171}, {"kit", 1}}}
	blob, _ := EncodeResponse(names)
	dec, err := DecodeNames(blob)
	if err != nil {
		t.Fatalf("Failed to decode names: %v", err)
	}
	if !reflect.DeepEqual(dec, names) {
		t.Errorf("names roundtrip mismatch: have %+v, want %+v", dec, names)
	}
}

// Tests that feeding any proper prefix of a valid message to the decoders
// results in a truncation error instead of a crash or a bogus success.
func TestTruncation(t *testing.T) {
	for i, req := range validRequests {
		blob, _ := EncodeRequest(req)
		for n := 0; n < len(blob); n++ {
			if _, err := DecodeRequest(blob[:n]); !errors.Is(err, wire.ErrTruncated) {
				t.Errorf("request %d, prefix %d: error mismatch: have %v, want %v", i, n, err, wire.ErrTruncated)
			}
		}
	}
	for i, res := range validResponses[:5] {
		blob, _ := EncodeResponse(res)
		for n := 0; n < len(blob); n++ {
			if _, err := DecodeResponse(blob[:n]); !errors.Is(err, wire.ErrTruncated) {
				t.Errorf("response %d, prefix %d: error mismatch: have %v, want %v", i, n, err, wire.ErrTruncated)
			}
		}
	}
	// A names reply cut exactly after the port is a valid empty listing, every
	// other prefix must be refused.
	blob, _ := EncodeResponse(&NamesResult{Port: 6969, Nodes: []NodeInfo{{"bit", 7171}}})
	for n := 0; n < len(blob); n++ {
		if n == 4 {
			continue
		}
		if _, err := DecodeNames(blob[:n]); !errors.Is(err, wire.ErrTruncated) {
			t.Errorf("names prefix %d: error mismatch: have %v, want %v", n, err, wire.ErrTruncated)
		}
	}
}

// Tests that a names reply cut between two lines decodes into the leading nodes,
// while a cut within a line is refused.
func TestDecodeNamesLineBoundary(t *testing.T) {
	blob, _ := EncodeResponse(&NamesResult{Port: 6969, Nodes: []NodeInfo{{"bit", 7171}, {"bat", 7172}, {"bot", 7173}}})

	for n, want := 4, 0; n <= len(blob); n++ {
		res, err := DecodeNames(blob[:n])
		if n == 4 || blob[n-1] == '\n' {
			if err != nil {
				t.Fatalf("prefix %d: failed to decode: %v", n, err)
			}
			if len(res.Nodes) != want {
				t.Errorf("prefix %d: node count mismatch: have %d, want %d", n, len(res.Nodes), want)
			}
			want++
			continue
		}
		if !errors.Is(err, wire.ErrTruncated) {
			t.Errorf("prefix %d: error mismatch: have %v, want %v", n, err, wire.ErrTruncated)
		}
	}
}

// Tests that the names reply of the daemon is parsed into node infos.
func TestDecodeNames(t *testing.T) {
	body := append([]byte{0x00, 0x00, 0x1b, 0x39}, "name bit at port 7171\n"...)

	res, err := DecodeNames(body)
	if err != nil {
		t.Fatalf("Failed to decode names: %v", err)
	}
	if want := []NodeInfo{{Name: "bit", Port: 7171}}; !reflect.DeepEqual(res.Nodes, want) {
		t.Errorf("nodes mismatch: have %v, want %v", res.Nodes, want)
	}
	if res.Port != 0x1b39 {
		t.Errorf("daemon port mismatch: have %d, want %d", res.Port, 0x1b39)
	}
	if _, err := DecodeNames(append([]byte{0, 0, 0, 0}, "bogus line\n"...)); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("bogus line: error mismatch: have %v, want %v", err, wire.ErrMalformed)
	}
	if _, err := DecodeNames(append([]byte{0, 0, 0, 0}, "name bit at port 70000\n"...)); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("port overflow: error mismatch: have %v, want %v", err, wire.ErrMalformed)
	}
}

// Tests that unknown tags are refused in requests but degrade gracefully in
// responses.
func TestUnknownTags(t *testing.T) {
	if _, err := DecodeRequest([]byte{0, 1, 42}); !errors.Is(err, wire.ErrUnexpectedTag) {
		t.Errorf("request error mismatch: have %v, want %v", err, wire.ErrUnexpectedTag)
	}
	res, err := DecodeResponse([]byte{42, 0})
	if err != nil {
		t.Fatalf("Failed to decode unknown response: %v", err)
	}
	if unknown, ok := res.(*UnknownResponse); !ok || !bytes.Equal(unknown.Raw, []byte{42, 0}) {
		t.Errorf("unknown response mismatch: have %+v", res)
	}
	if _, err := DecodeResponse([]byte{TagAlive2Resp, 0, 0, 1, 9}); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("trailing bytes: error mismatch: have %v, want %v", err, wire.ErrMalformed)
	}
	if _, err := DecodeRequest([]byte{0, 2, TagNamesReq, 0}); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("trailing request bytes: error mismatch: have %v, want %v", err, wire.ErrMalformed)
	}
}

// Tests that variable length fields exceeding their length prefix are refused.
func TestFieldTooLong(t *testing.T) {
	req := NewAlive2Request(NodeInfo{Name: strings.Repeat("x", 1<<16), Port: 1})
	if _, err := EncodeRequest(req); !errors.Is(err, wire.ErrFieldTooLong) {
		t.Errorf("name error mismatch: have %v, want %v", err, wire.ErrFieldTooLong)
	}
	req = NewAlive2Request(NodeInfo{Name: "bit", Port: 1})
	req.Extra = make([]byte, 1<<16)
	if _, err := EncodeRequest(req); !errors.Is(err, wire.ErrFieldTooLong) {
		t.Errorf("extra error mismatch: have %v, want %v", err, wire.ErrFieldTooLong)
	}
}
