package encoder

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"mq-rpc/codec"
	"mq-rpc/message"
	"mq-rpc/protocol"
	"mq-rpc/transport"
)

func collect(t *testing.T, e *PartEncoder) []*message.Part {
	t.Helper()
	var parts []*message.Part
	for p, err := range e.Parts() {
		if err != nil {
			t.Fatal(err)
		}
		parts = append(parts, p)
	}
	return parts
}

func TestZeroFileShortcut(t *testing.T) {
	e := NewRequest(nil, "rpc_queue", "echo", "corr", "reply", message.Payload{
		Params: message.Params{"x": 1},
	})

	parts := collect(t, e)
	if len(parts) != 1 {
		t.Fatalf("expect 1 part, got %d", len(parts))
	}
	p := parts[0]
	if !p.IsParams() || p.Status != message.StatusFinished {
		t.Fatalf("expect finished params part, got %s/%s", p.BatchName, p.Status)
	}
	if p.Procedure != "echo" || p.ReplyTo != "reply" || p.Kind != message.KindRequest {
		t.Fatalf("request routing not carried: %+v", p)
	}
}

func TestResponseWithTwoFiles(t *testing.T) {
	broker := transport.NewMemoryBroker()
	ch := broker.Channel()

	e := NewResponse(ch, "reply-q", "corr-7", message.Payload{
		Params: message.Params{},
		Files: message.NewFiles(
			message.File{Name: "out1", Data: []byte("AA")},
			message.File{Name: "out2", Data: []byte("BB")},
		),
	}, WithReqID("req-7"))

	if err := e.Send(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := broker.Published("reply-q")
	want := []struct {
		batch  string
		status message.Status
		body   string
	}{
		{message.ParamsBatch, message.StatusSending, "{}"},
		{"out1", message.StatusSending, "AA"},
		{"out2", message.StatusFinished, "BB"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expect %d parts, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		p, err := protocol.FromMessage(msgs[i])
		if err != nil {
			t.Fatal(err)
		}
		if p.BatchName != w.batch || p.Status != w.status || string(p.Body) != w.body {
			t.Errorf("part %d: expect %s/%s/%s, got %s/%s/%s", i, w.batch, w.status, w.body, p.BatchName, p.Status, p.Body)
		}
		if p.Seq != i {
			t.Errorf("part %d: expect seq %d, got %d", i, i, p.Seq)
		}
		if p.CorrelationID != "corr-7" || p.ReqID != "req-7" || p.Kind != message.KindResponse {
			t.Errorf("part %d: response routing not carried: %+v", i, p)
		}
	}
}

func TestChunking(t *testing.T) {
	data := []byte("0123456789")
	e := NewRequest(nil, "q", "upload", "c", "r", message.Payload{
		Files: message.NewFiles(
			message.File{Name: "big", Data: data},
			message.File{Name: "empty", Data: nil},
		),
	}, WithChunkSize(4))

	if e.Count() != 5 {
		t.Fatalf("expect 5 parts (params + 3 chunks + empty), got %d", e.Count())
	}

	parts := collect(t, e)
	var rebuilt []byte
	for _, p := range parts[1:4] {
		if p.BatchName != "big" {
			t.Fatalf("expect big chunk, got %s", p.BatchName)
		}
		rebuilt = append(rebuilt, p.Body...)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Fatalf("chunks do not rebuild file: %q", rebuilt)
	}
	last := parts[4]
	if last.BatchName != "empty" || len(last.Body) != 0 || !last.Finished() {
		t.Fatalf("expect finished empty part, got %+v", last)
	}
	for _, p := range parts[:4] {
		if p.Finished() {
			t.Fatalf("part %d must be sending", p.Seq)
		}
	}
}

func TestCompressedParts(t *testing.T) {
	zstd, err := codec.GetCompressor(codec.ZstdName)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("abc"), 500)
	e := NewRequest(nil, "q", "upload", "c", "r", message.Payload{
		Files: message.NewFiles(message.File{Name: "f", Data: data}),
	}, WithCompressor(zstd))

	parts := collect(t, e)
	if parts[0].Encoding != "" {
		t.Fatal("params part must not be compressed")
	}
	if parts[1].Encoding != codec.ZstdName || len(parts[1].Body) >= len(data) {
		t.Fatalf("expect compressed file part, got encoding %q size %d", parts[1].Encoding, len(parts[1].Body))
	}
}

func TestPartsNotRestartable(t *testing.T) {
	broker := transport.NewMemoryBroker()
	e := NewRequest(broker.Channel(), "q", "echo", "c", "r", message.Payload{})

	if err := e.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Send(context.Background()); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expect ErrConsumed on second send, got %v", err)
	}
	if n := len(broker.Published("q")); n != 1 {
		t.Fatalf("expect 1 published part, got %d", n)
	}
}

func TestBadFileName(t *testing.T) {
	broker := transport.NewMemoryBroker()
	e := NewRequest(broker.Channel(), "q", "echo", "c", "r", message.Payload{
		Files: message.NewFiles(message.File{Name: message.ParamsBatch, Data: []byte("x")}),
	})

	if err := e.Send(context.Background()); !errors.Is(err, ErrBadFileName) {
		t.Fatalf("expect ErrBadFileName, got %v", err)
	}
	if n := len(broker.Published("q")); n != 0 {
		t.Fatalf("expect nothing published, got %d", n)
	}
	if e.Sent() != 0 {
		t.Fatalf("expect Sent() == 0, got %d", e.Sent())
	}
}

func TestUnencodableParams(t *testing.T) {
	broker := transport.NewMemoryBroker()
	e := NewResponse(broker.Channel(), "reply", "c", message.Payload{
		Params: message.Params{"v": math.NaN()},
	})

	if err := e.Send(context.Background()); err == nil {
		t.Fatal("expect encode error for NaN")
	}
	if e.Sent() != 0 || len(broker.Published("reply")) != 0 {
		t.Fatalf("expect nothing published, got %d", e.Sent())
	}
}

func TestSentCountsParts(t *testing.T) {
	broker := transport.NewMemoryBroker()
	e := NewRequest(broker.Channel(), "q", "upload", "c", "r", message.Payload{
		Files: message.NewFiles(message.File{Name: "f", Data: []byte("0123456789")}),
	}, WithChunkSize(4))

	if err := e.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.Sent() != e.Count() || e.Sent() != 4 {
		t.Fatalf("expect 4 sent parts, got %d (count %d)", e.Sent(), e.Count())
	}
}

func TestErrorPart(t *testing.T) {
	e := NewError(nil, "reply", "corr", &message.RemoteError{Type: message.ErrTypeUnknownProcedure, Message: "nope"}, WithReqID("req-1"))

	parts := collect(t, e)
	if len(parts) != 1 {
		t.Fatalf("expect 1 part, got %d", len(parts))
	}
	p := parts[0]
	if p.Kind != message.KindError || !p.Finished() || !p.IsParams() || p.ReqID != "req-1" {
		t.Fatalf("unexpected error part: %+v", p)
	}
}

func TestFreshReqIDPerEncoder(t *testing.T) {
	a := NewRequest(nil, "q", "echo", "c", "r", message.Payload{})
	b := NewRequest(nil, "q", "echo", "c", "r", message.Payload{})
	if a.ReqID() == "" || a.ReqID() == b.ReqID() {
		t.Fatalf("expect distinct req ids, got %q and %q", a.ReqID(), b.ReqID())
	}
}
