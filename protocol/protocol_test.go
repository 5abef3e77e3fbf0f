package protocol

import (
	"errors"
	"testing"

	"mq-rpc/message"
	"mq-rpc/transport"
)

func TestToMessageFromMessage(t *testing.T) {
	part := &message.Part{
		CorrelationID: "corr-1",
		ReqID:         "req-1",
		BatchName:     "a.txt",
		Status:        message.StatusFinished,
		Seq:           1,
		Kind:          message.KindRequest,
		Procedure:     "store_file",
		ReplyTo:       "amq.gen-reply",
		Encoding:      "zstd",
		Body:          []byte("hello"),
	}

	msg := ToMessage(part)
	if msg.CorrelationID != "corr-1" || msg.ReplyTo != "amq.gen-reply" {
		t.Fatalf("properties not mapped: %+v", msg)
	}
	if msg.Headers[HeaderSeq] != "1" {
		t.Fatalf("expect seq header 1, got %q", msg.Headers[HeaderSeq])
	}

	got, err := FromMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReqID != part.ReqID || got.BatchName != part.BatchName || got.Status != part.Status ||
		got.Seq != part.Seq || got.Kind != part.Kind || got.Procedure != part.Procedure ||
		got.Encoding != part.Encoding || string(got.Body) != "hello" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestOptionalHeadersOmitted(t *testing.T) {
	msg := ToMessage(&message.Part{
		ReqID:     "r",
		BatchName: message.ParamsBatch,
		Status:    message.StatusFinished,
		Kind:      message.KindResponse,
	})
	if _, ok := msg.Headers[HeaderProcedure]; ok {
		t.Fatal("expect no procedure header on responses")
	}
	if _, ok := msg.Headers[HeaderEncoding]; ok {
		t.Fatal("expect no encoding header when uncompressed")
	}
}

func TestFromMessageValidation(t *testing.T) {
	valid := func() map[string]string {
		return map[string]string{
			HeaderReqID:     "r",
			HeaderBatchName: message.ParamsBatch,
			HeaderStatus:    string(message.StatusFinished),
			HeaderKind:      string(message.KindResponse),
		}
	}

	cases := []struct {
		name   string
		mutate func(h map[string]string)
	}{
		{"missing req_id", func(h map[string]string) { delete(h, HeaderReqID) }},
		{"missing batch", func(h map[string]string) { delete(h, HeaderBatchName) }},
		{"bad status", func(h map[string]string) { h[HeaderStatus] = "done" }},
		{"bad seq", func(h map[string]string) { h[HeaderSeq] = "-1" }},
		{"bad kind", func(h map[string]string) { h[HeaderKind] = "notify" }},
		{"request without procedure", func(h map[string]string) { h[HeaderKind] = string(message.KindRequest) }},
		{"error on file batch", func(h map[string]string) {
			h[HeaderKind] = string(message.KindError)
			h[HeaderBatchName] = "a.txt"
		}},
	}

	for _, tc := range cases {
		h := valid()
		tc.mutate(h)
		_, err := FromMessage(transport.Message{Headers: h})
		if !errors.Is(err, ErrInvalidPart) {
			t.Errorf("%s: expect ErrInvalidPart, got %v", tc.name, err)
		}
	}

	if _, err := FromMessage(transport.Message{Headers: valid()}); err != nil {
		t.Fatalf("expect valid message to parse, got %v", err)
	}
}

func TestFromMessageInfersKind(t *testing.T) {
	h := map[string]string{
		HeaderReqID:     "r",
		HeaderBatchName: message.ParamsBatch,
		HeaderStatus:    string(message.StatusFinished),
		HeaderProcedure: "echo",
	}
	p, err := FromMessage(transport.Message{Headers: h})
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != message.KindRequest {
		t.Fatalf("expect request kind, got %s", p.Kind)
	}
}
