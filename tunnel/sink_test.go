// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/tunnelrelay/lib/codec"
)

// receiveServerMessage takes the next signal from channel and decodes
// it as a servermsg envelope.
func receiveServerMessage(t *testing.T, channel *SignalChannel) ServerMessageParams {
	t.Helper()
	signal, ok := channel.Receive()
	if !ok {
		t.Fatal("channel closed")
	}
	if signal.Kind() != SignalSend {
		t.Fatalf("signal kind = %v, want send", signal.Kind())
	}
	envelope, err := DecodeEnvelope(signal.Payload())
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if envelope.Method != MethodServerMessage {
		t.Fatalf("method = %q, want %q", envelope.Method, MethodServerMessage)
	}
	if envelope.ID != nil {
		t.Errorf("data-plane envelope carries id %d", *envelope.ID)
	}
	params, err := DecodeParams[ServerMessageParams](envelope)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	return params
}

func TestServerMessagePlain(t *testing.T) {
	t.Parallel()

	channel := NewSignalChannel(4)
	sink := NewServerMessageSink(channel, nil, 0, nil)
	if err := sink.ServerMessage(7, []byte("hello")); err != nil {
		t.Fatalf("ServerMessage: %v", err)
	}

	params := receiveServerMessage(t, channel)
	if params.I != 7 || string(params.Body) != "hello" {
		t.Errorf("params = {%d %q}, want {7 hello}", params.I, params.Body)
	}
}

func TestServerMessageCompressedRoundTrip(t *testing.T) {
	t.Parallel()

	compressor := mustCompressor(t, 0)
	channel := NewSignalChannel(16)
	sink := NewServerMessageSink(channel, compressor, 0, nil)
	decoder := NewClientMessageDecoder(NewDecompressor(0))

	for _, length := range []int{3, 30, 300, 3000, 30000} {
		input := sequentialBytes(length)
		if err := sink.ServerMessage(BridgeID(length), input); err != nil {
			t.Fatalf("ServerMessage(%d bytes): %v", length, err)
		}
		params := receiveServerMessage(t, channel)
		if params.I != BridgeID(length) {
			t.Errorf("bridge id = %d, want %d", params.I, length)
		}
		if bytes.Equal(params.Body, input) {
			t.Errorf("%d bytes: body was not compressed", length)
		}
		decoded, err := decoder.Decode(params.Body)
		if err != nil {
			t.Fatalf("Decode(%d bytes): %v", length, err)
		}
		if !bytes.Equal(decoded, input) {
			t.Fatalf("%d bytes: decoded body differs", length)
		}
	}
}

func TestServerMessageContextPersistence(t *testing.T) {
	t.Parallel()

	message := []byte(strings.Repeat("terminal output: build succeeded\n", 60))
	envelopeSize := func(sink *ServerMessageSink, channel *SignalChannel) int {
		if err := sink.ServerMessage(1, message); err != nil {
			t.Fatalf("ServerMessage: %v", err)
		}
		signal, _ := channel.Receive()
		return len(signal.Payload())
	}

	sharedChannel := NewSignalChannel(2)
	shared := NewServerMessageSink(sharedChannel, mustCompressor(t, 0), 0, nil)
	sharedTotal := envelopeSize(shared, sharedChannel) + envelopeSize(shared, sharedChannel)

	freshTotal := 0
	for range 2 {
		channel := NewSignalChannel(1)
		freshTotal += envelopeSize(NewServerMessageSink(channel, mustCompressor(t, 0), 0, nil), channel)
	}

	if sharedTotal >= freshTotal {
		t.Errorf("one sink sent %d bytes, fresh sinks %d; want one sink smaller", sharedTotal, freshTotal)
	}
}

func TestServerMessageAfterConsumerGone(t *testing.T) {
	t.Parallel()

	channel := NewSignalChannel(1)
	sink := NewServerMessageSink(channel, mustCompressor(t, 0), 0, nil)
	channel.CloseConsumer()

	if err := sink.ServerMessage(1, []byte("late")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("ServerMessage error = %v, want ErrChannelClosed", err)
	}
	if err := sink.ClosedServerBridge(1); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("ClosedServerBridge error = %v, want ErrChannelClosed", err)
	}
}

func TestServerMessageTooLarge(t *testing.T) {
	t.Parallel()

	channel := NewSignalChannel(1)
	sink := NewServerMessageSink(channel, mustCompressor(t, 4096), 0, nil)
	err := sink.ServerMessage(3, randomBytes(10000, 9))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("error = %v, want ErrMessageTooLarge", err)
	}
	if !strings.Contains(err.Error(), "bridge 3") {
		t.Errorf("error %q does not name the bridge", err)
	}
}

func TestServerMessageCompressionFailureIsPermanent(t *testing.T) {
	t.Parallel()

	channel := NewSignalChannel(4)
	sink := NewServerMessageSink(channel, mustCompressor(t, 8192), 0, nil)
	if err := sink.ServerMessage(1, randomBytes(9000, 5)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("error = %v, want ErrMessageTooLarge", err)
	}
	err := sink.ServerMessage(2, []byte("hello"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("later message error = %v, want the latched failure", err)
	}
	if !strings.Contains(err.Error(), "bridge 2") {
		t.Errorf("error %q does not name the bridge", err)
	}
	if queued := len(channel.Signals()); queued != 0 {
		t.Errorf("%d signals queued after compression failed, want 0", queued)
	}
}

func TestServerMessagePlainEnvelopeLimit(t *testing.T) {
	t.Parallel()

	channel := NewSignalChannel(4)
	sink := NewServerMessageSink(channel, nil, 4096, nil)
	err := sink.ServerMessage(4, make([]byte, 4096))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("error = %v, want ErrMessageTooLarge", err)
	}
	if !strings.Contains(err.Error(), "bridge 4") {
		t.Errorf("error %q does not name the bridge", err)
	}

	// An uncompressed connection has no shared state to lose, so other
	// chunks still go through.
	body := make([]byte, MaxChunkSize(4096))
	if err := sink.ServerMessage(5, body); err != nil {
		t.Fatalf("ServerMessage at chunk limit: %v", err)
	}
	params := receiveServerMessage(t, channel)
	if params.I != 5 || len(params.Body) != len(body) {
		t.Errorf("params = {%d, %d bytes}, want {5, %d bytes}", params.I, len(params.Body), len(body))
	}
}

func TestMaxEnvelopeOverhead(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 23, 255, 65535, 65536} {
		payload, err := codec.Marshal(NewEvent(MethodServerMessage, ServerMessageParams{I: 65535, Body: make([]byte, size)}))
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if overhead := len(payload) - size; overhead > MaxEnvelopeOverhead {
			t.Errorf("body of %d bytes: envelope adds %d, more than %d", size, overhead, MaxEnvelopeOverhead)
		}
	}
}

func TestFromMessageIsUncompressed(t *testing.T) {
	t.Parallel()

	type pingParams struct {
		Nonce string `cbor:"nonce"`
	}
	id := uint32(9)
	channel := NewSignalChannel(1)
	sink := NewServerMessageSink(channel, mustCompressor(t, 0), 0, nil)

	if err := sink.SendMessage(Request[pingParams]{ID: &id, Method: "ping", Params: pingParams{Nonce: "abc"}}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	signal, _ := channel.Receive()
	envelope, err := DecodeEnvelope(signal.Payload())
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if envelope.Method != "ping" || envelope.ID == nil || *envelope.ID != 9 {
		t.Errorf("envelope = %q id %v", envelope.Method, envelope.ID)
	}
	params, err := DecodeParams[pingParams](envelope)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if params.Nonce != "abc" {
		t.Errorf("nonce = %q", params.Nonce)
	}

	if _, err := sink.FromMessage(make(chan int)); err == nil {
		t.Error("FromMessage accepted an unencodable value")
	}
}

func TestClosedServerBridgeEnqueuesSignal(t *testing.T) {
	t.Parallel()

	channel := NewSignalChannel(1)
	sink := NewServerMessageSink(channel, nil, 0, nil)
	if err := sink.ClosedServerBridge(12); err != nil {
		t.Fatalf("ClosedServerBridge: %v", err)
	}
	signal, _ := channel.Receive()
	if signal.Kind() != SignalCloseServerBridge || signal.Bridge() != 12 {
		t.Errorf("signal = %v bridge %d", signal.Kind(), signal.Bridge())
	}
}

func TestDecoderPlainIdentity(t *testing.T) {
	// Not parallel: testing.AllocsPerRun panics in parallel tests.

	decoder := NewClientMessageDecoder(nil)
	raw := []byte("uncompressed bridge data")

	decoded, err := decoder.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if &decoded[0] != &raw[0] || len(decoded) != len(raw) {
		t.Error("plain Decode did not return its input")
	}

	allocations := testing.AllocsPerRun(100, func() {
		decoder.Decode(raw)
	})
	if allocations != 0 {
		t.Errorf("plain Decode allocated %.1f times per call", allocations)
	}
}

func TestDecoderRejectsCorruptBody(t *testing.T) {
	t.Parallel()

	decoder := NewClientMessageDecoder(NewDecompressor(0))
	_, err := decoder.Decode([]byte{0xff, 0xff, 0x00, 0x00, 0xff, 0xff})
	if !IsTransformError(err) {
		t.Errorf("error = %v, want *TransformError", err)
	}
}

func TestEnvelopeShape(t *testing.T) {
	t.Parallel()

	payload, err := codec.Marshal(NewEvent(MethodServerMessage, ServerMessageParams{I: 5, Body: []byte{0x01, 0x02}}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := codec.Diagnose(payload)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	for _, want := range []string{`"method": "servermsg"`, `"i": 5`, `"body": h'0102'`} {
		if !strings.Contains(diagnostic, want) {
			t.Errorf("diagnostic %s missing %s", diagnostic, want)
		}
	}
	if strings.Contains(diagnostic, `"id"`) {
		t.Errorf("one-way envelope carries an id: %s", diagnostic)
	}

	if _, err := DecodeEnvelope([]byte{0xa0}); err == nil {
		t.Error("DecodeEnvelope accepted an envelope without a method")
	}
}

func TestParseCompressionMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    CompressionMode
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"deflate", CompressionDeflate, false},
		{"DEFLATE", CompressionDeflate, false},
		{"zstd", 0, true},
	}
	for _, test := range tests {
		got, err := ParseCompressionMode(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseCompressionMode(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseCompressionMode(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}
