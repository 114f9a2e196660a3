package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestConnRoundtrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	done := make(chan error, 1)
	go func() {
		done <- cc.Write(KindAuthHello, &AuthHello{UserID: "alice"})
	}()

	var hello AuthHello
	if err := sc.ReadKind(KindAuthHello, &hello); err != nil {
		t.Fatalf("ReadKind failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if hello.UserID != "alice" {
		t.Errorf("user id = %q, want alice", hello.UserID)
	}
}

func TestConnWrongKind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	go cc.Write(KindExit, &ExitRequest{})

	var hello AuthHello
	if err := sc.ReadKind(KindAuthHello, &hello); err == nil {
		t.Fatal("ReadKind accepted a frame of the wrong kind")
	}
}

func TestConnEmptyBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	go cc.Write(KindMyDomains, nil)

	env, err := sc.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if env.Kind != KindMyDomains {
		t.Errorf("kind = %s, want %s", env.Kind, KindMyDomains)
	}
	var req MyDomainsRequest
	if err := env.Decode(&req); err != nil {
		t.Errorf("Decode of empty body failed: %v", err)
	}
}

func TestConnLargePayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	payload := bytes.Repeat([]byte{0xC4}, 1<<20)
	go cc.Write(KindSubmit, &SubmitRequest{
		Kind:    TelemetryImage,
		Entries: []SubmitEntry{{Domain: "home", Ciphertext: payload, Params: []byte{1, 2, 3}}},
	})

	var req SubmitRequest
	if err := sc.ReadKind(KindSubmit, &req); err != nil {
		t.Fatalf("ReadKind failed: %v", err)
	}
	if len(req.Entries) != 1 || !bytes.Equal(req.Entries[0].Ciphertext, payload) {
		t.Error("large payload changed in transit")
	}
}
