package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/transport/v3/dpipe"
)

func TestRelayFrame_RoundTrip(t *testing.T) {
	frame := &RelayFrame{
		Encapsulation: []byte{0x16, 0xFE, 0xFD, 0x00},
		JoinerUdpPort: 1000,
		JoinerIid:     [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		RouterLocator: 0x0400,
		Kek:           bytes.Repeat([]byte{0xAB}, KekLength),
	}

	payload, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := ParseRelayFrame(payload)
	if err != nil {
		t.Fatalf("ParseRelayFrame: %v", err)
	}
	if !bytes.Equal(parsed.Encapsulation, frame.Encapsulation) {
		t.Error("encapsulation mismatch")
	}
	if parsed.JoinerIid != frame.JoinerIid {
		t.Error("joiner IID mismatch")
	}
	if parsed.JoinerUdpPort != 1000 || parsed.RouterLocator != 0x0400 {
		t.Error("port/locator mismatch")
	}
	if !bytes.Equal(parsed.Kek, frame.Kek) {
		t.Error("KEK mismatch")
	}
}

func TestParseRelayFrame_MissingIid(t *testing.T) {
	// A bare DTLS-encapsulation TLV without a joiner IID is unroutable.
	if _, err := ParseRelayFrame([]byte{17, 1, 0xAA}); !errors.Is(err, ErrInvalidRelayFrame) {
		t.Errorf("expected ErrInvalidRelayFrame without IID, got %v", err)
	}
}

func TestRelayConn_WriteWrapsFrame(t *testing.T) {
	var sent []*RelayFrame
	conn := NewRelayConn([8]byte{9, 9, 9, 9, 9, 9, 9, 9}, 1000, 0x0400,
		func(f *RelayFrame) error { sent = append(sent, f); return nil })

	record := []byte{0x16, 0x01, 0x02}
	n, err := conn.Write(record)
	if err != nil || n != len(record) {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(sent))
	}
	if !bytes.Equal(sent[0].Encapsulation, record) {
		t.Error("record not wrapped")
	}
	if sent[0].RouterLocator != 0x0400 || sent[0].JoinerUdpPort != 1000 {
		t.Error("addressing TLVs not carried")
	}

	conn.Close()
	if _, err := conn.Write(record); !errors.Is(err, ErrClosed) {
		t.Errorf("write on closed conn: %v", err)
	}
}

func TestRelayConn_ReadDeadline(t *testing.T) {
	conn := NewRelayConn([8]byte{}, 0, 0, func(*RelayFrame) error { return nil })
	conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))

	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected timeout net.Error, got %v", err)
	}

	// A record pushed after clearing the deadline is delivered.
	conn.SetReadDeadline(time.Time{})
	conn.PushRecord([]byte{0xAA, 0xBB})
	n, err := conn.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
}

// TestJoinerHandshakeOverPipe runs a real DTLS-PSK handshake across an
// in-memory datagram pipe, the way a joiner session runs across relay
// encapsulation, and checks both ends export the same KEK.
func TestJoinerHandshakeOverPipe(t *testing.T) {
	ca, cb := dpipe.Pipe()
	pskd := []byte("J01NME")

	type result struct {
		conn *dtls.Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		conn, err := ServeJoiner(context.Background(), ca, &JoinerSecurity{
			PSKd:             pskd,
			HandshakeTimeout: 10 * time.Second,
		})
		serverCh <- result{conn, err}
	}()

	client, err := DialJoiner(context.Background(), cb, &JoinerSecurity{
		PSKd:             pskd,
		HandshakeTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("DialJoiner: %v", err)
	}
	defer client.Close()

	srv := <-serverCh
	if srv.err != nil {
		t.Fatalf("ServeJoiner: %v", srv.err)
	}
	defer srv.conn.Close()

	// Application data flows.
	if _, err := client.Write([]byte("JOIN_FIN.req")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 64)
	srv.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := srv.conn.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf[:n]) != "JOIN_FIN.req" {
		t.Fatalf("server read %q", buf[:n])
	}

	// Both ends derive the same KEK.
	serverKek, err := ExportKek(srv.conn)
	if err != nil {
		t.Fatalf("server ExportKek: %v", err)
	}
	clientKek, err := ExportKek(client)
	if err != nil {
		t.Fatalf("client ExportKek: %v", err)
	}
	if !bytes.Equal(serverKek, clientKek) {
		t.Error("KEK mismatch between client and server")
	}
	if len(serverKek) != KekLength {
		t.Errorf("KEK length = %d, expected %d", len(serverKek), KekLength)
	}
}
