package imap

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/dhcgn/remailer/folder"
)

func startServer(t *testing.T) Options {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser("user", "secret")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create INBOX: %v", err)
	}
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:         imapv2.CapSet{imapv2.CapIMAP4rev1: {}, imapv2.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	portNum, _ := strconv.Atoi(port)
	return Options{
		Host:     host,
		Port:     portNum,
		Username: "user",
		Password: "secret",
		Security: SecurityNone,
	}
}

func TestSession_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Dial(ctx, startServer(t), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 2; i++ {
		if err := s.EnsureFolder(ctx, "Original"); err != nil {
			t.Fatalf("EnsureFolder() pass %d error = %v", i, err)
		}
	}
	if err := s.CheckFolder(ctx, "Original"); err != nil {
		t.Errorf("CheckFolder(Original) error = %v", err)
	}
	if err := s.CheckFolder(ctx, "Missing"); err == nil {
		t.Error("CheckFolder(Missing) should fail")
	}

	raw := []byte("From: a@example.net\r\nSubject: hi\r\n\r\nbody ${remail-to:x@example.com}\r\n")
	if err := s.Append(ctx, "INBOX", raw); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	refs, err := s.ListMessageIDs(ctx, "INBOX")
	if err != nil {
		t.Fatalf("ListMessageIDs() error = %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("ListMessageIDs() = %v, want one message", refs)
	}

	got, err := s.FetchRaw(ctx, refs[0])
	if err != nil {
		t.Fatalf("FetchRaw() error = %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("FetchRaw() = %q, want %q", got, raw)
	}

	if err := folder.New(s, nil).MoveMessage(ctx, refs[0], "Original"); err != nil {
		t.Fatalf("MoveMessage() error = %v", err)
	}
	if err := s.Reclaim(ctx); err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}

	if refs, err := s.ListMessageIDs(ctx, "INBOX"); err != nil || len(refs) != 0 {
		t.Errorf("INBOX after move = %v, %v", refs, err)
	}
	if refs, err := s.ListMessageIDs(ctx, "Original"); err != nil || len(refs) != 1 {
		t.Errorf("Original after move = %v, %v", refs, err)
	}
}

func TestDial_Validation(t *testing.T) {
	if _, err := Dial(context.Background(), Options{Port: 993}, nil); err == nil {
		t.Error("empty host should fail")
	}
	if _, err := Dial(context.Background(), Options{Host: "localhost"}, nil); err == nil {
		t.Error("zero port should fail")
	}
	if _, err := Dial(context.Background(), Options{Host: "localhost", Port: 1, Security: "smoke"}, nil); err == nil {
		t.Error("unknown security should fail")
	}
}
