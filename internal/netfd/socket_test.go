//go:build linux || darwin || freebsd

package netfd

import (
	"net"
	"testing"
	"time"

	"github.com/danmuck/framesrv/internal/testutil/testlog"
)

func TestListenAcceptReadWrite(t *testing.T) {
	testlog.Start(t)
	lfd, addr, err := Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer Close(lfd)

	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.Port == 0 {
		t.Fatalf("unexpected bound addr: %v", addr)
	}

	if _, _, err := Accept(lfd); !IsWouldBlock(err) {
		t.Fatalf("expected would-block accept on empty backlog, got %v", err)
	}

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var fd int
	deadline := time.Now().Add(2 * time.Second)
	for {
		fd, _, err = Accept(lfd)
		if err == nil {
			break
		}
		if !IsWouldBlock(err) || time.Now().After(deadline) {
			t.Fatalf("accept: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer Close(fd)

	buf := make([]byte, 16)
	if _, err := Read(fd, buf); !IsWouldBlock(err) {
		t.Fatalf("expected would-block read, got %v", err)
	}

	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	var n int
	for {
		n, err = Read(fd, buf)
		if err == nil {
			break
		}
		if !IsWouldBlock(err) || time.Now().After(deadline) {
			t.Fatalf("read: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("unexpected read %q", buf[:n])
	}

	if _, err := Write(fd, []byte("yo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 2)
	if _, err := client.Read(got); err != nil || string(got) != "yo" {
		t.Fatalf("client read %q err=%v", got, err)
	}

	client.Close()
	for {
		n, err = Read(fd, buf)
		if err == nil && n == 0 {
			break
		}
		if err != nil && !IsWouldBlock(err) {
			t.Fatalf("expected EOF, got %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("no EOF before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	testlog.Start(t)
	if _, _, err := Listen("not-an-addr", 0); err == nil {
		t.Fatalf("expected resolve error")
	}
}
