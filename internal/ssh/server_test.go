package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/baker/api/v1alpha1"
)

// testServer is an in-process SSH server that records exec requests and
// serves sftp rooted at a temp directory.
type testServer struct {
	mu       sync.Mutex
	commands []string
	exitCode map[string]int
	home     string
}

func (s *testServer) setExit(command string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode[command] = code
}

func (s *testServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func startTestServer(t *testing.T) (*testServer, v1alpha1.SSHConfig) {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), "id")
	authLine, err := EnsureIdentity(keyPath, "test")
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}
	allowed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authLine))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey() error = %v", err)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	serverCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), allowed.Marshal()) {
				return nil, nil
			}
			return nil, ssh.ErrNoAuth
		},
	}
	serverCfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &testServer{exitCode: map[string]int{}, home: t.TempDir()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn, serverCfg)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return srv, v1alpha1.SSHConfig{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		User:           "baker",
		PrivateKeyPath: keyPath,
	}
}

func (s *testServer) handle(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *testServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			code := s.exitCode[payload.Command]
			s.mu.Unlock()

			_, _ = ch.Write([]byte("ran: " + payload.Command))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			return
		case "subsystem":
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.home))
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}
