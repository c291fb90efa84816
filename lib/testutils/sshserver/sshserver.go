// Package sshserver is intended only for use in tests, do not import in production code!
package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// DefaultUser and DefaultPassword authenticate against a freshly started
// server.
const (
	DefaultUser     = "testuser"
	DefaultPassword = "testpass"
)

// ExecHandler produces the outcome of one exec request.
type ExecHandler func(cmd string) (stdout, stderr string, exitCode int)

// Server is an in-process SSH server backed by a real TCP listener. It
// supports password and public key auth, exec sessions, direct-tcpip
// channels (dialed from this process) and tcpip-forward requests.
type Server struct {
	t testing.TB

	Addr string
	Host string
	Port int

	User     string
	Password string

	// ClientSigner's public key is authorized for public key auth.
	ClientSigner ssh.Signer
	// ClientKeyPEM is the unencrypted PEM encoding of ClientSigner's key.
	ClientKeyPEM []byte

	ln net.Listener

	mu              sync.Mutex
	execHandler     ExecHandler
	denyDirectTCPIP bool
	replyKeepalive  bool
	conns           []*ssh.ServerConn
	closed          bool
}

// New starts a server on 127.0.0.1 and registers its shutdown with
// t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		t:              t,
		User:           DefaultUser,
		Password:       DefaultPassword,
		replyKeepalive: true,
		execHandler: func(string) (string, string, int) {
			return "", "", 0
		},
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s.ClientSigner, err = ssh.NewSignerFromKey(clientPriv)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	s.ClientKeyPEM = pem.EncodeToMemory(block)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == s.User && string(pass) == s.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			authorized := s.ClientSigner.PublicKey()
			if meta.User() == s.User && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("public key rejected for %s", meta.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	s.ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.Addr = s.ln.Addr().String()
	tcp := s.ln.Addr().(*net.TCPAddr)
	s.Host, s.Port = "127.0.0.1", tcp.Port

	go s.acceptLoop(cfg)
	t.Cleanup(s.Close)

	return s
}

// SetExecHandler replaces the handler answering exec requests.
func (s *Server) SetExecHandler(h ExecHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execHandler = h
}

// SetDenyDirectTCPIP makes the server reject direct-tcpip channel opens.
func (s *Server) SetDenyDirectTCPIP(deny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyDirectTCPIP = deny
}

// SetReplyKeepalive controls whether keepalive requests get a reply. With
// replies disabled a client counts misses until it declares the transport
// lost.
func (s *Server) SetReplyKeepalive(reply bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyKeepalive = reply
}

// Close shuts the listener and every accepted connection down.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	_ = s.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) acceptLoop(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = serverConn.Close()
		return
	}
	s.conns = append(s.conns, serverConn)
	s.mu.Unlock()

	go s.handleGlobalRequests(reqs)
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(newChan)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		default:
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *Server) handleGlobalRequests(reqs <-chan *ssh.Request) {
	nextForwardPort := uint32(42000)
	for req := range reqs {
		switch req.Type {
		case "keepalive@openssh.com":
			s.mu.Lock()
			reply := s.replyKeepalive
			s.mu.Unlock()
			if reply && req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "tcpip-forward":
			var payload struct {
				Addr string
				Port uint32
			}
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			port := payload.Port
			if port == 0 {
				nextForwardPort++
				port = nextForwardPort
			}
			_ = req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
		case "cancel-tcpip-forward":
			_ = req.Reply(true, nil)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	channel, reqs, err := newChan.Accept()
	if err != nil {
		return
	}

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			s.mu.Lock()
			handler := s.execHandler
			s.mu.Unlock()

			stdout, stderr, code := handler(payload.Command)
			if stdout != "" {
				_, _ = io.WriteString(channel, stdout)
			}
			if stderr != "" {
				_, _ = io.WriteString(channel.Stderr(), stderr)
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			_ = channel.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) handleDirectTCPIP(newChan ssh.NewChannel) {
	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}

	s.mu.Lock()
	deny := s.denyDirectTCPIP
	s.mu.Unlock()
	if deny {
		_ = newChan.Reject(ssh.Prohibited, "direct-tcpip disabled")
		return
	}

	dest := net.JoinHostPort(payload.DestAddr, fmt.Sprintf("%d", payload.DestPort))
	dst, err := net.Dial("tcp", dest)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(dst, channel)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(channel, dst)
		done <- struct{}{}
	}()
	<-done
	_ = channel.Close()
	_ = dst.Close()
}
