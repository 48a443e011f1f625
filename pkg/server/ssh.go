package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshFingerprintExt = "pubkey_fp"

// newSSHConfig builds the SSH server config. Any public key is accepted;
// its fingerprint is kept on the session for logs.
func (s *Server) newSSHConfig() (*ssh.ServerConfig, error) {
	hostKey, err := loadOrGenerateHostKey(s.cfg.SSHHostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{
				Extensions: map[string]string{sshFingerprintExt: ssh.FingerprintSHA256(key)},
			}, nil
		},
		ServerVersion: "SSH-2.0-TrickLobby",
	}
	config.AddHostKey(hostKey)
	return config, nil
}

// handleSSH runs the SSH handshake and serves the first "session" channel
// as a lobby connection. The handshake must finish within HandshakeTimeout.
func (s *Server) handleSSH(nc net.Conn) {
	_ = nc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.sshConfig)
	if err != nil {
		logger.WithError(err).WithField("remote", nc.RemoteAddr().String()).Debug("ssh handshake failed")
		_ = nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	fingerprint := ""
	if sshConn.Permissions != nil {
		fingerprint = sshConn.Permissions.Extensions[sshFingerprintExt]
	}

	// Connections that never open a session channel are dropped.
	var served atomic.Bool
	idle := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		if !served.Load() {
			_ = sshConn.Close()
		}
	})
	defer idle.Stop()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		if served.Load() {
			_ = newChannel.Reject(ssh.ResourceShortage, "one session per connection")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.WithError(err).WithField("remote", sshConn.RemoteAddr().String()).Warn("could not accept ssh channel")
			continue
		}
		served.Store(true)

		go handleSSHChannelRequests(requests)
		go s.serveStream(&sshStream{channel: channel, conn: sshConn}, TransportSSH, func(sess *Session) {
			sess.KeyFingerprint = fingerprint
		})
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// sshStream adapts an SSH channel to transport.Stream. Channel writes
// block on the peer's window rather than the socket, so a write deadline
// is enforced by tearing down the whole SSH connection.
type sshStream struct {
	channel ssh.Channel
	conn    ssh.Conn

	mu       sync.Mutex
	deadline time.Time
}

func (c *sshStream) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshStream) Write(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	if !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), func() { _ = c.conn.Close() })
		defer timer.Stop()
	}
	return c.channel.Write(b)
}

// Close closes the channel and the connection carrying it.
func (c *sshStream) Close() error {
	_ = c.channel.Close()
	return c.conn.Close()
}

func (c *sshStream) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *sshStream) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// loadOrGenerateHostKey loads the SSH host key or generates an Ed25519 key
// if the file doesn't exist.
func loadOrGenerateHostKey(keyPath string) (ssh.Signer, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [ssh].host_key_path or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := expandHome(keyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		logger.WithField("path", keyPath).Info("loaded SSH host key")
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	logger.WithField("path", keyPath).Info("generating new SSH host key")

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.NewSignerFromKey(privateKey)
}
