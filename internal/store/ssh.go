/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the archive host frames are copied to.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	Password       string
	RemoteRoot     string
	KnownHostsFile string

	DialTimeout time.Duration
}

// SSHStore copies frames to a remote host using the scp sink protocol over
// an SSH session. The connection is dialed lazily and redialed after any
// transport error, so an unreachable host surfaces as per-tick store
// failures rather than a wedged run.
type SSHStore struct {
	cfg    SSHConfig
	auth   []ssh.AuthMethod
	hostCB ssh.HostKeyCallback
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
	dirs   map[string]bool
}

// NewSSHStore validates addressing and authentication up front but does not
// dial; the first Put does.
func NewSSHStore(cfg SSHConfig, logger zerolog.Logger) (*SSHStore, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.RemoteRoot == "" {
		return nil, fmt.Errorf("ssh store requires host, user and remote root")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	log := logger.With().Str("component", "store").Str("backend", "ssh").Str("host", cfg.Host).Logger()

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		keyData, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh store requires a key file or password")
	}

	var hostCB ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostCB = cb
	} else {
		log.Warn().Msg("no known_hosts file configured, host keys will not be verified")
		hostCB = ssh.InsecureIgnoreHostKey()
	}

	return &SSHStore{
		cfg:    cfg,
		auth:   auth,
		hostCB: hostCB,
		logger: log,
		dirs:   make(map[string]bool),
	}, nil
}

func (s *SSHStore) Name() string { return "ssh" }

func (s *SSHStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	remotePath := path.Join(s.cfg.RemoteRoot, key)
	client, err := s.conn(ctx)
	if err != nil {
		return "", err
	}

	dir := path.Dir(remotePath)
	if err := s.ensureDir(ctx, client, dir); err != nil {
		s.drop()
		return "", err
	}
	if err := s.upload(ctx, client, remotePath, data); err != nil {
		s.drop()
		return "", err
	}

	s.logger.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("frame stored")
	return fmt.Sprintf("%s:%s", s.cfg.Host, remotePath), nil
}

func (s *SSHStore) Delete(ctx context.Context, key string) error {
	client, err := s.conn(ctx)
	if err != nil {
		return err
	}
	remotePath := path.Join(s.cfg.RemoteRoot, key)
	if err := s.runCommand(ctx, client, "rm -f "+shellQuote(remotePath)); err != nil {
		s.drop()
		return fmt.Errorf("remove %s: %w", remotePath, err)
	}
	return nil
}

// CheckAccess connects and verifies the remote root exists and is writable.
func (s *SSHStore) CheckAccess(ctx context.Context) error {
	client, err := s.conn(ctx)
	if err != nil {
		return err
	}
	q := shellQuote(s.cfg.RemoteRoot)
	if err := s.runCommand(ctx, client, fmt.Sprintf("mkdir -p %s && test -w %s", q, q)); err != nil {
		s.drop()
		return fmt.Errorf("remote root %s not writable: %w", s.cfg.RemoteRoot, err)
	}
	return nil
}

// Close drops the cached connection.
func (s *SSHStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSHStore) conn(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	conf := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            s.auth,
		HostKeyCallback: s.hostCB,
		Timeout:         s.cfg.DialTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, conf)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.dirs = make(map[string]bool)
	s.logger.Info().Str("addr", addr).Msg("connected to archive host")
	return s.client, nil
}

func (s *SSHStore) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *SSHStore) ensureDir(ctx context.Context, client *ssh.Client, dir string) error {
	s.mu.Lock()
	done := s.dirs[dir]
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.runCommand(ctx, client, "mkdir -p "+shellQuote(dir)); err != nil {
		return fmt.Errorf("create remote dir %s: %w", dir, err)
	}
	s.mu.Lock()
	s.dirs[dir] = true
	s.mu.Unlock()
	return nil
}

// runCommand runs one remote command, honoring ctx by tearing the session
// down on cancellation.
func (s *SSHStore) runCommand(ctx context.Context, client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Close()
		<-done
		return ctx.Err()
	}
}

// upload speaks the scp sink protocol: start "scp -t dir" remotely, send a
// C-record header, the bytes, and a zero terminator, checking the ack byte
// after each phase.
func (s *SSHStore) upload(ctx context.Context, client *ssh.Client, remotePath string, data []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	acks := bufio.NewReader(stdout)

	dir, base := path.Split(remotePath)
	if err := session.Start("scp -t " + shellQuote(dir)); err != nil {
		return fmt.Errorf("start scp sink: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		if err := readAck(acks); err != nil {
			done <- err
			return
		}
		if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", len(data), base); err != nil {
			done <- fmt.Errorf("send scp header: %w", err)
			return
		}
		if err := readAck(acks); err != nil {
			done <- err
			return
		}
		if _, err := stdin.Write(data); err != nil {
			done <- fmt.Errorf("send frame: %w", err)
			return
		}
		if _, err := stdin.Write([]byte{0}); err != nil {
			done <- fmt.Errorf("terminate transfer: %w", err)
			return
		}
		if err := readAck(acks); err != nil {
			done <- err
			return
		}
		stdin.Close()
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scp %s: %w", remotePath, err)
		}
		return nil
	case <-ctx.Done():
		session.Close()
		<-done
		return ctx.Err()
	}
}

// readAck consumes one scp acknowledgement: 0 is success, 1 is a warning and
// 2 a fatal error, both followed by a message line.
func readAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read scp ack: %w", err)
	}
	if code == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp remote error (%d): %s", code, strings.TrimSpace(msg))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
