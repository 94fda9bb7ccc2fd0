package deploy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHDialer establishes sessions over SSH using key authentication. Host key
// verification is skipped: targets are addressed by resolved secrets and the
// tool assumes a trusted network path to its single deployment host.
type SSHDialer struct {
	target  Target
	timeout time.Duration
}

// NewSSHDialer creates a dialer for the target. timeout bounds a single
// connection attempt; zero selects DefaultConnectTimeout.
func NewSSHDialer(target Target, timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &SSHDialer{target: target, timeout: timeout}
}

// Dial opens the TCP connection and completes the SSH handshake.
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	signer, err := ssh.ParsePrivateKey([]byte(d.target.SSHKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            d.target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // single trusted target, see above
		Timeout:         d.timeout,
	}

	addr := d.target.Host
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, cmd string) (string, error) {
	return s.RunInput(ctx, cmd, "")
}

func (s *sshSession) RunInput(ctx context.Context, cmd, stdin string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case err = <-done:
		return out.String(), err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return out.String(), ctx.Err()
	}
}

func (s *sshSession) WriteFile(ctx context.Context, path string, content []byte) error {
	_, err := s.RunInput(ctx, "cat > "+shellQuote(path), string(content))
	return err
}

func (s *sshSession) Close() error { return s.client.Close() }
