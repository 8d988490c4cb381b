package testbed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHTimeout = 10 * time.Second

// CommandRunner executes a command and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on this machine via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", commandError(name, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// SSHOptions controls how remote hosts are reached.
//
// Fields:
//   - KeyPath: Private key file; when empty the ssh-agent at SSH_AUTH_SOCK is used
//   - KnownHostsPath: known_hosts file used to verify host keys; empty disables verification
//   - Timeout: TCP and handshake timeout (defaults to 10s)
type SSHOptions struct {
	KeyPath        string
	KnownHostsPath string
	Timeout        time.Duration
}

func (o SSHOptions) clientConfig(user string) (*ssh.ClientConfig, func(), error) {
	if user == "" {
		user = os.Getenv("USER")
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultSSHTimeout
	}
	cleanup := func() {}
	var auth ssh.AuthMethod
	if o.KeyPath != "" {
		data, err := os.ReadFile(o.KeyPath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, cleanup, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, cleanup, errors.New("no ssh key configured and SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect ssh agent: %w", err)
		}
		cleanup = func() { _ = conn.Close() }
		auth = ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if o.KnownHostsPath != "" {
		cb, err := knownhosts.New(o.KnownHostsPath)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, cleanup, nil
}

// dialSSH opens an SSH connection to host. The returned client is closed when
// ctx is cancelled.
func dialSSH(ctx context.Context, host *Host, opts SSHOptions) (*ssh.Client, error) {
	config, cleanup, err := opts.clientConfig(host.Username())
	if err != nil {
		return nil, err
	}
	defer cleanup()
	address := net.JoinHostPort(host.Hostname(), strconv.Itoa(host.Port()))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	go func() {
		<-ctx.Done()
		_ = client.Close()
	}()
	return client, nil
}

// SSHRunner runs commands on a remote host over SSH.
type SSHRunner struct {
	Host    *Host
	Options SSHOptions
}

func (r SSHRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	client, err := dialSSH(ctx, r.Host, r.Options)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session on %s: %w", r.Host, err)
	}
	defer session.Close()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Run(shellCommand(name, args...)); err != nil {
		return "", commandError(name, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// runnerFor returns ExecRunner for the local host and an SSHRunner otherwise.
func runnerFor(host *Host, opts SSHOptions) CommandRunner {
	if host.IsLocal() {
		return ExecRunner{}
	}
	return SSHRunner{Host: host, Options: opts}
}

func commandError(name string, args []string, err error, stderr string) error {
	fullCmd := strings.Join(append([]string{name}, args...), " ")
	errMsg := strings.TrimSpace(stderr)
	if errMsg != "" {
		return fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
	}
	return fmt.Errorf("command %s failed: %w", fullCmd, err)
}

// shellCommand quotes name and args for a POSIX shell.
func shellCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	for _, s := range append([]string{name}, args...) {
		parts = append(parts, shellQuote(s))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
