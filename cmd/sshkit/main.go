// Command sshkit is a thin front-end over the session and sftp packages:
// run a remote command, list and transfer files over SFTP, or copy files
// with SCP.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/charlesng35/sshkit/pkg/logger"
	"github.com/charlesng35/sshkit/pkg/metrics"
	"github.com/charlesng35/sshkit/session"
	"github.com/charlesng35/sshkit/sftp"
	"github.com/charlesng35/sshkit/transport"
)

const usageText = `usage: sshkit [-config file] <command> [arguments]

commands:
  exec <command>             run a remote command and print its output
  ls [dir]                   list a remote directory over sftp
  get <remote> [local]       download a file over sftp
  put <local> [remote]       upload a file over sftp
  scp-get <remote> [local]   download a file over scp
  scp-put <local> [remote]   upload a file over scp
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("sshkit", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.Usage = func() { fmt.Fprint(os.Stdout, usageText) }

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "exec":
		return runExec(client, cfg, cmdArgs)
	case "ls":
		return runList(client, cfg, cmdArgs)
	case "get":
		return runGet(client, cfg, cmdArgs)
	case "put":
		return runPut(client, cfg, cmdArgs)
	case "scp-get":
		return runScpGet(client, cfg, cmdArgs)
	case "scp-put":
		return runScpPut(client, cfg, cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// buildClient assembles a session client from the configuration, prompting
// for a password when neither a password nor a key pair is configured.
func buildClient(cfg *Config) (*session.Client, error) {
	recorder := metrics.NewRecorder(5 * time.Second)
	client := session.NewClient(cfg.Host, cfg.Port, session.WithUsageSink(recorder))

	if err := client.SetUser(cfg.User); err != nil {
		return nil, err
	}
	if cfg.Auth.PrivateKey != "" {
		if err := client.SetKeys(cfg.Auth.PrivateKey, cfg.Auth.PublicKey); err != nil {
			return nil, err
		}
	}

	password := cfg.Auth.Password
	if password == "" && cfg.Auth.PrivateKey == "" {
		prompted, err := promptPassword(cfg.User, cfg.Host)
		if err != nil {
			return nil, err
		}
		password = prompted
	}
	if password != "" {
		if err := client.SetPassword(password); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func promptPassword(user, host string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no password or key configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s@%s password: ", user, host)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

// connected dials the session, runs fn and disconnects afterwards.
func connected(client *session.Client, cfg *Config, fn func() error) error {
	if err := client.Connect(cfg.Timeout.Connect); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	log := logger.WithModule("cli")
	log.Debug("connected",
		zap.String("fingerprint", client.Fingerprint()),
		zap.String("auth_method", client.AuthenticatedWith()))
	return fn()
}

func runExec(client *session.Client, cfg *Config, args []string) error {
	if len(args) == 0 {
		return errors.New("exec: command required")
	}
	command := strings.Join(args, " ")

	return connected(client, cfg, func() error {
		ch, err := client.OpenSessionChannel(0)
		if err != nil {
			return err
		}
		defer func() { _ = ch.Close() }()

		if err := ch.Exec(command); err != nil {
			return err
		}
		for {
			data, err := ch.Read(cfg.Timeout.Operation)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				break
			}
			os.Stdout.Write(data)
		}
		if stderr, err := ch.ReadStream(transport.StreamStderr, cfg.Timeout.Operation); err == nil && len(stderr) > 0 {
			os.Stderr.Write(stderr)
		}

		// The exit status is only settled once the remote confirms the close.
		if err := ch.WaitClosed(cfg.Timeout.Operation); err != nil {
			return err
		}
		status, err := ch.ExitStatus()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("remote command exited with status %d", status)
		}
		return nil
	})
}

// sftpSession wraps the common connect/disconnect bracket for sftp
// subcommands.
func sftpSession(client *session.Client, cfg *Config, fn func(c *sftp.Client) error) error {
	c := sftp.NewClient(client)
	if err := c.Connect(cfg.Timeout.Connect); err != nil {
		return err
	}
	defer func() { _ = c.Disconnect(cfg.Timeout.Connect) }()
	return fn(c)
}

func runList(client *session.Client, cfg *Config, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return sftpSession(client, cfg, func(c *sftp.Client) error {
		entries, err := c.ListFull(dir, cfg.Timeout.Operation)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s %12d %s %s\n",
				e.Attributes.Permissions,
				e.Attributes.Size,
				e.Attributes.MTime.Format("Jan _2 15:04"),
				e.Name)
		}
		return nil
	})
}

func runGet(client *session.Client, cfg *Config, args []string) error {
	if len(args) == 0 {
		return errors.New("get: remote path required")
	}
	remote := args[0]
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}
	return sftpSession(client, cfg, func(c *sftp.Client) error {
		data, err := c.GetFile(remote, cfg.Timeout.Operation)
		if err != nil {
			return err
		}
		return os.WriteFile(local, data, 0o644)
	})
}

func runPut(client *session.Client, cfg *Config, args []string) error {
	if len(args) == 0 {
		return errors.New("put: local path required")
	}
	local := args[0]
	remote := path.Base(local)
	if len(args) > 1 {
		remote = args[1]
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	return sftpSession(client, cfg, func(c *sftp.Client) error {
		n, err := c.PutFile(data, remote, 0o644, cfg.Timeout.Operation)
		if err != nil {
			return err
		}
		logger.WithModule("cli").Debug("upload complete", zap.Int("bytes", n))
		return nil
	})
}

func runScpGet(client *session.Client, cfg *Config, args []string) error {
	if len(args) == 0 {
		return errors.New("scp-get: remote path required")
	}
	remote := args[0]
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}
	return connected(client, cfg, func() error {
		f, err := os.Create(local)
		if err != nil {
			return err
		}
		defer f.Close()

		attr, err := client.ScpDownload(remote, f, cfg.Timeout.Operation)
		if err != nil {
			return err
		}
		if attr != nil && attr.Mode != 0 {
			_ = f.Chmod(os.FileMode(attr.Mode & 0o777))
		}
		return nil
	})
}

func runScpPut(client *session.Client, cfg *Config, args []string) error {
	if len(args) == 0 {
		return errors.New("scp-put: local path required")
	}
	local := args[0]
	remote := path.Base(local)
	if len(args) > 1 {
		remote = args[1]
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	return connected(client, cfg, func() error {
		_, err := client.ScpUpload(f, fi.Size(), remote,
			int(fi.Mode().Perm()), fi.ModTime(), fi.ModTime(), cfg.Timeout.Operation)
		return err
	})
}
