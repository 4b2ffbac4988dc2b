package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/hosts"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration. The mapstructure names are the
// host parameter keys read by ConfigForHost.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `mapstructure:"-" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `mapstructure:"sshPort" validate:"min=1,max=65535"`

	// User is the SSH username
	User string `mapstructure:"sshUser" validate:"required"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `mapstructure:"sshAuth" validate:"oneof=password key agent"`

	// Password for password-based authentication
	Password string `mapstructure:"sshPassword" validate:"required_if=AuthMethod password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `mapstructure:"sshKeyFile"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `mapstructure:"sshKeyPassphrase"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `mapstructure:"sshKnownHosts"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool `mapstructure:"sshStrictHostKeyChecking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `mapstructure:"sshConnectTimeout" validate:"gt=0"`

	// CommandTimeout is the default timeout for command execution
	CommandTimeout time.Duration `mapstructure:"sshCommandTimeout" validate:"gt=0"`
}

var validate = validator.New()

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
	}
}

// ConfigForHost builds the connection settings for a registered host.
// The address is the descriptor's IP address, falling back to its DNS name;
// ssh* host parameters override the defaults.
func ConfigForHost(d *hosts.Descriptor) (*Config, error) {
	address := d.IPAddress
	if address == "" {
		address = d.DNSName
	}
	if address == "" {
		return nil, engine.NewMissingParameterError("ipAddress", "sshConfig").WithResource(d.ID)
	}

	cfg := DefaultConfig(address, os.Getenv("USER"))
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(d.Params); err != nil {
		return nil, engine.NewInvalidConfigError("cannot decode ssh parameters", err).WithResource(d.ID)
	}
	cfg.Host = address

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid. Key authentication without
// an explicit key falls back to the usual files under ~/.ssh.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" || fe.Tag() == "required_if" {
				return engine.NewMissingParameterError(fe.Field(), "sshConfig").WithResource(c.Host)
			}
			return engine.NewInvalidConfigError(
				fmt.Sprintf("ssh setting '%s' failed '%s' check", fe.Field(), fe.Tag()), err).
				WithResource(c.Host)
		}
		return err
	}

	if c.AuthMethod != AuthMethodKey {
		return nil
	}
	if c.PrivateKeyPath == "" {
		homeDir := os.Getenv("HOME")
		defaultKeys := []string{
			filepath.Join(homeDir, ".ssh", "id_ed25519"),
			filepath.Join(homeDir, ".ssh", "id_rsa"),
			filepath.Join(homeDir, ".ssh", "id_ecdsa"),
		}
		for _, keyPath := range defaultKeys {
			if _, err := os.Stat(keyPath); err == nil {
				c.PrivateKeyPath = keyPath
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return engine.NewMissingParameterError("sshKeyFile", "sshConfig").WithResource(c.Host)
		}
	}
	if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
		return engine.NewInvalidConfigError(fmt.Sprintf("private key file not found: %s", c.PrivateKeyPath), err).
			WithResource(c.Host)
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// many servers only offer keyboard-interactive for passwords
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		// host keys are not checked
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
