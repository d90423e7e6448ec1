// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package erldist

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/coronanet/go-erldist/params"
	"github.com/coronanet/go-erldist/transport"
	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"golang.org/x/crypto/sha3"
)

// Environment variables overriding the configuration file.
const (
	EnvNode     = "ERLDIST_NODE"
	EnvCookie   = "ERLDIST_COOKIE"
	EnvEPMDHost = "ERLDIST_EPMD_HOST"
	EnvEPMDPort = "ERLDIST_EPMD_PORT"
)

// cookieFile is the name of the file in the user's home directory holding the
// shared secret of the local mesh.
const cookieFile = ".erlang.cookie"

// Config is the set of parameters a distribution node is started with.
type Config struct {
	Name   string // Node name, either "name" or "name@host"
	Cookie string // Shared secret (empty = read from ~/.erlang.cookie)
	Digest string // Challenge hashing mode, "raw" or "decimal" (empty = raw)
	Hidden bool   // Register as a hidden node

	ListenAddr     string        // Distribution listener address (empty = any port on loopback)
	Allowed        []string      // Node names allowed to connect (empty = anyone)
	Connect        []string      // Node names to keep linked at all times
	RedialInterval time.Duration // Time between redials of kept nodes (0 = default)

	EPMDHost string // Port mapper daemon host (empty = loopback)
	EPMDPort int    // Port mapper daemon port (0 = 4369)

	DataDir     string        // Directory to persist the resolution cache in (empty = memory)
	CacheExpiry time.Duration // Time a resolved port is trusted for (0 = default)

	HandshakeTimeout time.Duration // Time allowance for a handshake step (0 = default)
	LinkHeaderLen    int           // Frame header size on established links, 2 or 4 (0 = default)
	TickInterval     time.Duration // Keepalive interval on established links (0 = default)
	IdleTimeout      time.Duration // Maximum link silence before disconnecting (0 = default)

	Gateway transport.Gateway     `toml:"-"` // Network to operate on (nil = direct)
	Handler transport.LinkHandler `toml:"-"` // Callback to run for each established link
	Logger  log.Logger            `toml:"-"` // Logger to allow injecting contextual tags
}

// DefaultConfig contains the default settings for a distribution node.
var DefaultConfig = Config{
	Digest:     "raw",
	ListenAddr: "127.0.0.1:0",
	EPMDHost:   params.EPMDHost,
	EPMDPort:   params.EPMDPort,
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// LoadConfig assembles a node configuration from the defaults, an optional TOML
// file and the environment, in increasing order of priority.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		// Decode into the defaults, entries missing from the file are kept
		err = tomlSettings.NewDecoder(f).Decode(&config)

		// Add file name to errors that have a line number.
		if _, ok := err.(*toml.LineError); ok {
			err = errors.New(path + ", " + err.Error())
		}
		if err != nil {
			return nil, err
		}
	}
	if err := config.envOverride(); err != nil {
		return nil, err
	}
	return &config, nil
}

// envOverride replaces any setting that has an environment variable set.
func (c *Config) envOverride() error {
	if node := os.Getenv(EnvNode); node != "" {
		c.Name = node
	}
	if cookie := os.Getenv(EnvCookie); cookie != "" {
		c.Cookie = cookie
	}
	if host := os.Getenv(EnvEPMDHost); host != "" {
		c.EPMDHost = host
	}
	if port := os.Getenv(EnvEPMDPort); port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid environment variable %s: %v", EnvEPMDPort, err)
		}
		c.EPMDPort = int(n)
	}
	return nil
}

// Dump serializes the configuration into TOML.
func (c *Config) Dump() ([]byte, error) {
	return tomlSettings.Marshal(c)
}

// ReadCookie loads a shared secret from a cookie file. An empty path means the
// one in the user's home directory.
func ReadCookie(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, cookieFile)
	}
	blob, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	cookie := strings.TrimSpace(string(blob))
	if cookie == "" {
		return "", fmt.Errorf("empty cookie file %s", path)
	}
	return cookie, nil
}

// cookieFingerprint is a short identifier of a cookie that can be logged without
// leaking the secret itself.
func cookieFingerprint(cookie string) string {
	hash := sha3.Sum256([]byte(cookie))
	return hex.EncodeToString(hash[:4])
}

// splitName splits a full node name into its name and host part.
func splitName(node string) (string, string) {
	if i := strings.LastIndexByte(node, '@'); i >= 0 {
		return node[:i], node[i+1:]
	}
	return node, ""
}
