// Package config loads the client configuration from YAML, TOML or JSON
// files (or URLs), applies environment overrides and validates the result.
package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the client configuration
type Config struct {
	// IRC server to connect to
	Server struct {
		Host     string `yaml:"host" toml:"host" json:"host" env:"IRC_SERVER" validate:"required,hostname|ip"`
		Port     int    `yaml:"port" toml:"port" json:"port" env:"IRC_PORT" validate:"min=1,max=65535"`
		SSL      bool   `yaml:"ssl" toml:"ssl" json:"ssl" env:"IRC_SSL"`
		Password string `yaml:"password" toml:"password" json:"password" env:"IRC_PASSWORD"`
	} `yaml:"server" toml:"server" json:"server"`

	// Identity presented during registration
	Identity struct {
		Nick     string `yaml:"nick" toml:"nick" json:"nick" env:"IRC_NICK" validate:"required,max=30"`
		User     string `yaml:"user" toml:"user" json:"user" env:"IRC_USER" validate:"required"`
		RealName string `yaml:"real_name" toml:"real_name" json:"real_name" env:"IRC_REALNAME"`
	} `yaml:"identity" toml:"identity" json:"identity"`

	// Ident responder
	Ident struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRC_IDENT_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRC_IDENT_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRC_IDENT_PORT" validate:"min=0,max=65535"`
	} `yaml:"ident" toml:"ident" json:"ident"`

	// DCC transfers
	DCC struct {
		DownloadDir   string   `yaml:"download_dir" toml:"download_dir" json:"download_dir" env:"DCC_DOWNLOAD_DIR" validate:"required"`
		ListenHost    string   `yaml:"listen_host" toml:"listen_host" json:"listen_host" env:"DCC_LISTEN_HOST"`
		ExternalIP    string   `yaml:"external_ip" toml:"external_ip" json:"external_ip" env:"DCC_EXTERNAL_IP" validate:"omitempty,ip"`
		ChunkSize     int      `yaml:"chunk_size" toml:"chunk_size" json:"chunk_size" env:"DCC_CHUNK_SIZE" validate:"min=512,max=1048576"`
		AcceptTimeout Duration `yaml:"accept_timeout" toml:"accept_timeout" json:"accept_timeout" env:"DCC_ACCEPT_TIMEOUT"`
	} `yaml:"dcc" toml:"dcc" json:"dcc"`

	// Status HTTP API
	Status struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"STATUS_ENABLED"`
		Addr    string `yaml:"addr" toml:"addr" json:"addr" env:"STATUS_ADDR" validate:"required_if=Enabled true"`
	} `yaml:"status" toml:"status" json:"status"`

	// Transfer history database
	History struct {
		DSN string `yaml:"dsn" toml:"dsn" json:"dsn" env:"HISTORY_DSN"`
	} `yaml:"history" toml:"history" json:"history"`

	Keepalive Duration `yaml:"keepalive" toml:"keepalive" json:"keepalive" env:"IRC_KEEPALIVE"`
	Debug     bool     `yaml:"debug" toml:"debug" json:"debug" env:"IRC_DEBUG"`

	// Configuration source for reloading
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Default returns a Config with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "irc.libera.chat"
	cfg.Server.Port = 6667
	cfg.Identity.Nick = "ircdcc"
	cfg.Identity.User = "ircdcc"
	cfg.Identity.RealName = "ircdcc"
	cfg.Ident.Host = "0.0.0.0"
	cfg.Ident.Port = 113
	cfg.DCC.DownloadDir = defaultDownloadDir()
	cfg.DCC.ChunkSize = 8192
	cfg.DCC.AcceptTimeout = Duration(2 * time.Minute)
	cfg.Status.Addr = "127.0.0.1:7070"
	cfg.Keepalive = Duration(2 * time.Minute)
	return cfg
}

func defaultDownloadDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Downloads", "ircdcc")
	}
	return "downloads"
}

// Load loads configuration from a file or URL. An empty source yields the
// defaults with environment overrides applied.
func Load(source string) (*Config, error) {
	cfg := Default()

	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reloads the configuration from the original source or a new source
func (c *Config) Reload(newSource string) error {
	source := c.Source
	if newSource != "" {
		source = newSource
	}

	newCfg, err := Load(source)
	if err != nil {
		return err
	}

	*c = *newCfg
	return nil
}

// loadFromSource loads configuration from a file or URL
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %w", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	switch {
	case strings.HasSuffix(source, ".yaml") || strings.HasSuffix(source, ".yml"):
		err = yaml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c.Source = source
	return nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ServerAddress returns host:port of the IRC server
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)

		if field.PkgPath != "" {
			continue
		}

		if envTag := field.Tag.Get("env"); envTag != "" {
			if envValue, exists := os.LookupEnv(envTag); exists {
				setFieldFromEnv(fieldValue, envValue)
			}
		} else if field.Type.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(fieldValue)
		}
	}
}

// setFieldFromEnv sets a field's value from an environment variable.
// Unparsable values leave the field untouched.
func setFieldFromEnv(field reflect.Value, envValue string) {
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		u.UnmarshalText([]byte(envValue))
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(v)
		}
	case reflect.Bool:
		field.SetBool(parseBool(envValue))
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(envValue, ",")
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))
			for i, v := range values {
				slice.Index(i).SetString(strings.TrimSpace(v))
			}
			field.Set(slice)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "y"
}
