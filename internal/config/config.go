package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/types"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

type Config struct {
	ServerAddr      string
	StoreDriver     string
	DatabaseDSN     string
	MongoURI        string
	MongoDatabase   string
	RedisAddr       string
	RedisChannel    string
	SigningKey      []byte
	AllowedOrigins  []string
	NotifyRoles     []types.Role
	RingTimeout     time.Duration
	DisconnectGrace time.Duration
	Debug           bool
}

// Params holds raw settings as read from flags and the environment.
type Params struct {
	ServerAddr      string
	StoreDriver     string
	DatabaseDSN     string
	MongoURI        string
	MongoDatabase   string
	RedisAddr       string
	RedisChannel    string
	SigningSecret   string
	AllowedOrigins  []string
	NotifyRoles     []string
	RingTimeout     time.Duration
	DisconnectGrace time.Duration
	Debug           bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// SplitList splits a comma separated setting, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, errors.New("server address cannot be empty")
	}

	switch p.StoreDriver {
	case StorePostgres:
		if p.DatabaseDSN == "" {
			return nil, errors.New("database DSN cannot be empty")
		}
	case StoreMongo:
		if p.MongoURI == "" {
			return nil, errors.New("mongo URI cannot be empty")
		}
		if p.MongoDatabase == "" {
			return nil, errors.New("mongo database cannot be empty")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store driver %q", p.StoreDriver)
	}

	if p.SigningSecret == "" {
		return nil, errors.New("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(p.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	notify := make([]types.Role, 0, len(p.NotifyRoles))
	for _, r := range p.NotifyRoles {
		role := types.Role(strings.ToLower(r))
		if !role.IsParticipant() {
			return nil, fmt.Errorf("notify role %q must be patient or doctor", r)
		}
		notify = append(notify, role)
	}

	if p.RingTimeout < 0 || p.DisconnectGrace < 0 {
		return nil, errors.New("call timeouts cannot be negative")
	}

	return &Config{
		ServerAddr:      p.ServerAddr,
		StoreDriver:     p.StoreDriver,
		DatabaseDSN:     p.DatabaseDSN,
		MongoURI:        p.MongoURI,
		MongoDatabase:   p.MongoDatabase,
		RedisAddr:       p.RedisAddr,
		RedisChannel:    p.RedisChannel,
		SigningKey:      signingKey,
		AllowedOrigins:  p.AllowedOrigins,
		NotifyRoles:     notify,
		RingTimeout:     p.RingTimeout,
		DisconnectGrace: p.DisconnectGrace,
		Debug:           p.Debug,
	}, nil
}
