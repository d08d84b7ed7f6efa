package config

import (
	"errors"
	"flag"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "CARESYNC"

	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
)

func defaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8000")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("mongo-uri", "mongodb://localhost:27017")
	v.SetDefault("mongo-db", "hospital")
	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-channel", "caresync:rooms")
	v.SetDefault("signing-key", defaultSigningKey)
	v.SetDefault("allowed-origins", "http://localhost:3000")
	v.SetDefault("notify-roles", "patient")
	v.SetDefault("ring-timeout", time.Minute)
	v.SetDefault("disconnect-grace", 10*time.Second)
	v.SetDefault("debug", false)
}

// Load reads settings from envFile (if it exists), then CARESYNC_* environment
// variables, then args. Later sources win.
func Load(name string, args []string, envFile string) (Params, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Params{}, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	defaults(v)

	var (
		p              Params
		allowedOrigins string
		notifyRoles    string
	)

	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.StringVar(&p.ServerAddr, "addr", v.GetString("addr"), "server address")
	f.StringVar(&p.StoreDriver, "store", v.GetString("store"), "message store: postgres, mongo or memory")
	f.StringVar(&p.DatabaseDSN, "dsn", v.GetString("dsn"), "postgres connection string")
	f.StringVar(&p.MongoURI, "mongo-uri", v.GetString("mongo-uri"), "mongodb connection URI")
	f.StringVar(&p.MongoDatabase, "mongo-db", v.GetString("mongo-db"), "mongodb database holding the chats collection")
	f.StringVar(&p.RedisAddr, "redis-addr", v.GetString("redis-addr"), "redis address for cross-instance delivery, empty to disable")
	f.StringVar(&p.RedisChannel, "redis-channel", v.GetString("redis-channel"), "redis pub/sub channel")
	f.StringVar(&p.SigningSecret, "signing-key", v.GetString("signing-key"), "base64 encoded JWT signing key")
	f.StringVar(&allowedOrigins, "allowed-origins", v.GetString("allowed-origins"), "comma-separated list of allowed origins for CORS")
	f.StringVar(&notifyRoles, "notify-roles", v.GetString("notify-roles"), "comma-separated recipient roles that get newMessage events")
	f.DurationVar(&p.RingTimeout, "ring-timeout", v.GetDuration("ring-timeout"), "how long an unanswered call rings")
	f.DurationVar(&p.DisconnectGrace, "disconnect-grace", v.GetDuration("disconnect-grace"), "how long a call survives a dropped participant")
	f.BoolVar(&p.Debug, "debug", v.GetBool("debug"), "enable debug logging")

	if err := f.Parse(args); err != nil {
		return Params{}, err
	}

	p.AllowedOrigins = SplitList(allowedOrigins)
	p.NotifyRoles = SplitList(notifyRoles)
	return p, nil
}
