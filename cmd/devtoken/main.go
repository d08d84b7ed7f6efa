// Command devtoken prints a signed token for local testing against a
// development server.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/api"
	"github.com/npezzotti/caresync-rtc/internal/config"
	"github.com/npezzotti/caresync-rtc/internal/types"
)

func main() {
	var (
		id    string
		role  string
		email string
		ttl   time.Duration
	)

	flag.StringVar(&id, "id", "", "user id (24 hex characters); a new one is generated when empty")
	flag.StringVar(&role, "role", string(types.RolePatient), "patient, doctor or admin")
	flag.StringVar(&email, "email", "", "email claim")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	// the signing key comes from the same sources the server reads
	params, err := config.Load("devtoken", nil, ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	cfg, err := config.NewConfig(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	if id == "" {
		id = types.NewId()
	}
	if !types.ValidId(id) {
		fmt.Fprintln(os.Stderr, "invalid id:", id)
		os.Exit(2)
	}

	token, err := api.SignToken(cfg.SigningKey, types.Identity{UserId: id, Role: types.Role(role)}, email, ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
