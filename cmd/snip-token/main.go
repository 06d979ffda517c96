// Command snip-token issues a bearer token for the snip API, signed with the
// server's JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/config"
	"github.com/mikepea/snip/pkg/snip/server"
)

func main() {
	owner := flag.String("owner", "", "owner id carried as the token subject")
	admin := flag.Bool("admin", false, "grant the admin role")
	ttl := flag.Duration("ttl", server.TokenTTL, "token lifetime")
	flag.Parse()

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "usage: snip-token -owner <id> [-admin] [-ttl 24h]")
		os.Exit(2)
	}

	role := ""
	if *admin {
		role = auth.RoleAdmin
	}

	cfg := config.Load()
	token, err := auth.NewTokenManager(cfg.JWTSecret, *ttl).GenerateToken(*owner, role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
