package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"docflow/internal/accesstoken"
)

// mint_token signs a processor access token for operators and scripts.
func main() {
	if len(os.Args) != 5 {
		fmt.Fprintf(os.Stderr, "usage: %s <private-key.pem> <issuer> <subject> <scope>[,<scope>...]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "scopes: %s %s %s\n", accesstoken.ScopeRead, accesstoken.ScopeWrite, accesstoken.ScopeBatch)
		os.Exit(2)
	}

	ttl := accesstoken.DefaultTokenTTL
	if v := strings.TrimSpace(os.Getenv("DOCFLOW_TOKEN_TTL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			exitErr(fmt.Errorf("DOCFLOW_TOKEN_TTL: %w", err))
		}
		ttl = parsed
	}
	scopes, err := parseScopes(os.Args[4])
	if err != nil {
		exitErr(err)
	}

	signer, err := accesstoken.NewSigner(accesstoken.SignerOptions{
		PrivateKeyPath: os.Args[1],
		KeyID:          os.Getenv("DOCFLOW_TOKEN_KEY_ID"),
		Issuer:         os.Args[2],
		TTL:            ttl,
	})
	if err != nil {
		exitErr(err)
	}
	token, err := signer.Sign(os.Args[3], os.Getenv("DOCFLOW_TOKEN_AUDIENCE"), scopes...)
	if err != nil {
		exitErr(err)
	}
	fmt.Println(token)
}

func parseScopes(raw string) ([]string, error) {
	known := map[string]bool{
		accesstoken.ScopeRead:  true,
		accesstoken.ScopeWrite: true,
		accesstoken.ScopeBatch: true,
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !known[s] {
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one scope is required")
	}
	return out, nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
