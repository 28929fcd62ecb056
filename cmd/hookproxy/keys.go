package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/vault"
)

// configuredSecretNames returns the keychain names referenced by cfg.
func configuredSecretNames(cfg *config.Config) []string {
	var names []string
	for _, ref := range []string{cfg.Auth.SecretRef, cfg.Metrics.AdminTokenRef} {
		if name, ok := vault.RefName(ref); ok {
			names = append(names, name)
		}
	}
	return names
}

func cmdKeys(args []string) {
	o := mustOptions(args)
	if len(o.args) == 0 {
		fmt.Println("Usage: hookproxy keys <list|set|delete> [name]")
		os.Exit(1)
	}

	v := vault.New()

	switch o.args[0] {
	case "list":
		cfg := mustLoad(o.configPath)
		names := configuredSecretNames(cfg)
		if len(names) == 0 {
			fmt.Println("No keyring references in the configuration")
			return
		}
		stored := v.List(names)
		for _, name := range names {
			status := "missing"
			for _, s := range stored {
				if s == name {
					status = "****"
					break
				}
			}
			fmt.Printf("  %s: %s\n", name, status)
		}

	case "set":
		if len(o.args) < 2 {
			fmt.Println("Usage: hookproxy keys set <name>")
			os.Exit(1)
		}
		name := strings.ToLower(o.args[1])
		fmt.Printf("Enter secret for %s: ", name)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading secret: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(name, strings.TrimSpace(string(secret))); err != nil {
			fmt.Fprintf(os.Stderr, "error storing secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret %s stored (reference: keyring://hookproxy/%s)\n", name, name)

	case "delete":
		if len(o.args) < 2 {
			fmt.Println("Usage: hookproxy keys delete <name>")
			os.Exit(1)
		}
		name := strings.ToLower(o.args[1])
		if err := v.Delete(name); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret %s deleted\n", name)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", o.args[0])
		os.Exit(1)
	}
}
