// Package main is the entry point for the sshwarden daemon and its
// administrative CLI.
//
// Usage:
//
//	sshwarden                         # Start the daemon
//	sshwarden serve                   # Start the daemon
//	sshwarden check-config            # Validate the effective configuration
//	sshwarden add-user <user> <pass>  # Add a user to the credential store
//	sshwarden remove-user <user>      # Remove a user
//	sshwarden list-users              # List all users
//	sshwarden change-password <user> <pass>
//	sshwarden enable-user <user>
//	sshwarden disable-user <user>
//	sshwarden help                    # Show help
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"sshwarden/internal/config"
	"sshwarden/internal/server"
	"sshwarden/internal/usermgmt"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		cfg := mustLoadConfig(log)
		if err := server.Run(cfg, log); err != nil {
			log.WithError(err).Fatal("server exited")
		}

	case "check-config":
		cfg := mustLoadConfig(log)
		fmt.Printf("configuration OK: listening on %s, methods %v, max tries %d\n",
			cfg.Listen, cfg.Auth.Methods, cfg.Auth.MaxTries)

	case "add-user":
		requireArgs(3, "Usage: sshwarden add-user <username> <password>")
		withStore(log, func(store *usermgmt.Store) error {
			return store.Add(os.Args[2], os.Args[3])
		}, "User '%s' added\n", os.Args[2])

	case "remove-user":
		requireArgs(2, "Usage: sshwarden remove-user <username>")
		withStore(log, func(store *usermgmt.Store) error {
			return store.Remove(os.Args[2])
		}, "User '%s' removed\n", os.Args[2])

	case "change-password":
		requireArgs(3, "Usage: sshwarden change-password <username> <password>")
		withStore(log, func(store *usermgmt.Store) error {
			return store.SetPassword(os.Args[2], os.Args[3])
		}, "Password changed for '%s'\n", os.Args[2])

	case "enable-user":
		requireArgs(2, "Usage: sshwarden enable-user <username>")
		withStore(log, func(store *usermgmt.Store) error {
			return store.SetEnabled(os.Args[2], true)
		}, "User '%s' enabled\n", os.Args[2])

	case "disable-user":
		requireArgs(2, "Usage: sshwarden disable-user <username>")
		withStore(log, func(store *usermgmt.Store) error {
			return store.SetEnabled(os.Args[2], false)
		}, "User '%s' disabled\n", os.Args[2])

	case "list-users":
		cfg := mustLoadConfig(log)
		store, err := usermgmt.Open(cfg.UserDB)
		if err != nil {
			log.WithError(err).Fatal("opening user store")
		}
		listUsers(store)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func mustLoadConfig(log *logrus.Logger) config.Config {
	path := os.Getenv("SSHWARDEN_CONFIG")
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}
	return cfg
}

func requireArgs(n int, usage string) {
	if len(os.Args) != n+1 {
		fmt.Println(usage)
		os.Exit(1)
	}
}

// withStore runs one mutation against the credential store and reports the
// outcome.
func withStore(log *logrus.Logger, op func(*usermgmt.Store) error, okFormat string, args ...interface{}) {
	cfg := mustLoadConfig(log)
	store, err := usermgmt.Open(cfg.UserDB)
	if err != nil {
		log.WithError(err).Fatal("opening user store")
	}
	if err := op(store); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf(okFormat, args...)
}

func listUsers(store *usermgmt.Store) {
	names := store.List()
	if len(names) == 0 {
		fmt.Println("No users found.")
		return
	}
	fmt.Printf("%-20s %-10s %-20s\n", "Username", "Status", "Created")
	for _, name := range names {
		u, err := store.Get(name)
		if err != nil {
			fmt.Printf("%-20s ERROR: %v\n", name, err)
			continue
		}
		status := "Enabled"
		if !u.Enabled {
			status = "Disabled"
		}
		fmt.Printf("%-20s %-10s %-20s\n", u.Username, status, u.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printUsage() {
	fmt.Println("sshwarden - SSH-style authentication daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sshwarden [serve]                        - Start the daemon")
	fmt.Println("  sshwarden check-config                   - Validate configuration")
	fmt.Println("  sshwarden add-user <user> <pass>         - Add a user")
	fmt.Println("  sshwarden remove-user <user>             - Remove a user")
	fmt.Println("  sshwarden change-password <user> <pass>  - Change a password")
	fmt.Println("  sshwarden enable-user <user>             - Enable a user")
	fmt.Println("  sshwarden disable-user <user>            - Disable a user")
	fmt.Println("  sshwarden list-users                     - List all users")
	fmt.Println("  sshwarden help                           - Show this help")
}
