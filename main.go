package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/castgate/castgate/cmd"
)

const defaultConfigPath = "/etc/castgate/castgate.hcl"

func main() {
	// Optional .env for local development; secrets normally arrive
	// through real environment variables.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", defaultConfigPath, "Configuration file")
		serveFlags.StringVar(configFile, "c", defaultConfigPath, "Configuration file (short)")
		skipFirewall := serveFlags.Bool("skip-firewall-init", false, "Do not install the base rule set on start")
		serveFlags.Parse(os.Args[2:])

		if err := cmd.RunServe(*configFile, *skipFirewall); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}

	case "init-firewall":
		fwFlags := flag.NewFlagSet("init-firewall", flag.ExitOnError)
		configFile := fwFlags.String("config", defaultConfigPath, "Configuration file")
		fwFlags.Parse(os.Args[2:])

		if err := cmd.RunInitFirewall(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "init-firewall failed: %v\n", err)
			os.Exit(1)
		}

	case "hash-password":
		if err := cmd.RunHashPassword(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "hash-password failed: %v\n", err)
			os.Exit(1)
		}

	case "add-device":
		devFlags := flag.NewFlagSet("add-device", flag.ExitOnError)
		configFile := devFlags.String("config", defaultConfigPath, "Configuration file")
		room := devFlags.String("room", "", "Room key (required)")
		name := devFlags.String("name", "", "Display name (defaults to room)")
		ip := devFlags.String("ip", "", "Device IPv4 address (required)")
		mac := devFlags.String("mac", "", "Device hardware address")
		devFlags.Parse(os.Args[2:])

		if err := cmd.RunAddDevice(*configFile, *room, *name, *ip, *mac); err != nil {
			fmt.Fprintf(os.Stderr, "add-device failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Println(cmd.Version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`castgate - room-scoped casting gateway

Usage:
  castgate serve [-c config.hcl] [--skip-firewall-init]
  castgate init-firewall [-c config.hcl]
  castgate add-device -room KEY -ip ADDR [-name NAME] [-mac ADDR] [-c config.hcl]
  castgate hash-password [PASSWORD]
  castgate version`)
}
