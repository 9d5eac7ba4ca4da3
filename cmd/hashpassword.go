package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/castgate/castgate/internal/auth"
)

// RunHashPassword prints a bcrypt hash for the admin password, for
// admin_password_hash in the config file. The password can be passed
// as an argument or typed on stdin.
func RunHashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
