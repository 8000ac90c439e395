package cmd

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func getCurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func getHostname() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

func generateSessionID() string {
	return uuid.NewString()
}

// sanitizeFlags collects the flags the user actually set, masking any that
// carry secret material, for inclusion in audit metadata.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	for _, s := range []string{"passphrase", "data", "password", "secret"} {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// readValueInput resolves a value from, in order: an inline flag, a file
// flag, or stdin.
func readValueInput(cmd *cobra.Command, inline, file string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return data, nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("failed to read from stdin: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no value provided: use --data, --file, or stdin")
	}
	return data, nil
}
