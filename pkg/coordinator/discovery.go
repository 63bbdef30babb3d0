package coordinator

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Discoverer resolves this agent's reachable address on the network
// fabric. It returns an empty string when no address is available yet.
type Discoverer func(ctx context.Context) string

// CommandDiscoverer builds a Discoverer that runs the given command
// (default `tailscale ip -4`) and returns the first line of its output.
func CommandDiscoverer(command []string) Discoverer {
	return func(ctx context.Context) string {
		if len(command) == 0 {
			return ""
		}

		execCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		cmd := exec.CommandContext(execCtx, command[0], command[1:]...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout

		if err := cmd.Run(); err != nil {
			log.Debug().Strs("command", command).Err(err).Msg("Fabric address discovery failed")
			return ""
		}

		line, _, _ := strings.Cut(strings.TrimSpace(stdout.String()), "\n")
		return strings.TrimSpace(line)
	}
}

// StaticDiscoverer always returns the given address. Used for fixed-IP
// deployments and tests.
func StaticDiscoverer(addr string) Discoverer {
	return func(ctx context.Context) string {
		return addr
	}
}
