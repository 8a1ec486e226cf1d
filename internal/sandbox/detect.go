package sandbox

import (
	"context"
	"os/exec"
	"runtime"

	"github.com/docker/docker/client"
)

// Detect probes the host for an available isolation mechanism. A
// responding container engine wins; otherwise the OS-native primitive
// (bwrap on Linux, Seatbelt on macOS); otherwise KindNone.
func Detect(ctx context.Context) Kind {
	if dockerAvailable(ctx) {
		return KindDocker
	}
	switch runtime.GOOS {
	case "linux":
		if _, err := exec.LookPath("bwrap"); err == nil {
			return KindBwrap
		}
	case "darwin":
		if _, err := exec.LookPath("sandbox-exec"); err == nil {
			return KindSeatbelt
		}
	}
	return KindNone
}

func dockerAvailable(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err == nil
}
