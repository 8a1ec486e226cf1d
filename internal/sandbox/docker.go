package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
)

const containerPrefix = "agentpen-"

// dockerBackend runs every agent process as an exec into one
// long-lived container created at Start. The container is named
// deterministically from the session name so it can be recovered and
// cleaned up by name alone.
type dockerBackend struct {
	opts Options

	cli         *client.Client
	containerID string
	startedAt   time.Time
}

func newDockerBackend(opts Options) *dockerBackend {
	return &dockerBackend{opts: opts}
}

func (d *dockerBackend) Kind() Kind   { return KindDocker }
func (d *dockerBackend) Level() Level { return d.opts.Config.Level }

func (d *dockerBackend) containerName() string {
	return containerPrefix + sanitizeName(d.opts.SessionName)
}

func (d *dockerBackend) Start(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	d.cli = cli

	hostCfg, err := buildHostConfig(d.opts)
	if err != nil {
		return err
	}

	containerCfg := &container.Config{
		Image:      d.opts.Config.Image,
		WorkingDir: d.opts.WorkDir,
		Labels: map[string]string{
			"agentpen.session": d.opts.SessionName,
			"agentpen.managed": "true",
		},
		Tty: false,
		// The container idles; agent processes are exec'd in per prompt.
		Cmd: []string{"sleep", "infinity"},
	}

	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, d.containerName())
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	d.containerID = resp.ID

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		d.containerID = ""
		return fmt.Errorf("container start: %w", err)
	}

	d.startedAt = time.Now()
	return nil
}

// buildHostConfig computes the container host configuration for a
// session. Networking is always bridge, never host; capabilities are
// dropped entirely and privilege escalation disabled at every level.
// Resource limits attach at standard and strict; strict additionally
// makes the root filesystem read-only with a writable tmpfs /tmp.
func buildHostConfig(opts Options) (*container.HostConfig, error) {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: opts.WorkDir,
		},
		{
			Type:     mount.TypeBind,
			Source:   filepath.Dir(opts.AgentBinary),
			Target:   filepath.Dir(opts.AgentBinary),
			ReadOnly: true,
		},
	}
	if opts.CredentialDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   opts.CredentialDir,
			Target:   opts.CredentialDir,
			ReadOnly: true,
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts:      mounts,
	}

	if opts.Config.Level != LevelPermissive {
		if opts.Config.MemoryLimit != "" {
			memBytes, err := units.RAMInBytes(opts.Config.MemoryLimit)
			if err != nil {
				return nil, &ConfigError{Backend: KindDocker, Reason: fmt.Sprintf("invalid memory limit %q: %v", opts.Config.MemoryLimit, err)}
			}
			hostCfg.Resources.Memory = memBytes
		}
		if opts.Config.CPULimit > 0 {
			hostCfg.Resources.NanoCPUs = int64(opts.Config.CPULimit * 1e9)
		}
	}

	if opts.Config.Level == LevelStrict {
		hostCfg.ReadonlyRootfs = true
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeTmpfs,
			Target: "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{
				SizeBytes: 512 * units.MiB,
			},
		})
	}

	return hostCfg, nil
}

func (d *dockerBackend) WrapCommand(exe string, args []string) (string, []string) {
	wrapped := []string{"exec", "-i", "-w", d.opts.WorkDir, d.containerName(), exe}
	return "docker", append(wrapped, args...)
}

func (d *dockerBackend) Diff(ctx context.Context) ([]Change, error) {
	if d.cli == nil || d.containerID == "" {
		return nil, fmt.Errorf("sandbox not started")
	}
	raw, err := d.cli.ContainerDiff(ctx, d.containerID)
	if err != nil {
		return nil, fmt.Errorf("container diff: %w", err)
	}
	changes := make([]Change, 0, len(raw))
	for _, c := range raw {
		kind := ChangeModified
		switch c.Kind {
		case container.ChangeAdd:
			kind = ChangeAdded
		case container.ChangeDelete:
			kind = ChangeDeleted
		}
		changes = append(changes, Change{Path: c.Path, Kind: kind})
	}
	return changes, nil
}

// Stop removes the container by name so cleanup works even when Start
// failed partway. Safe to call repeatedly or without Start.
func (d *dockerBackend) Stop(ctx context.Context) error {
	cli := d.cli
	if cli == nil {
		var err error
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil // no engine, nothing to clean up
		}
		defer cli.Close()
	}
	err := cli.ContainerRemove(ctx, d.containerName(), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	d.containerID = ""
	return nil
}

// sanitizeName maps a session name onto docker's allowed name
// alphabet.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
}
