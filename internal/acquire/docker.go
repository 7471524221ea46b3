package acquire

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// DockerScheme prefixes image references installed through the local daemon.
const DockerScheme = "docker://"

// DockerSource unpacks images from the local Docker daemon into rootfs
// trees by exporting a throwaway container.
type DockerSource struct {
	client *client.Client
	logger *zap.Logger
}

// NewDockerSource connects to the daemon named by the DOCKER_* environment.
func NewDockerSource(logger *zap.Logger) (*DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerSource{client: cli, logger: logger.Named("docker")}, nil
}

func (d *DockerSource) Close() error {
	return d.client.Close()
}

// Fetch pulls ref, exports its filesystem under dst and returns the image
// entry point and default arguments.
func (d *DockerSource) Fetch(ctx context.Context, ref, dst string) ([]string, error) {
	d.logger.Info("pulling image", zap.String("image", ref))
	progress, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	_, err = io.Copy(io.Discard, progress)
	progress.Close()
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}

	created, err := d.client.ContainerCreate(ctx, &container.Config{Image: ref}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container from %s: %w", ref, err)
	}
	defer func() {
		if err := d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("remove export container", zap.String("container", created.ID), zap.Error(err))
		}
	}()

	info, err := d.client.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", created.ID, err)
	}
	var command []string
	if info.Config != nil {
		command = append(command, info.Config.Entrypoint...)
		command = append(command, info.Config.Cmd...)
	}

	export, err := d.client.ContainerExport(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("export container %s: %w", created.ID, err)
	}
	defer export.Close()

	if err := extractTar(export, dst); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", ref, err)
	}
	return command, nil
}

// parseImageRef splits "docker://repo/name:tag" into the pull reference,
// a package name and a branch (the tag).
func parseImageRef(source string) (ref, name, branch string) {
	ref = strings.TrimPrefix(source, DockerScheme)
	repo := ref
	branch = "latest"
	if at := strings.IndexByte(repo, '@'); at >= 0 {
		digest := strings.TrimPrefix(repo[at+1:], "sha256:")
		if len(digest) > 12 {
			digest = digest[:12]
		}
		repo, branch = repo[:at], "digest-"+digest
	} else if colon := strings.LastIndexByte(repo, ':'); colon > strings.LastIndexByte(repo, '/') {
		repo, branch = repo[:colon], repo[colon+1:]
	}
	name = repo
	if slash := strings.LastIndexByte(repo, '/'); slash >= 0 {
		name = repo[slash+1:]
	}
	return ref, name, branch
}
