// Package testutil starts throwaway backing services for integration tests.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// CleanupLabel is used to identify resources created by tests
	CleanupLabel = "narrator-test"

	// DockerEnv opts a test run into container-backed tests.
	DockerEnv = "NARRATOR_TEST_DOCKER"
)

// ContainerSpec describes a service container for a test.
type ContainerSpec struct {
	Image string
	// Port is the container port to publish, e.g. "6379/tcp".
	Port string
	Cmd  []string
	Env  []string
}

// DockerClient creates a Docker client and registers cleanup for test
// containers. The test is skipped unless NARRATOR_TEST_DOCKER is set and
// the daemon answers.
func DockerClient(t testing.TB) *client.Client {
	t.Helper()
	if os.Getenv(DockerEnv) == "" {
		t.Skipf("%s not set", DockerEnv)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("failed to create docker client: %v", err)
	}

	// Verify Docker is running
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skipf("docker is not running: %v", err)
	}

	// Register cleanup for this test's containers
	t.Cleanup(func() {
		cleanupTestContainers(t, cli)
		cli.Close()
	})

	return cli
}

// StartContainer runs spec until the test ends and returns the published
// host:port once it accepts TCP connections.
func StartContainer(t testing.TB, spec ContainerSpec) string {
	t.Helper()
	cli := DockerClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if err := ensureImage(ctx, cli, spec.Image); err != nil {
		t.Fatalf("failed to pull %s: %v", spec.Image, err)
	}

	hostPort, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := nat.Port(spec.Port)

	containerConfig := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       ContainerLabels(t),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}},
		},
	}

	name := UniqueContainerName(t, port.Proto()+port.Port())
	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		t.Fatalf("failed to start container: %v", err)
	}

	addr := net.JoinHostPort("127.0.0.1", hostPort)
	if err := WaitForTCP(ctx, addr, 60*time.Second); err != nil {
		t.Fatalf("%s did not become ready: %v", spec.Image, err)
	}
	t.Logf("started %s as %s on %s", spec.Image, name, addr)
	return addr
}

// Redis starts a Redis container and returns its address.
func Redis(t testing.TB) string {
	t.Helper()
	return StartContainer(t, ContainerSpec{Image: "redis:7-alpine", Port: "6379/tcp"})
}

// MinioCredentials are the root credentials of a test MinIO container.
const (
	MinioAccessKey = "minioadmin"
	MinioSecretKey = "minioadmin"
)

// Minio starts a MinIO container and returns its endpoint.
func Minio(t testing.TB) string {
	t.Helper()
	return StartContainer(t, ContainerSpec{
		Image: "minio/minio:latest",
		Port:  "9000/tcp",
		Cmd:   []string{"server", "/data"},
		Env: []string{
			"MINIO_ROOT_USER=" + MinioAccessKey,
			"MINIO_ROOT_PASSWORD=" + MinioSecretKey,
		},
	})
}

// UniqueContainerName generates a unique container name for a test.
// Format: narrator-test-<prefix>-<testname>-<random>
func UniqueContainerName(t testing.TB, prefix string) string {
	t.Helper()
	return fmt.Sprintf("narrator-test-%s-%s-%s", prefix, sanitizeName(t.Name()), randString(4))
}

// ContainerLabels returns labels to apply to test containers.
// These labels are used for cleanup.
func ContainerLabels(t testing.TB) map[string]string {
	return map[string]string{
		CleanupLabel: t.Name(),
	}
}

// cleanupTestContainers removes all containers created by this test.
func cleanupTestContainers(t testing.TB, cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Find containers with our label AND this specific test name
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", CleanupLabel, t.Name()))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		t.Logf("Failed to list containers for cleanup: %v", err)
		return
	}

	for _, c := range containers {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			t.Logf("Failed to remove container %s: %v", c.Names[0], err)
		}
	}
}

// ensureImage pulls ref if it is not present locally.
func ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, err := cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Drain reader to complete pull
	_, err = io.Copy(io.Discard, reader)
	return err
}

// WaitForTCP dials addr until it accepts a connection.
func WaitForTCP(ctx context.Context, addr string, timeout time.Duration) error {
	return retry.Do(
		func() error {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout/(250*time.Millisecond))),
		retry.Delay(250*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// randString generates a random hex string of n bytes
func randString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// sanitizeName converts a test name to a valid container name component
func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			result = append(result, c)
		} else if c == '/' || c == '_' || c == '-' {
			result = append(result, '-')
		}
	}
	// Limit length
	if len(result) > 30 {
		result = result[:30]
	}
	return string(result)
}
