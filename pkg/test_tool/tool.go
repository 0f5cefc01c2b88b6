package testtool

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer 通用函式來啟動測試容器，回傳第一個 exposed port 的對外位址
func SetupContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string, string, error) {
	if len(req.ExposedPorts) == 0 {
		return nil, "", "", fmt.Errorf("container %s exposes no port", req.Image)
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", "", err
	}

	proto, port := nat.SplitProtoPort(req.ExposedPorts[0])
	natPort, err := nat.NewPort(proto, port)
	if err != nil {
		return nil, "", "", err
	}

	mapped, err := container.MappedPort(ctx, natPort)
	if err != nil {
		return nil, "", "", err
	}

	return container, host, mapped.Port(), nil
}

// RedisRequest container request for a throwaway redis
func RedisRequest() testcontainers.ContainerRequest {
	return testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
}
