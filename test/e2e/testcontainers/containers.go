// Package testcontainers starts the services the irrigation hub depends on for e2e tests:
// PostgreSQL for the store, Mosquitto for the device transport and RabbitMQ for the AMQP transport.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Credentials used by the e2e containers.
const (
	PostgresUser     = "irrigation"
	PostgresPassword = "irrigation"
	PostgresDatabase = "irrigation_hub"

	RabbitMQUser     = "guest"
	RabbitMQPassword = "guest"
)

// Service is a started container and the host port its main listener is mapped to.
type Service struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

// Terminate stops the container. It is safe on a nil Service.
func (s *Service) Terminate(ctx context.Context) error {
	if s == nil || s.Container == nil {
		return nil
	}
	return s.Container.Terminate(ctx)
}

// ID returns the container id.
func (s *Service) ID() string {
	if s == nil || s.Container == nil {
		return ""
	}
	return s.Container.GetContainerID()
}

// DSN returns the PostgreSQL connection string for the service.
func (s *Service) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.Host, s.Port, PostgresUser, PostgresPassword, PostgresDatabase)
}

// MQTTURL returns the broker URL for a Mosquitto service.
func (s *Service) MQTTURL() string {
	return fmt.Sprintf("tcp://%s:%d", s.Host, s.Port)
}

// AMQPURL returns the connection URL for a RabbitMQ service.
func (s *Service) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", RabbitMQUser, RabbitMQPassword, s.Host, s.Port)
}

// StartPostgres starts PostgreSQL with the irrigation hub database.
func StartPostgres(ctx context.Context, name string) (*Service, error) {
	return start(ctx, "PostgreSQL", "5432/tcp", testcontainers.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
		Name: name,
	})
}

// StartMosquitto starts an Eclipse Mosquitto broker that accepts anonymous clients.
func StartMosquitto(ctx context.Context, name string) (*Service, error) {
	return start(ctx, "Mosquitto", "1883/tcp", testcontainers.ContainerRequest{
		Image: "eclipse-mosquitto:2",
		// The image ships a listener config without authentication.
		Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor: wait.ForListeningPort("1883/tcp"),
		Name:       name,
	})
}

// StartRabbitMQ starts RabbitMQ for the AMQP transport.
func StartRabbitMQ(ctx context.Context, name string) (*Service, error) {
	return start(ctx, "RabbitMQ", "5672/tcp", testcontainers.ContainerRequest{
		Image: "rabbitmq:3-management-alpine",
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": RabbitMQUser,
			"RABBITMQ_DEFAULT_PASS": RabbitMQPassword,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		),
		Name: name,
	})
}

func start(ctx context.Context, kind string, port nat.Port, req testcontainers.ContainerRequest) (*Service, error) {
	req.ExposedPorts = append(req.ExposedPorts, string(port))

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", kind, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s host: %w", kind, err)
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s port: %w", kind, err)
	}

	return &Service{Container: container, Host: host, Port: mapped.Int()}, nil
}
