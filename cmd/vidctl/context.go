package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/vidfetch/internal/client"
)

const defaultServer = "http://localhost:8080"

type commandContext struct {
	server  string
	apiKey  string
	timeout time.Duration
	jsonOut bool
}

func (c *commandContext) serverURL() string {
	if s := strings.TrimSpace(c.server); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv("VIDFETCH_URL")); s != "" {
		return s
	}
	return defaultServer
}

func (c *commandContext) key() string {
	if k := strings.TrimSpace(c.apiKey); k != "" {
		return k
	}
	return strings.TrimSpace(os.Getenv("VIDFETCH_KEY"))
}

func (c *commandContext) client() (*client.Client, error) {
	key := c.key()
	if key == "" {
		return nil, errors.New("no API key: pass --key or set VIDFETCH_KEY")
	}
	return client.New(c.serverURL(), key, c.timeout), nil
}

func (c *commandContext) withClient(fn func(*client.Client) error) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	return wrapClientError(fn(cl), c.serverURL())
}

func wrapClientError(err error, server string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, client.ErrUnreachable):
		return fmt.Errorf("connect to %s: server unreachable; check --server or VIDFETCH_URL", server)
	case errors.Is(err, client.ErrUnauthorized):
		return fmt.Errorf("request rejected: %w", err)
	default:
		return err
	}
}

func parseJobID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(arg))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}
