package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loykin/nploy/internal/auth"
	"github.com/loykin/nploy/pkg/client"
)

var errUnreachable = errors.New("nploy server not reachable; start it with 'nploy serve' and enable [server]")

// command holds what every client subcommand needs.
type command struct {
	api *APIFlags
	out io.Writer
}

func (c *command) client(ctx context.Context) (*client.Client, error) {
	cl := client.New(client.Config{
		BaseURL:  c.api.URL,
		Timeout:  c.api.Timeout,
		Token:    c.api.Token,
		Username: c.api.User,
		Password: c.api.Password,
	})
	if !cl.IsReachable(ctx) {
		return nil, errUnreachable
	}
	return cl, nil
}

func (c *command) writer() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

func (c *command) Start(ctx context.Context, f StartFlags) error {
	if f.Name == "" {
		return errors.New("name is required")
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	resp, err := cl.Start(ctx, client.StartRequest{
		Name:    f.Name,
		Script:  f.Script,
		Command: f.Command,
		Args:    f.Args,
		Env:     f.Env,
		WorkDir: f.WorkDir,
		Watch:   f.Watch,
		Timeout: f.Timeout,
	})
	if err != nil {
		return err
	}
	printJSON(c.writer(), resp)
	return nil
}

// Stop stops name, or everything when name is empty.
func (c *command) Stop(ctx context.Context, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		return cl.StopAll(ctx)
	}
	return cl.Stop(ctx, name)
}

func (c *command) Status(ctx context.Context, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		all, err := cl.List(ctx)
		if err != nil {
			return err
		}
		printJSON(c.writer(), all)
		return nil
	}
	st, err := cl.Status(ctx, name)
	if err != nil {
		return err
	}
	printJSON(c.writer(), st)
	return nil
}

func (c *command) Routes(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	routes, err := cl.Routes(ctx)
	if err != nil {
		return err
	}
	printJSON(c.writer(), routes)
	return nil
}

func (c *command) AddRoute(ctx context.Context, f RouteAddFlags) error {
	if f.Key == "" || f.Script == "" {
		return errors.New("key and script are required")
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	routes, err := cl.SetRoutes(ctx, map[string]client.Target{
		f.Key: {Script: f.Script, Command: f.Command, Args: f.Args},
	}, f.Replace)
	if err != nil {
		return err
	}
	printJSON(c.writer(), routes)
	return nil
}

func (c *command) ClearRoutes(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	return cl.ClearRoutes(ctx)
}

func (c *command) Kill(ctx context.Context, key string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.Kill(ctx, key); err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("no route %q", key)
		}
		return err
	}
	return nil
}

func (c *command) Ports(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	ports, err := cl.Ports(ctx)
	if err != nil {
		return err
	}
	printJSON(c.writer(), ports)
	return nil
}

// Login prints a bearer token for the configured user.
func (c *command) Login(ctx context.Context) error {
	if c.api.User == "" {
		return errors.New("--api-user is required")
	}
	cl := client.New(client.Config{
		BaseURL:  c.api.URL,
		Timeout:  c.api.Timeout,
		Username: c.api.User,
		Password: c.api.Password,
	})
	tok, err := cl.Login(ctx)
	if err != nil {
		return err
	}
	printJSON(c.writer(), tok)
	return nil
}

// HashPassword prints the bcrypt hash for a [[server.auth.users]] entry.
func (c *command) HashPassword(password string) error {
	h, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.writer(), h)
	return err
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
