package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	"github.com/loykin/nploy"
)

const shutdownTimeout = 30 * time.Second

// applyServeFlags overrides config values with the flags the user set.
func applyServeFlags(c *nploy.Config, f ServeFlags, changed func(string) bool) error {
	if changed("host") {
		c.Host = f.Host
	}
	if changed("port") {
		c.Port = f.Port
	}
	if changed("dir") {
		c.Dir = f.Dir
	}
	if changed("mode") {
		c.Mode = f.Mode
	}
	if changed("admin") {
		c.Server.Enabled = f.Admin != ""
		c.Server.Listen = f.Admin
	}
	return c.Validate()
}

// writePidFile replaces path atomically so readers never see a partial pid.
func writePidFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// runServe serves until ctx is done, then stops every child.
func runServe(ctx context.Context, f ServeFlags, changed func(string) bool, out io.Writer) error {
	c, err := nploy.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := applyServeFlags(c, f, changed); err != nil {
		return err
	}

	s, err := nploy.Listen(ctx, c)
	if err != nil {
		return err
	}
	if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
		_ = s.Close(context.Background())
		return fmt.Errorf("write pidfile: %w", err)
	}
	_, _ = fmt.Fprintf(out, "nploy listening on %s\n", s.Addr())
	if a := s.AdminAddr(); a != "" {
		_, _ = fmt.Fprintf(out, "admin API on http://%s%s\n", a, c.Server.BasePath)
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(s.Close(sctx), removePidFile(f.PidFile))
}
