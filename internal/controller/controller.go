// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller builds and runs the tracing client: it selects the
// architecture profile, constructs the simulated host and the tracer, and
// registers the client callbacks.
package controller // import "go.opentelemetry.io/memtracer/internal/controller"

import (
	"fmt"

	"go.opentelemetry.io/memtracer/codegen"
	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/tracer"
)

// Controller is an instance that runs, manages and stops the client.
type Controller struct {
	config *Config
	host   *dbi.Sim
	tracer *tracer.Tracer
}

// New creates a new controller.
func New(cfg *Config) *Controller {
	return &Controller{config: cfg}
}

// archProfile maps the configured architecture name to its profile.
func archProfile(name string) (*codegen.Arch, error) {
	switch name {
	case "", "amd64":
		return codegen.AMD64, nil
	case "arm":
		return codegen.ARM, nil
	case "arm64":
		return codegen.ARM64, nil
	}
	return nil, fmt.Errorf("unknown architecture %q", name)
}

// Start builds the host and the tracer and registers the callbacks. The
// controller should only be started once.
func (c *Controller) Start() error {
	arch, err := archProfile(c.config.Arch)
	if err != nil {
		return err
	}
	c.host = dbi.NewSim(arch)

	tr, err := tracer.New(c.host, arch, c.config.TracerOptions())
	if err != nil {
		return fmt.Errorf("failed to start tracer: %w", err)
	}
	c.tracer = tr
	c.host.Register(tr.Callbacks())
	return nil
}

// Host returns the running host.
func (c *Controller) Host() *dbi.Sim { return c.host }

// Tracer returns the running tracer.
func (c *Controller) Tracer() *tracer.Tracer { return c.tracer }

// Shutdown fires the process-exit path.
func (c *Controller) Shutdown() {
	if c.host != nil {
		c.host.Exit()
	}
}
