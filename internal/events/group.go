package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Runnable represents a component that can be started and shut down.
type Runnable interface {
	Start(ctx context.Context) error
	Shutdown() error
}

type member struct {
	name     string
	runnable Runnable
}

// Group starts named runnables in registration order and shuts them down in
// reverse, so later components can depend on earlier ones being alive.
type Group struct {
	members []member
	started int
	logger  *zap.Logger
}

// NewGroup creates an empty lifecycle group.
func NewGroup(logger *zap.Logger) *Group {
	return &Group{logger: logger}
}

// Add registers a runnable under a name used in logs and errors.
func (g *Group) Add(name string, r Runnable) {
	g.members = append(g.members, member{name: name, runnable: r})
}

// Start starts every runnable in order. On failure the already-started ones
// are shut down in reverse before the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for _, m := range g.members {
		g.logger.Info("starting", zap.String("component", m.name))

		if err := m.runnable.Start(ctx); err != nil {
			g.unwind()

			return fmt.Errorf("start %s: %w", m.name, err)
		}

		g.started++
	}

	return nil
}

// Shutdown stops the started runnables in reverse order, returning the first
// error encountered while still stopping the rest.
func (g *Group) Shutdown() error {
	var firstErr error

	for g.started > 0 {
		g.started--
		m := g.members[g.started]

		g.logger.Info("stopping", zap.String("component", m.name))

		if err := m.runnable.Shutdown(); err != nil {
			g.logger.Error("shutdown failed",
				zap.String("component", m.name),
				zap.Error(err),
			)

			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown %s: %w", m.name, err)
			}
		}
	}

	return firstErr
}

func (g *Group) unwind() {
	for g.started > 0 {
		g.started--
		_ = g.members[g.started].runnable.Shutdown()
	}
}
