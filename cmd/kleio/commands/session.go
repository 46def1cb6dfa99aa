// Package commands implements the kleio subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/Epistimio/kleio/config"
	"github.com/Epistimio/kleio/evc"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
)

// Persistent flags shared by every subcommand.
var (
	ConfigPaths []string
	Debug       bool
	Verbosity   int
)

// session bundles the resolved configuration and the open store for the
// lifetime of one subcommand.
type session struct {
	cfg config.Config
	s   store.Store
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(ConfigPaths...)
	if err != nil {
		return nil, err
	}
	if Debug {
		cfg.Debug = true
	}
	s, err := config.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, s: s}, nil
}

func (se *session) close(ctx context.Context) {
	se.s.Close(ctx)
}

// resolve finds one trial by id or unambiguous id prefix.
func (se *session) resolve(ctx context.Context, ref string) (*trial.Trial, error) {
	t, err := trial.LoadPrefix(ctx, se.s, ref, trial.Interval{})
	if errors.Is(err, trial.ErrNotFound) {
		return nil, fmt.Errorf("no trial matches %q", ref)
	}
	return t, err
}

// resolveNode is resolve through the version-control view.
func (se *session) resolveNode(ctx context.Context, ref string) (*evc.Node, error) {
	n, err := evc.LoadPrefix(ctx, se.s, ref, trial.Interval{})
	if errors.Is(err, trial.ErrNotFound) {
		return nil, fmt.Errorf("no trial matches %q", ref)
	}
	return n, err
}
