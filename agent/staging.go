package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// StagingOptions configure both staging stages
type StagingOptions struct {
	// SandboxRoot holds one directory per unit. Defaults to
	// $TMPDIR/pilotstreams.
	SandboxRoot string `json:"sandbox_root,omitempty"`
	// BaseDir resolves relative input sources and output targets. Defaults
	// to the working directory of the agent.
	BaseDir string `json:"base_dir,omitempty"`
	// Cleanup removes the sandbox after output staging.
	Cleanup bool `json:"cleanup,omitempty"`
}

func (o StagingOptions) withDefaults() StagingOptions {
	if o.SandboxRoot == "" {
		o.SandboxRoot = filepath.Join(os.TempDir(), "pilotstreams")
	}
	return o
}

// StagingInput creates each unit's sandbox, applies its input directives and
// hands it to the scheduler.
type StagingInput struct {
	opts StagingOptions
	c    *component.Component
}

// NewStagingInput creates the input staging stage
func NewStagingInput(opts StagingOptions) *StagingInput {
	return &StagingInput{opts: opts.withDefaults()}
}

// Initialize declares the stage bindings
func (s *StagingInput) Initialize(c *component.Component) error {
	s.c = c
	return firstErr(
		c.DeclareInput(QueueStagingInput, unit.StagingInput),
		c.DeclareWorker(s.stage, unit.StagingInput),
		c.DeclareOutput(QueueScheduling, unit.Scheduling),
		c.DeclarePublisher(component.TopicState, StatePubsub),
	)
}

func (s *StagingInput) stage(ctx context.Context, u *unit.Unit) error {
	sandbox := filepath.Join(s.opts.SandboxRoot, u.UID)
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return errors.Wrap(err, "StagingInput", "stage", "create sandbox")
	}
	u.Sandbox = sandbox

	for _, d := range u.Description.InputStaging {
		dst, err := inside(sandbox, d.Target)
		if err != nil {
			return err
		}
		if err := apply(d.Action, resolve(s.opts.BaseDir, d.Source), dst); err != nil {
			return errors.Wrap(err, "StagingInput", "stage", fmt.Sprintf("%s %s", d.Action, d.Source))
		}
	}
	return s.c.AdvanceOne(ctx, u, unit.Scheduling, component.PublishAndPush)
}

// StagingOutput applies a unit's output directives and completes it
type StagingOutput struct {
	opts StagingOptions
	c    *component.Component
}

// NewStagingOutput creates the output staging stage
func NewStagingOutput(opts StagingOptions) *StagingOutput {
	return &StagingOutput{opts: opts.withDefaults()}
}

// Initialize declares the stage bindings
func (s *StagingOutput) Initialize(c *component.Component) error {
	s.c = c
	return firstErr(
		c.DeclareInput(QueueStagingOutput, unit.StagingOutput),
		c.DeclareWorker(s.stage, unit.StagingOutput),
		c.DeclareTerminal(unit.Done),
		c.DeclarePublisher(component.TopicState, StatePubsub),
	)
}

func (s *StagingOutput) stage(ctx context.Context, u *unit.Unit) error {
	for _, d := range u.Description.OutputStaging {
		if u.Sandbox == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: unit has no sandbox", errors.ErrInvalidData),
				"StagingOutput", "stage", "check sandbox")
		}
		src, err := inside(u.Sandbox, d.Source)
		if err != nil {
			return err
		}
		if err := apply(d.Action, src, resolve(s.opts.BaseDir, d.Target)); err != nil {
			return errors.Wrap(err, "StagingOutput", "stage", fmt.Sprintf("%s %s", d.Action, d.Source))
		}
	}

	if s.opts.Cleanup && u.Sandbox != "" {
		if err := os.RemoveAll(u.Sandbox); err != nil {
			s.c.Logger().Warn("Failed to remove sandbox", "uid", u.UID, "sandbox", u.Sandbox, "error", err)
		}
	}
	return s.c.AdvanceOne(ctx, u, unit.Done, component.PublishAndPush)
}

// inside resolves p within sandbox. Paths leaving the sandbox are invalid.
func inside(sandbox, p string) (string, error) {
	if !filepath.IsLocal(p) {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q is not inside the sandbox", errors.ErrInvalidData, p),
			"agent", "inside", "check path")
	}
	return filepath.Join(sandbox, p), nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// apply performs one staging action from src to dst
func apply(action unit.StagingAction, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	switch action {
	case unit.ActionLink:
		abs, err := filepath.Abs(src)
		if err != nil {
			return err
		}
		return os.Symlink(abs, dst)
	case unit.ActionMove:
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
		// Rename fails across file systems.
		if err := copyPath(src, dst); err != nil {
			return err
		}
		return os.RemoveAll(src)
	case unit.ActionCopy, "":
		return copyPath(src, dst)
	default:
		return fmt.Errorf("%w: staging action %q", errors.ErrInvalidData, action)
	}
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.CopyFS(dst, os.DirFS(src))
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
