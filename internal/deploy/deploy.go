// Package deploy runs a full deployment: prerequisites, the registry, the
// image publish and the remaining resources, in that order.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Target describes what a deployment publishes.
type Target struct {
	ImageRef string
	Platform string
}

// Phases are the steps of a deployment. Each step runs only after the
// previous one succeeded.
type Phases interface {
	// Prerequisites checks everything a run needs and must not mutate
	// anything. On failure it releases whatever it acquired.
	Prerequisites(ctx context.Context) (*Target, error)
	PhaseA(ctx context.Context) error
	Publish(ctx context.Context) error
	// PhaseB converges the full graph and returns the service URL.
	PhaseB(ctx context.Context) (string, error)
	// Finish releases what Prerequisites acquired.
	Finish(ctx context.Context) error
}

// Styles renders progress banners.
type Styles struct {
	Color  bool
	Banner lipgloss.Style
	URL    lipgloss.Style
}

// NewStyles returns the banner styles, plain unless color is set.
func NewStyles(color bool) Styles {
	return Styles{
		Color:  color,
		Banner: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		URL:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
	}
}

func (s Styles) render(style lipgloss.Style, text string) string {
	if !s.Color {
		return text
	}
	return style.Render(text)
}

// Orchestrator drives Phases and prints progress to Out.
type Orchestrator struct {
	Phases Phases
	Out    io.Writer
	Styles Styles
}

// Run performs the deployment. Errors are PreconditionError for failed
// prerequisites and PhaseError for everything after.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	o.banner("Checking prerequisites")
	target, err := o.Phases.Prerequisites(ctx)
	if err != nil {
		var pre *PreconditionError
		if !errors.As(err, &pre) {
			err = precondition("prerequisites", err)
		}
		return err
	}
	defer func() {
		if ferr := o.Phases.Finish(context.WithoutCancel(ctx)); ferr != nil && err == nil {
			err = ferr
		}
	}()

	o.banner("Phase A: container registry")
	if err := o.Phases.PhaseA(ctx); err != nil {
		return &PhaseError{Phase: "phase A", Err: err}
	}

	o.banner(fmt.Sprintf("Publishing %s (%s)", target.ImageRef, target.Platform))
	if err := o.Phases.Publish(ctx); err != nil {
		return &PhaseError{Phase: "publish", Err: err}
	}

	o.banner("Phase B: converging resources")
	url, err := o.Phases.PhaseB(ctx)
	if err != nil {
		return &PhaseError{Phase: "phase B", Err: err}
	}

	o.banner("Deployment complete")
	fmt.Fprintf(o.Out, "Service URL: %s\n", o.Styles.render(o.Styles.URL, url))
	return nil
}

func (o *Orchestrator) banner(text string) {
	fmt.Fprintln(o.Out, o.Styles.render(o.Styles.Banner, "==> "+text))
}
