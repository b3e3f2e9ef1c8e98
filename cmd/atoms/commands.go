package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/atoms/internal/atom"
	"github.com/joshrwolf/atoms/internal/isolation"
	"github.com/joshrwolf/atoms/internal/workflow"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func (o *options) distributionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distributions",
		Short: "List the distributions chroot atoms can be created from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRELEASES\tARCHITECTURES")
			for _, d := range o.distros.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, strings.Join(d.Releases, ","), strings.Join(d.Architectures, ","))
			}
			return w.Flush()
		},
	}
}

func (o *options) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List atoms",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			atoms, err := o.manager.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tID\tDISTRIBUTION\tUPDATED")
			for _, a := range atoms {
				d := "-"
				if dist, err := o.manager.Distribution(a); err == nil {
					d = dist.Name
				}
				id := a.ID()
				if id == "" {
					id = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Name(), a.Kind(), id, d, a.FormattedUpdateDate())
			}
			return w.Flush()
		},
	}
}

func (o *options) createCmd() *cobra.Command {
	var distribution, release, arch string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a chroot atom from a distribution image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := o.distros.Get(distribution)
			if err != nil {
				return err
			}
			if release == "" {
				release = d.Releases[len(d.Releases)-1]
			}

			opts := atom.CreateOptions{Name: args[0], Distribution: d, Architecture: arch, Release: release}
			task := workflow.Go(ctx, func(ctx context.Context, r workflow.Reporter) (*atom.Atom, error) {
				return o.manager.Create(ctx, opts, r)
			})

			a, err := follow(ctx, task)
			if err != nil {
				return err
			}
			fmt.Println(a.RelativePath())
			return nil
		},
	}

	cmd.Flags().StringVarP(&distribution, "distribution", "d", "", "distribution id (see 'atoms distributions')")
	cmd.Flags().StringVarP(&release, "release", "r", "", "distribution release (default: newest)")
	cmd.Flags().StringVar(&arch, "arch", defaultArch(), "architecture")
	_ = cmd.MarkFlagRequired("distribution")

	return cmd
}

func (o *options) createContainerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-container NAME IMAGE",
		Short: "Create an atom backed by a container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := workflow.Go(cmd.Context(), func(ctx context.Context, r workflow.Reporter) (*atom.Atom, error) {
				return o.manager.CreateContainer(ctx, args[0], args[1], r)
			})

			a, err := follow(cmd.Context(), task)
			if err != nil {
				return err
			}
			fmt.Println(a.ContainerID())
			return nil
		},
	}
}

// follow logs a task's events until it finishes.
func follow(ctx context.Context, task *workflow.Task[*atom.Atom]) (*atom.Atom, error) {
	log := clog.FromContext(ctx)

	for e := range task.Events() {
		switch {
		case e.Failed():
			log.Error(e.Message)
		case e.Progress == 1:
			log.Info("stage complete", "stage", e.Stage)
		default:
			log.Debug("progress", "stage", e.Stage, "fraction", fmt.Sprintf("%.2f", e.Progress))
		}
	}
	return task.Wait()
}

func (o *options) enterCmd() *cobra.Command {
	var trackExit bool

	cmd := &cobra.Command{
		Use:   "enter ATOM",
		Short: "Open an interactive shell in an atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c, err := o.manager.Command(cmd.Context(), a, nil, nil, trackExit)
			if err != nil {
				return err
			}
			return o.exec(cmd.Context(), c)
		},
	}

	cmd.Flags().BoolVar(&trackExit, "track-exit", isatty.IsTerminal(os.Stdout.Fd()), "restart the shell after it exits")
	return cmd
}

func (o *options) runCmd() *cobra.Command {
	var env []string

	cmd := &cobra.Command{
		Use:   "run ATOM -- COMMAND [ARGS...]",
		Short: "Run a command in an atom",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c, err := o.manager.Command(cmd.Context(), a, args[1:], env, false)
			if err != nil {
				return err
			}
			return o.exec(cmd.Context(), c)
		},
	}

	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "extra environment variables (KEY=VALUE)")
	return cmd
}

// exec runs c attached to the terminal. Interrupts belong to the session,
// so the child does not inherit the signal-cancelled context.
func (o *options) exec(ctx context.Context, c atom.Command) error {
	clog.FromContext(ctx).Debug("running", "args", c.Args, "dir", c.Dir)

	cmd := c.Cmd(context.WithoutCancel(ctx))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (o *options) destroyCmd() *cobra.Command {
	return o.simpleCmd("destroy ATOM", "Delete an atom and everything in it", (*atom.Manager).Destroy)
}

func (o *options) killCmd() *cobra.Command {
	return o.simpleCmd("kill ATOM", "Terminate everything running in an atom", (*atom.Manager).Kill)
}

func (o *options) stopCmd() *cobra.Command {
	return o.simpleCmd("stop ATOM", "Stop a container atom", (*atom.Manager).Stop)
}

func (o *options) simpleCmd(use, short string, fn func(*atom.Manager, context.Context, *atom.Atom) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return fn(o.manager, cmd.Context(), a)
		},
	}
}

func (o *options) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename ATOM NAME",
		Short: "Rename a chroot atom",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.Rename(args[1])
		},
	}
}

func (o *options) bindCmd() *cobra.Command {
	var (
		themes, icons, fonts bool
		add, remove          []string
	)

	cmd := &cobra.Command{
		Use:   "bind ATOM",
		Short: "Show or change the host directories shared into a chroot atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.find(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("themes") {
				if err := a.SetBindThemes(themes); err != nil {
					return err
				}
			}
			if flags.Changed("icons") {
				if err := a.SetBindIcons(icons); err != nil {
					return err
				}
			}
			if flags.Changed("fonts") {
				if err := a.SetBindFonts(fonts); err != nil {
					return err
				}
			}
			for _, host := range remove {
				if err := a.RemoveExtraMount(host); err != nil {
					return err
				}
			}
			for _, m := range add {
				if err := a.AddExtraMount(parseBind(m)); err != nil {
					return err
				}
			}

			for _, b := range a.BindMounts() {
				fmt.Println(b)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&themes, "themes", false, "share the host's themes")
	cmd.Flags().BoolVar(&icons, "icons", false, "share the host's icons")
	cmd.Flags().BoolVar(&fonts, "fonts", false, "share the host's fonts")
	cmd.Flags().StringArrayVar(&add, "add", nil, "add a mount, HOST[:GUEST]")
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "remove the mounts of HOST")
	return cmd
}

func parseBind(s string) isolation.Bind {
	host, guest, ok := strings.Cut(s, ":")
	if !ok {
		guest = host
	}
	return isolation.Bind{Host: host, Guest: guest}
}

// find resolves an atom by name or id.
func (o *options) find(ctx context.Context, ref string) (*atom.Atom, error) {
	atoms, err := o.manager.List(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*atom.Atom
	for _, a := range atoms {
		if a.ID() != "" && a.ID() == ref {
			return a, nil
		}
		if a.Name() == ref {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no atom named %q", ref)
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("%d atoms are named %q, use an id instead", len(matches), ref)
}
