// cmd/mrictl/main.go
package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
)

// output renders results as text on a terminal and as JSON lines otherwise.
type output struct {
	w      io.Writer
	pretty bool
}

func (o *output) json(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(o.w, "%s\n", line)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func newApp(w io.Writer) *cli.App {
	out := &output{w: w}
	var c *client

	return &cli.App{
		Name:      "mrictl",
		Usage:     "Classify brain MRI scans against a running mri-classifier",
		Writer:    w,
		ErrWriter: os.Stderr,
		// Exit codes are applied by main so the app can run in tests.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Base URL of the classifier",
				Value:   "http://localhost:8000",
				EnvVars: []string{"MRI_CLASSIFIER_SERVER"},
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Always print JSON lines",
			},
		},
		Before: func(ctx *cli.Context) error {
			out.pretty = !ctx.Bool("json") && isTerminal(w)
			c = newClient(ctx.String("server"), nil)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "predict",
				Usage:     "Classify one or more image files",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out-dir",
						Aliases: []string{"o"},
						Usage:   "Write each attention visualization to DIR/<file>.attention.png",
					},
				},
				Action: func(ctx *cli.Context) error {
					files := ctx.Args().Slice()
					if len(files) == 0 {
						return cli.Exit("predict needs at least one file", 2)
					}
					outDir := ctx.String("out-dir")
					if outDir != "" {
						if err := os.MkdirAll(outDir, 0o755); err != nil {
							return err
						}
					}

					var failed int
					for _, path := range files {
						pred, err := c.predict(ctx.Context, path)
						if err != nil {
							failed++
							fmt.Fprintf(ctx.App.ErrWriter, "%s: %v\n", path, err)
							continue
						}
						if outDir != "" && pred.AttentionMapVisualization != nil {
							if err := writeVisualization(outDir, path, *pred.AttentionMapVisualization); err != nil {
								return err
							}
						}
						if err := out.prediction(pred); err != nil {
							return err
						}
					}
					if failed > 0 {
						return cli.Exit(fmt.Sprintf("%d of %d predictions failed", failed, len(files)), 1)
					}
					return nil
				},
			},
			{
				Name:  "info",
				Usage: "Show the served model",
				Action: func(ctx *cli.Context) error {
					info, err := c.info(ctx.Context)
					if err != nil {
						return err
					}
					if !out.pretty {
						return out.json(info)
					}
					_, err = fmt.Fprintf(w, "%v %v\n", info["Model"], info["Version"])
					return err
				},
			},
			{
				Name:  "history",
				Usage: "List recent predictions",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Number of entries"},
				},
				Action: func(ctx *cli.Context) error {
					entries, err := c.history(ctx.Context, ctx.Int("limit"))
					if err != nil {
						return err
					}
					for _, e := range entries {
						if !out.pretty {
							if err := out.json(e); err != nil {
								return err
							}
							continue
						}
						fmt.Fprintf(w, "%s  %-18s %6.2f%%  %s\n", e.CreatedAt, e.PredictedClass, 100*e.Confidence, e.FileName)
					}
					return nil
				},
			},
			{
				Name:  "reload",
				Usage: "Reload the model on the server",
				Action: func(ctx *cli.Context) error {
					res, err := c.reload(ctx.Context)
					if err != nil {
						return err
					}
					if !out.pretty {
						return out.json(res)
					}
					_, err = fmt.Fprintf(w, "reloaded %v %v\n", res["model"], res["version"])
					return err
				},
			},
		},
	}
}

func (o *output) prediction(p *prediction) error {
	if !o.pretty {
		return o.json(p)
	}
	fmt.Fprintf(o.w, "%s: %s (%.2f%%)\n", p.FileName, p.PredictedClass, 100*p.Confidence)
	classes := make([]string, 0, len(p.ClassProbabilities))
	for class := range p.ClassProbabilities {
		classes = append(classes, class)
	}
	slices.Sort(classes)
	for _, class := range classes {
		prob := p.ClassProbabilities[class]
		bar := strings.Repeat("#", int(prob*30+0.5))
		fmt.Fprintf(o.w, "  %-18s %6.2f%% %s\n", class, 100*prob, bar)
	}
	if p.AttentionMapVisualization == nil {
		fmt.Fprintln(o.w, "  attention map unavailable")
	}
	return nil
}

func writeVisualization(dir, source, blob string) error {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("invalid visualization for %s: %w", source, err)
	}
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + ".attention.png"
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			os.Exit(exit.ExitCode())
		}
		os.Exit(1)
	}
}
