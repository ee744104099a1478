package main

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"

	"phcode/internal/sandbox"
	"phcode/internal/sandbox/result"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const stdinName = "-"

type sourceOptions struct {
	source     string
	urlEncoded bool
}

func (o *sourceOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.source, "source", "s", "", "C++ source file, - for stdin")
	cmd.Flags().BoolVar(&o.urlEncoded, "url-encoded", false, "Sources are URL-encoded")
}

// names returns the source flag followed by positional files.
func (o *sourceOptions) names(args []string) ([]string, error) {
	var names []string
	if o.source != "" {
		names = append(names, o.source)
	}
	names = append(names, args...)
	if len(names) == 0 {
		return nil, appErr.ValidationError("source", "at least one source file is required")
	}
	stdinUses := 0
	for _, name := range names {
		if name == stdinName {
			stdinUses++
		}
	}
	if stdinUses > 1 {
		return nil, appErr.ValidationError("source", "stdin can only be read once")
	}
	return names, nil
}

// sourceReader reads sources from files or the command's stdin. Stdin is
// read at most once, before concurrent reads start.
type sourceReader struct {
	stdin      []byte
	urlEncoded bool
}

func newSourceReader(in io.Reader, names []string, urlEncoded bool) (*sourceReader, error) {
	r := &sourceReader{urlEncoded: urlEncoded}
	for _, name := range names {
		if name != stdinName {
			continue
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "read source from stdin failed")
		}
		r.stdin = data
	}
	return r, nil
}

func (r *sourceReader) read(name string) (string, error) {
	data := r.stdin
	if name != stdinName {
		var err error
		if data, err = os.ReadFile(name); err != nil {
			return "", appErr.Wrapf(err, appErr.InvalidParams, "read source %s failed", name)
		}
	}
	code := string(data)
	if !r.urlEncoded {
		return code, nil
	}
	decoded, err := url.PathUnescape(strings.TrimSpace(code))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidFormat, "decode source %s failed", name)
	}
	if decoded == "" {
		return "", appErr.ValidationError("source", "missing code in "+name)
	}
	return decoded, nil
}

type runOptions struct {
	sourceOptions
	input  string
	pretty bool
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] [source files...]",
		Short: "Compile and run sources, printing one result per source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, opts, args)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "File fed to the program's stdin, - for stdin")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Indent JSON output")
	return cmd
}

func (a *app) run(cmd *cobra.Command, opts *runOptions, args []string) error {
	ctx := cmd.Context()
	names, err := opts.names(args)
	if err != nil {
		return err
	}
	if opts.input == stdinName && slices.Contains(names, stdinName) {
		return appErr.ValidationError("input", "stdin is already used for the source")
	}

	reader, err := newSourceReader(cmd.InOrStdin(), names, opts.urlEncoded)
	if err != nil {
		return err
	}
	stdin, err := readInput(cmd.InOrStdin(), opts.input)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	p, err := a.newPipeline(reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn(ctx, "close sandbox engine failed", zap.Error(err))
		}
	}()

	responses, err := executeAll(ctx, p, reader, names, stdin)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), responses, opts.pretty); err != nil {
		return err
	}

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			logger.Warn(ctx, "write metrics textfile failed", zap.String("path", path), zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		return appErr.Wrapf(ctx.Err(), appErr.Canceled, "interrupted")
	}
	return nil
}

// executeAll runs one job per source concurrently; the pipeline bounds how
// many execute at once. A source that cannot be read cancels the rest.
func executeAll(ctx context.Context, backend sandbox.Backend, reader *sourceReader, names []string, stdin string) ([]result.Response, error) {
	responses := make([]result.Response, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			code, err := reader.read(name)
			if err != nil {
				return err
			}
			res := backend.Execute(gctx, sandbox.NewJob(code, stdin))
			logger.Debug(gctx, "source finished", zap.String("source", name), zap.String("job_id", res.JobID), zap.String("kind", string(res.Kind)))
			responses[i] = res.Response()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

func readInput(in io.Reader, path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case stdinName:
		data, err := io.ReadAll(in)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.InvalidParams, "read input from stdin failed")
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidParams, "read input %s failed", path)
	}
	return string(data), nil
}

// writeJSON prints a single object for one response and an array otherwise.
func writeJSON(w io.Writer, responses []result.Response, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	var payload any = responses
	if len(responses) == 1 {
		payload = responses[0]
	}
	if err := enc.Encode(payload); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode result failed")
	}
	return nil
}
