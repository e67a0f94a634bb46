// Package command implements the operator command language.
//
// Commands are single lines of the form "/name [value]". Setting commands
// map to exactly one [settings.Store] write; an unknown command or an invalid
// value is reported to the caller and changes nothing. The [Interpreter] is
// transport-agnostic: [Console] drives it from a terminal and [Handler] from
// WebSocket text messages.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/squelch/internal/observe"
	"github.com/MrWong99/squelch/internal/settings"
)

var (
	// ErrUnknownCommand is returned for a command name not in the table.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when arguments are missing or unparsable.
	ErrUsage = errors.New("usage")
)

// Response is the result of a successfully executed command.
type Response struct {
	// Text is shown to the operator. It may span several lines.
	Text string
	// Quit asks the transport to end the session.
	Quit bool
}

// PipelineStatus is the live pipeline state shown by /status.
type PipelineStatus struct {
	Phase        string
	Received     uint64
	Malformed    uint64
	QueueDepth   int
	QueueDropped uint64
	Processed    uint64
	StageResets  uint64
	SinkBuffered int
	SinkDropped  uint64
	Underruns    uint64
	Device       string
}

// Option configures an [Interpreter].
type Option func(*Interpreter)

// WithMetrics records every command to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(in *Interpreter) { in.metrics = m }
}

// WithPipeline makes /status include the pipeline state returned by fn.
func WithPipeline(fn func() PipelineStatus) Option {
	return func(in *Interpreter) { in.pipeline = fn }
}

// Interpreter parses and executes command lines against a settings store.
// It is safe for concurrent use.
type Interpreter struct {
	store    *settings.Store
	metrics  *observe.Metrics
	pipeline func() PipelineStatus
	byName   map[string]*spec
}

// New creates an interpreter writing to store.
func New(store *settings.Store, opts ...Option) *Interpreter {
	in := &Interpreter{store: store, byName: make(map[string]*spec)}
	for _, o := range opts {
		o(in)
	}
	for i := range commands {
		c := &commands[i]
		in.byName[c.name] = c
		for _, a := range c.aliases {
			in.byName[a] = c
		}
	}
	return in
}

// Execute runs one command line. Blank lines yield an empty response. The
// returned error is meant for the operator: it is an [ErrUnknownCommand] or
// [ErrUsage] wrap, or a [*settings.ValidationError].
func (in *Interpreter) Execute(ctx context.Context, line string) (Response, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Response{}, nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	args := parts[1:]

	c, ok := in.byName[name]
	if !ok {
		in.record(ctx, "unknown", "unknown")
		return Response{}, fmt.Errorf("%w: /%s (type /help for available commands)", ErrUnknownCommand, name)
	}

	ctx, span := observe.StartSpan(ctx, "command."+c.name)
	defer span.End()
	span.SetAttributes(attribute.String("command.line", line))

	resp, err := c.run(in, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.record(ctx, c.name, "error")
		observe.Logger(ctx).Debug("command rejected", "command", c.name, "err", err)
		return Response{}, err
	}
	in.record(ctx, c.name, "ok")
	observe.Logger(ctx).Info("command applied", "command", c.name, "args", strings.Join(args, " "))
	return resp, nil
}

func (in *Interpreter) record(ctx context.Context, command, status string) {
	if in.metrics != nil {
		in.metrics.RecordCommand(ctx, command, status)
	}
}

// set writes one field and confirms the new value.
func (in *Interpreter) set(f settings.Field, value any) (Response, error) {
	if err := in.store.Set(f, value); err != nil {
		return Response{}, err
	}
	return Response{Text: confirm(f, in.store.Get())}, nil
}

// spec describes one command.
type spec struct {
	name    string
	aliases []string
	arg     string // usage placeholder, empty for commands without argument
	help    string
	run     func(in *Interpreter, args []string) (Response, error)
}

func (c *spec) usage() error {
	return fmt.Errorf("%w: /%s %s", ErrUsage, c.name, c.arg)
}

var commands []spec

func init() {
	commands = []spec{
		number("noise_reduction", []string{"nr"}, "<0.0-1.0>", "Set noise reduction strength (0.95 = 95%)", settings.FieldNoiseReductionStrength),
		number("voice_low", []string{"vl"}, "<Hz>", "Set lower voice frequency bound", settings.FieldVoiceLowHz),
		number("voice_high", []string{"vh"}, "<Hz>", "Set upper voice frequency bound", settings.FieldVoiceHighHz),
		number("voice_gain", []string{"vg"}, "<dB>", "Set voice gain (-20 to +20 dB)", settings.FieldVoiceGainDB),
		number("spectral_gate", []string{"sg"}, "<dB>", "Set spectral gating threshold", settings.FieldSpectralGateDB),
		number("stationary_threshold", []string{"st"}, "<value>", "Set stationary noise threshold", settings.FieldStationaryThreshold),
		integer("profile_samples", []string{"ps"}, "<chunks>", "Set warm-up length for the next profile rebuild", settings.FieldNoiseProfileSamples),
		toggle("bandpass", []string{"bp"}, "Enable/disable bandpass filter", settings.FieldBandpassEnabled),
		toggle("spectral_gating", []string{"spg"}, "Enable/disable spectral gating", settings.FieldSpectralGatingEnabled),
		toggle("stationary", []string{"stat"}, "Enable/disable stationary mode", settings.FieldStationaryModeEnabled),
		toggle("noise", nil, "Enable/disable noise reduction", settings.FieldNoiseReductionEnabled),
		{
			name: "reset_profile", aliases: []string{"rp"},
			help: "Rebuild the noise profile from the next chunks",
			run: func(in *Interpreter, _ []string) (Response, error) {
				in.store.RequestProfileReset()
				n := in.store.Get().NoiseProfileSamples
				return Response{Text: fmt.Sprintf("Rebuilding noise profile over the next %d chunks", n)}, nil
			},
		},
		{
			name: "status", aliases: []string{"s"},
			help: "Show current settings",
			run: func(in *Interpreter, _ []string) (Response, error) {
				return Response{Text: in.status()}, nil
			},
		},
		{
			name: "help", aliases: []string{"h"},
			help: "Show this help",
			run: func(*Interpreter, []string) (Response, error) {
				return Response{Text: helpText()}, nil
			},
		},
		{
			name: "quit", aliases: []string{"q", "exit"},
			help: "Exit",
			run: func(*Interpreter, []string) (Response, error) {
				return Response{Text: "Bye", Quit: true}, nil
			},
		},
	}
}

func number(name string, aliases []string, arg, help string, f settings.Field) spec {
	c := spec{name: name, aliases: aliases, arg: arg, help: help}
	c.run = func(in *Interpreter, args []string) (Response, error) {
		if len(args) != 1 {
			return Response{}, c.usage()
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return Response{}, fmt.Errorf("%w: /%s %s (%q is not a number)", ErrUsage, name, arg, args[0])
		}
		return in.set(f, v)
	}
	return c
}

func integer(name string, aliases []string, arg, help string, f settings.Field) spec {
	c := spec{name: name, aliases: aliases, arg: arg, help: help}
	c.run = func(in *Interpreter, args []string) (Response, error) {
		if len(args) != 1 {
			return Response{}, c.usage()
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return Response{}, fmt.Errorf("%w: /%s %s (%q is not a whole number)", ErrUsage, name, arg, args[0])
		}
		return in.set(f, v)
	}
	return c
}

func toggle(name string, aliases []string, help string, f settings.Field) spec {
	c := spec{name: name, aliases: aliases, arg: "<on|off>", help: help}
	c.run = func(in *Interpreter, args []string) (Response, error) {
		if len(args) != 1 {
			return Response{}, c.usage()
		}
		on, ok := parseToggle(args[0])
		if !ok {
			return Response{}, c.usage()
		}
		return in.set(f, on)
	}
	return c
}

func parseToggle(s string) (on, ok bool) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "enable", "yes":
		return true, true
	case "off", "0", "false", "disable", "no":
		return false, true
	}
	return false, false
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range commands {
		usage := "/" + c.name
		if c.arg != "" {
			usage += " " + c.arg
		}
		if len(c.aliases) > 0 {
			usage += " (/" + strings.Join(c.aliases, ", /") + ")"
		}
		fmt.Fprintf(&b, "  %-40s %s\n", usage, c.help)
	}
	return strings.TrimRight(b.String(), "\n")
}
