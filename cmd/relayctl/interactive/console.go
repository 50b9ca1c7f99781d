// Package interactive provides the relayctl command loop: scan the serial
// ports, edit the persisted device list, activate the plugin and switch
// channels by hand.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
)

// consoleOrigin is the switch source recorded for console commands.
const consoleOrigin = "console"

// Plugin is the plugin surface driven by the console. *icse0xxa.Plugin
// satisfies it.
type Plugin interface {
	plugin.Plugin
	ActiveDevices() []plugin.DeviceStatus
	Scan(ctx context.Context) (icse0xxa.ScanResult, error)
	Devices(ctx context.Context) ([]registry.Entry, []registry.Skipped, error)
	SaveDevices(ctx context.Context, entries []registry.Entry) error
}

// Console handles interactive mode for relayctl.
type Console struct {
	plugin Plugin
	rl     *readline.Instance
	out    io.Writer

	// lastScan is offered by "save" until the next scan.
	lastScan []registry.Entry
}

// New creates a console reading from rl.
func New(p Plugin, rl *readline.Instance) *Console {
	return &Console{plugin: p, rl: rl, out: rl.Stdout()}
}

// NewReadline creates the line editor used by New. Its Stdout is also the
// log destination, so log lines do not break the prompt.
func NewReadline() (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "relayctl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("scan"),
			readline.PcItem("devices"),
			readline.PcItem("save"),
			readline.PcItem("activate"),
			readline.PcItem("deactivate"),
			readline.PcItem("switch"),
			readline.PcItem("toggle"),
			readline.PcItem("info"),
			readline.PcItem("channels"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return rl, nil
}

// Run reads commands until quit, EOF or ctx is cancelled.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if quit := c.Execute(ctx, line); quit {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "scan":
		c.cmdScan(ctx)
	case "devices", "d":
		c.cmdDevices(ctx)
	case "save":
		c.cmdSave(ctx, args)
	case "activate", "a":
		c.cmdActivate(ctx)
	case "deactivate":
		c.cmdDeactivate()
	case "switch", "s":
		c.cmdSwitch(ctx, args)
	case "toggle", "t":
		c.cmdToggle(ctx, args)
	case "info", "i":
		c.cmdInfo()
	case "channels", "c":
		c.cmdChannels()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
relayctl commands:
  Devices:
    scan                   - Probe serial ports for ICSE0XXA modules
    devices                - List the persisted devices
    save [port=model ...]  - Save the last scan, or the given list (model as 0xab)

  Plugin:
    activate               - Initialise the persisted devices
    deactivate             - Close all devices
    info                   - Show plugin state and devices
    channels               - List channels and their relay state

  Relays:
    switch <channel> <0|1> - Turn a channel off or on
    toggle <channel>       - Invert a channel

    help                   - Show this help
    quit                   - Exit`)
}

func (c *Console) cmdScan(ctx context.Context) {
	res, err := c.plugin.Scan(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Scan failed: %v\n", err)
		return
	}

	fmt.Fprintf(c.out, "Probed %d port(s)\n", len(res.Probed))
	for _, d := range res.Devices {
		m := d.Model()
		fmt.Fprintf(c.out, "  found   %-14s %s (%d relays) %s\n", d.Port(), m.Name(), m.RelayCount(), m.Hex())
	}
	for _, port := range res.Silent {
		fmt.Fprintf(c.out, "  silent  %s\n", port)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(c.out, "  failed  %-14s %v\n", f.Port, f.Err)
	}

	c.lastScan = res.Merged
	if len(res.Merged) > 0 {
		fmt.Fprintf(c.out, "%d device(s) ready to save; type 'save' to persist\n", len(res.Merged))
	}
}

func (c *Console) cmdDevices(ctx context.Context) {
	entries, skipped, err := c.plugin.Devices(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Reading devices failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No devices configured")
	}
	for i, e := range entries {
		fmt.Fprintf(c.out, "  %d. %-14s %s %s\n", i+1, e.Port, e.Model.Name(), e.Model.Hex())
	}
	for _, s := range skipped {
		fmt.Fprintf(c.out, "  skipped %s=%s: %v\n", s.Key, s.Value, s.Err)
	}
}

func (c *Console) cmdSave(ctx context.Context, args []string) {
	entries := c.lastScan
	if len(args) > 0 {
		parsed, err := parseEntries(args)
		if err != nil {
			fmt.Fprintf(c.out, "Usage: save [port=model ...]: %v\n", err)
			return
		}
		entries = parsed
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "Nothing to save; run 'scan' first or list port=model pairs")
		return
	}
	if err := c.plugin.SaveDevices(ctx, entries); err != nil {
		fmt.Fprintf(c.out, "Save failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Saved %d device(s); activate to use them\n", len(entries))
}

func (c *Console) cmdActivate(ctx context.Context) {
	report, err := c.plugin.Activate(ctx)
	if err != nil {
		var actErr *plugin.ActivationError
		if errors.As(err, &actErr) {
			fmt.Fprintln(c.out, "Activation failed, no device could be initialised:")
			for _, f := range actErr.Failures {
				fmt.Fprintf(c.out, "  %s: %v\n", f.Device, f.Err)
			}
			return
		}
		fmt.Fprintf(c.out, "Activation failed: %v\n", err)
		return
	}

	for _, d := range report.Initialized {
		fmt.Fprintf(c.out, "  %-14s %s, channels %d-%d (%s)\n", d.ID, d.Name, d.Offset, d.Offset+d.Relays-1, d.Outcome)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(c.out, "  failed  %s: %v\n", f.Device, f.Err)
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(c.out, "  warning %s\n", w)
	}
	fmt.Fprintf(c.out, "Active with %d channel(s)\n", report.Channels)
}

func (c *Console) cmdDeactivate() {
	if err := c.plugin.Deactivate(); err != nil {
		fmt.Fprintf(c.out, "Deactivated with errors: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "Deactivated")
}

func (c *Console) cmdSwitch(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: switch <channel> <0|1>")
		return
	}
	ch, err := parseChannel(args[0])
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	on, err := parseOnOff(args[1])
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	c.doSwitch(ctx, ch, on)
}

func (c *Console) cmdToggle(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: toggle <channel>")
		return
	}
	ch, err := parseChannel(args[0])
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	ci, ok := c.plugin.ChannelInfo()[ch]
	if !ok {
		if c.plugin.State() != plugin.StateActive {
			fmt.Fprintln(c.out, "Plugin is not active")
		} else {
			fmt.Fprintf(c.out, "No channel %d\n", ch)
		}
		return
	}
	c.doSwitch(ctx, ch, !ci.On)
}

func (c *Console) doSwitch(ctx context.Context, ch int, on bool) {
	if err := c.plugin.Switch(plugin.WithOrigin(ctx, consoleOrigin), ch, on); err != nil {
		fmt.Fprintf(c.out, "Switch failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Channel %d %s\n", ch, onOff(on))
}

func (c *Console) cmdInfo() {
	info := c.plugin.Info()
	fmt.Fprintf(c.out, "%s %s (%s)\n", info.Name, info.Version, c.plugin.State())
	fmt.Fprintf(c.out, "  %s\n", info.Description)
	for _, d := range c.plugin.ActiveDevices() {
		fmt.Fprintf(c.out, "  %-14s %s, %d relays from channel %d\n", d.ID, d.Name, d.Relays, d.Offset)
	}
}

func (c *Console) cmdChannels() {
	info := c.plugin.ChannelInfo()
	if len(info) == 0 {
		fmt.Fprintln(c.out, "No channels (plugin is not active)")
		return
	}
	channels := make([]int, 0, len(info))
	for ch := range info {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tDEVICE\tRELAY\tSTATE")
	for _, ch := range channels {
		ci := info[ch]
		fmt.Fprintf(tw, "%d\t%s (%s)\t%d\t%s\n", ch, ci.Device, ci.DeviceName, ci.Local, onOff(ci.On))
	}
	tw.Flush() //nolint:errcheck // Console output
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil || ch < 0 {
		return 0, fmt.Errorf("invalid channel %q: must be a non-negative integer", s)
	}
	return ch, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state %q: use 0 or 1", s)
	}
}

// parseEntries parses port=model pairs, e.g. COM3=0xab.
func parseEntries(args []string) ([]registry.Entry, error) {
	entries := make([]registry.Entry, 0, len(args))
	for _, arg := range args {
		port, value, ok := strings.Cut(arg, "=")
		if !ok || port == "" {
			return nil, fmt.Errorf("%q is not port=model", arg)
		}
		model, err := icse.ParseModelHex(value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, registry.Entry{Port: port, Model: model})
	}
	return entries, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
