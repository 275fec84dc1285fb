package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/meter"
)

// RunSetupWizard guides the user through first-time configuration.
// interfaces lists the capture devices offered as choices.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer, interfaces []string) error {
	w := &wizard{reader: bufio.NewReader(in), out: out}
	return w.run(cfg, interfaces)
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) run(cfg *Config, interfaces []string) error {
	fmt.Fprintln(w.out, "photonmeter - first run setup")
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "── Capture ──")
	if len(interfaces) > 0 {
		for i, name := range interfaces {
			fmt.Fprintf(w.out, "  %d) %s\n", i+1, name)
		}
	}
	cfg.Capture.Interface = w.promptChoice("Capture interface (name or number)", cfg.Capture.Interface, interfaces)
	cfg.Capture.Port = w.promptInt("Game server UDP port", cfg.Capture.Port)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Meter ──")
	cfg.Meter.Mode = w.promptString("Session mode (battle, zone, manual)", cfg.Meter.Mode)
	cfg.Meter.WindowSec = w.promptInt("Rolling window seconds", cfg.Meter.WindowSec)
	cfg.Meter.PartyOnly = w.promptBool("Only count your party", cfg.Meter.PartyOnly)
	if names := w.promptString("Your character names (comma separated, optional)", strings.Join(cfg.Identity.SeedNames, ",")); names != "" {
		cfg.Identity.SeedNames = splitList(names)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Outputs ──")
	cfg.API.Enabled = w.promptBool("Enable local HTTP API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = w.promptInt("HTTP API port", cfg.API.Port)
	}
	cfg.MQTT.Enabled = w.promptBool("Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = w.promptString("MQTT broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = w.promptInt("MQTT broker port", cfg.MQTT.Port)
	}

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(w.out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(w.out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := w.promptString("Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return w.run(cfg, interfaces)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, warn := range result.Warnings {
		log.Warn().Str("field", warn.Field).Msg(warn.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "Configuration saved to %s (mode %s).\n", cfg.Path(), meter.Mode(cfg.Meter.Mode))
	return nil
}

// line returns the next trimmed input line. io.EOF yields "".
func (w *wizard) line() string {
	input, _ := w.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *wizard) promptString(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	if input := w.line(); input != "" {
		return input
	}
	return defaultVal
}

func (w *wizard) promptChoice(prompt string, defaultVal string, choices []string) string {
	input := w.promptString(prompt, defaultVal)
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1]
	}
	return input
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.line()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.line())
	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
