// Package wizard provides the interactive setup wizard for the tunnel agent.
package wizard

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/tunnel-agent/internal/config"
)

// SecretEnvVar is referenced by non-interactive configs instead of a literal
// secret.
const SecretEnvVar = "TUNNEL_AGENT_SECRET"

const (
	secretRef  = "${" + SecretEnvVar + "}"
	secretHint = "Use " + secretRef + " to read it from the environment"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers are the values collected by the wizard.
type Answers struct {
	Name          string
	ControlURL    string
	Secret        string
	TCPOrigin     string // empty = echo
	UDPOrigin     string // empty = echo
	LogLevel      string
	HealthEnabled bool
	HealthAddress string
}

// DefaultAnswers returns the answers used for a non-interactive run.
func DefaultAnswers() Answers {
	return Answers{
		ControlURL:    "wss://relay.example.com/agent",
		Secret:        secretRef,
		LogLevel:      "info",
		HealthEnabled: true,
		HealthAddress: "127.0.0.1:9090",
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard. configPath is the suggested
// output path.
func (w *Wizard) Run(configPath string) (*Result, error) {
	w.printBanner()

	answers := DefaultAnswers()
	answers.Secret = ""

	configPath, err := w.askBasicSetup(configPath, &answers)
	if err != nil {
		return nil, err
	}
	if err := w.askControl(&answers); err != nil {
		return nil, err
	}
	if err := w.askOrigins(&answers); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&answers); err != nil {
		return nil, err
	}

	return w.finish(answers, configPath)
}

// WriteDefaults writes a config built from DefaultAnswers without prompting.
func (w *Wizard) WriteDefaults(configPath string) (*Result, error) {
	return w.finish(DefaultAnswers(), configPath)
}

func (w *Wizard) finish(answers Answers, configPath string) (*Result, error) {
	cfg := buildConfig(answers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  tunnel-agent")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Relay Tunnel Agent - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(configPath string, a *Answers) (string, error) {
	if configPath == "" {
		configPath = "./config.yaml"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Name this agent and choose where to write its configuration."),

			huh.NewInput().
				Title("Agent Name").
				Description("Shown in status output (optional)").
				Value(&a.Name),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return configPath, err
}

func (w *Wizard) askControl(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Connection").
				Description("The relay control endpoint and the agent secret it issued."),

			huh.NewInput().
				Title("Control URL").
				Description("ws:// or wss:// address of the relay").
				Placeholder("wss://relay.example.com/agent").
				Value(&a.ControlURL).
				Validate(validateControlURL),

			huh.NewInput().
				Title("Agent Secret").
				Description(secretHint).
				EchoMode(huh.EchoModePassword).
				Value(&a.Secret).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("secret is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askOrigins(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Local Services").
				Description("Where tunneled traffic is delivered.\nLeave an address empty to echo traffic back, which is useful for testing."),

			huh.NewInput().
				Title("TCP Origin").
				Placeholder("127.0.0.1:25565").
				Value(&a.TCPOrigin).
				Validate(validateOptionalHostPort),

			huh.NewInput().
				Title("UDP Origin").
				Placeholder("127.0.0.1:19132").
				Value(&a.UDPOrigin).
				Validate(validateOptionalHostPort),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/health, /ready, /status, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns answers into a config on top of the defaults.
func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Agent.Name = strings.TrimSpace(a.Name)
	cfg.Agent.LogLevel = a.LogLevel
	cfg.Agent.LogFormat = "text"
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}

	cfg.Control.URL = strings.TrimSpace(a.ControlURL)
	cfg.Control.Secret = a.Secret

	cfg.Origin.TCPAddress = strings.TrimSpace(a.TCPOrigin)
	cfg.Origin.UDPAddress = strings.TrimSpace(a.UDPOrigin)

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Tunnel Agent Configuration
# Generated by setup wizard
# ${VAR} and ${VAR:-default} are expanded from the environment at load time.

`
	// The secret may be literal, so keep the file private.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Relay:        %s\n", cfg.Control.URL)
	fmt.Printf("  TCP origin:   %s\n", originLabel(cfg.Origin.TCPAddress))
	fmt.Printf("  UDP origin:   %s\n", originLabel(cfg.Origin.UDPAddress))

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the agent:")
	fmt.Printf("    tunnel-agent run -c %s\n", configPath)
	fmt.Println()
}

func originLabel(addr string) string {
	if addr == "" {
		return "echo"
	}
	return addr
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateControlURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("URL must start with ws:// or wss://")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}

func validateOptionalHostPort(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	_, _, err := net.SplitHostPort(s)
	return err
}
