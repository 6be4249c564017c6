package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/mqtt-recorder/internal/mqttbus"
	"github.com/tinytelemetry/mqtt-recorder/internal/replay"
)

type bannerStyles struct {
	dim, green, cyan, yellow, bold lipgloss.Style

	check, dot string
}

func newBannerStyles() bannerStyles {
	s := bannerStyles{
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		green:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		cyan:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		yellow: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		bold:   lipgloss.NewStyle().Bold(true),
	}
	s.check = s.green.Render("●")
	s.dot = s.dim.Render("●")
	return s
}

func (s bannerStyles) header(title string) []string {
	return []string{
		"",
		s.cyan.Bold(true).Render("    mqtt-recorder ") + s.dim.Render(title),
		"    " + s.dim.Render("v"+version),
		"",
		s.separator(),
		"",
	}
}

func (s bannerStyles) separator() string {
	return s.dim.Render("    ─────────────────────────────────")
}

func (s bannerStyles) on(label, value string) string {
	return fmt.Sprintf("    %s  %-14s %s", s.check, label, s.cyan.Render(value))
}

func (s bannerStyles) off(label, value string) string {
	return fmt.Sprintf("    %s  %-14s %s", s.dot, label, s.dim.Render(value))
}

func (s bannerStyles) section(name string) []string {
	return []string{s.bold.Render("    " + name), ""}
}

func (s bannerStyles) broker(cfg appConfig) []string {
	lines := s.section("Broker")
	lines = append(lines, s.on("Broker", mqttbus.BrokerURL(cfg.Address, cfg.Port, cfg.tlsFiles().Enabled())))
	if cfg.Username != "" {
		lines = append(lines, s.on("User", cfg.Username))
	}
	lines = append(lines, s.on("QoS", fmt.Sprint(cfg.QoS)))
	if cfg.ConfigPath != "" {
		lines = append(lines, s.on("Config File", shortenPath(cfg.ConfigPath)))
	} else {
		lines = append(lines, s.off("Config File", "default (no file)"))
	}
	return append(lines, "")
}

func (s bannerStyles) footer() []string {
	return []string{
		s.separator(),
		"",
		"    " + s.dim.Render("Press ") + s.yellow.Render("Ctrl+C") + s.dim.Render(" to stop"),
		"",
	}
}

func printCaptureBanner(w io.Writer, cfg appConfig, mode captureMode) {
	s := newBannerStyles()

	lines := s.header(mode.String())
	lines = append(lines, s.broker(cfg)...)

	lines = append(lines, s.section("Capture")...)
	lines = append(lines, s.on("Topics", strings.Join(cfg.Topic, ", ")))
	lines = append(lines, s.on("Directory", shortenPath(cfg.Directory)))
	if mode == captureIntelligent {
		lines = append(lines, s.on("Inactivity", fmt.Sprintf("%ds", cfg.Sec)))
		lines = append(lines, s.on("Max Records", fmt.Sprint(cfg.MaxRecords)))
		if cfg.NoAllTopics {
			lines = append(lines, s.off("All Topics", "disabled"))
		} else {
			lines = append(lines, s.on("All Topics", "enabled"))
		}
		if cfg.Stats {
			lines = append(lines, s.on("Statistics", fmt.Sprintf("every %ds", cfg.StatsInterval)))
		} else {
			lines = append(lines, s.off("Statistics", "disabled"))
		}
	} else {
		lines = append(lines, s.on("Rotation", "every minute"))
	}
	if cfg.RetentionDays > 0 {
		lines = append(lines, s.on("Retention", fmt.Sprintf("%d days", cfg.RetentionDays)))
	} else {
		lines = append(lines, s.off("Retention", "disabled"))
	}
	lines = append(lines, "")

	lines = append(lines, s.section("Gateway")...)
	if cfg.APIEnabled {
		lines = append(lines, s.on("HTTP API", cfg.APIAddr))
	} else {
		lines = append(lines, s.off("HTTP API", "disabled"))
	}
	lines = append(lines, "")

	lines = append(lines, s.footer()...)
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func printReplayBanner(w io.Writer, cfg appConfig, source replay.SourceKind) {
	s := newBannerStyles()

	lines := s.header("replay")
	lines = append(lines, s.broker(cfg)...)

	lines = append(lines, s.section("Replay")...)
	lines = append(lines, s.on("Directory", shortenPath(cfg.Directory)))
	lines = append(lines, s.on("Source", string(source)))
	lines = append(lines, s.on("Speed", fmt.Sprintf("%gx", cfg.Speed)))
	if cfg.StartTime != "" || cfg.EndTime != "" {
		lines = append(lines, s.on("Window", windowLabel(cfg.StartTime, cfg.EndTime)))
	} else {
		lines = append(lines, s.off("Window", "everything"))
	}
	if cfg.Loop {
		lines = append(lines, s.on("Loop", "enabled"))
	} else {
		lines = append(lines, s.off("Loop", "disabled"))
	}
	lines = append(lines, "")

	lines = append(lines, s.footer()...)
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func windowLabel(start, end string) string {
	if start == "" {
		start = "beginning"
	}
	if end == "" {
		end = "end"
	}
	return start + " → " + end
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
