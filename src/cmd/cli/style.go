package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"codeocr/src/prompt"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Width(14)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func loadCatalog() (*prompt.Catalog, error) {
	catalog, err := prompt.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load language catalog: %w", err)
	}
	return catalog, nil
}

// renderLanguages prints code hints and spoken languages as two lists.
func renderLanguages(w io.Writer, c *prompt.Catalog) {
	fmt.Fprintln(w, headerStyle.Render("Code languages"))
	for _, o := range c.Options() {
		fmt.Fprintln(w, idStyle.Render(o.ID)+o.Name)
	}
	if len(c.Spoken) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Spoken languages"))
	for _, s := range c.Spoken {
		line := idStyle.Render(s.ID) + s.Name
		if s.Native != "" && !strings.EqualFold(s.Native, s.Name) {
			line += " " + dimStyle.Render(s.Native)
		}
		fmt.Fprintln(w, line)
	}
}
