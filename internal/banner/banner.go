package banner

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/tui/styles"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
    ____                __                    __
   / / /___ ___  ____  / /_  ___  ____  _____/ /_
  / / / __ '__ \/ __ \/ __ \/ _ \/ __ \/ ___/ __ \
 / / / / / / / / /_/ / /_/ /  __/ / / / /__/ / / /
/_/_/_/ /_/ /_/_.___/_.___/\___/_/ /_/\___/_/ /_/`

	return "\n" + style.Render(ascii) + "\n"
}
