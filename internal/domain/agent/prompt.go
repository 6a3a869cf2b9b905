package agent

import (
	"fmt"
	"strings"
)

// PromptOptions describe the host the agent controls.
type PromptOptions struct {
	Host     string // e.g. "Orange Pi 5 Plus (RK3588, Linux, X11)"
	Language string // reply language, e.g. "English"
	Tools    []string
}

// BuildSystemPrompt renders the default system instructions. Deployments
// that set an explicit prompt in config bypass it.
func BuildSystemPrompt(opts PromptOptions) string {
	host := opts.Host
	if host == "" {
		host = "a Linux machine with an X11 desktop"
	}
	lang := opts.Language
	if lang == "" {
		lang = "the user's language"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous agent operating %s on behalf of a remote user.\n\n", host)

	if len(opts.Tools) > 0 {
		b.WriteString("## Tools\n")
		for _, name := range opts.Tools {
			if hint, ok := toolHints[name]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", name, hint)
			} else {
				fmt.Fprintf(&b, "- %s\n", name)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Approach
1. Work out what the user wants.
2. Plan the steps.
3. Run each step and check its result.
4. If a step fails, try another way.
5. Finish with a short summary of what was done.

## Rules
`)
	fmt.Fprintf(&b, "- Reply in %s.\n", lang)
	b.WriteString(`- Be concise.
- For GUI work: screenshot, inspect, then act. Coordinates are absolute pixels of the latest screenshot.
- Warn before anything destructive.
`)
	return b.String()
}

var toolHints = map[string]string{
	"computer":           "see the screen with screenshots and drive mouse and keyboard. Take a screenshot before clicking.",
	"bash":               "run shell commands: packages, services, system inspection.",
	"str_replace_editor": "view, create and edit files.",
}
