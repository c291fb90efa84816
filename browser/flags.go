package browser

import (
	"fmt"
	"sort"
	"strings"
)

// defaultFlags is the flag set every launch carries, after Puppeteer's and
// Playwright's default behavior. The debug endpoint and profile flags come
// from the launch options; callers cannot remove the rest.
func defaultFlags(opts LaunchOptions) map[string]any {
	f := map[string]any{
		"remote-debugging-port":    fmt.Sprintf("%d", opts.DebugPort),
		"remote-debugging-address": opts.DebugAddress,
		"user-data-dir":            opts.UserDataDir,

		"no-first-run":                           true,
		"no-default-browser-check":               true,
		"disable-background-networking":          true,
		"disable-client-side-phishing-detection": true,
		"disable-default-apps":                   true,
		"disable-extensions":                     true,
		"disable-hang-monitor":                   true,
		"disable-popup-blocking":                 true,
		"disable-prompt-on-repost":               true,
		"disable-sync":                           true,
		"disable-translate":                      true,
		"metrics-recording-only":                 true,
		"safebrowsing-disable-auto-update":       true,
	}
	if opts.Headless {
		f["headless"] = "new"
	}
	return f
}

// buildArgs serializes flags into --name=value / --name form. Names are
// sorted so the remote command line is stable run to run.
func buildArgs(flags map[string]any) ([]string, error) {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]string, 0, len(names))
	for _, name := range names {
		switch value := flags[name].(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	return args, nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// the remote shell passes it through as one word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
