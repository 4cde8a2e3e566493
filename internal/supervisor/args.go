package supervisor

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/types"
)

// deniedArgPrefixes lists request-supplied flags that would compromise
// the session boundary: anything altering the debugging interface, the
// profile location, origin checks on the DevTools socket, or the
// sandbox. Denied flags are dropped with a warning, never a failure.
var deniedArgPrefixes = []string{
	"--remote-debugging-port",
	"--remote-debugging-address",
	"--remote-debugging-pipe",
	"--remote-allow-origins",
	"--user-data-dir",
	"--disk-cache-dir",
	"--crash-dumps-dir",
	"--homedir",
	"--log-file",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-namespace-sandbox",
	"--disable-seccomp-filter-sandbox",
	"--allow-sandbox-debugging",
	"--disable-web-security",
	"--allow-file-access-from-files",
	"--headless",
}

// argDenied reports whether a request argument matches the denylist.
// Matching is on the flag name, so both "--flag" and "--flag=value"
// forms are caught.
func argDenied(arg string) bool {
	name := arg
	if i := strings.IndexByte(arg, '='); i >= 0 {
		name = arg[:i]
	}
	name = strings.TrimSpace(name)
	for _, denied := range deniedArgPrefixes {
		if name == denied {
			return true
		}
	}
	return false
}

// buildArgs assembles the Chrome command line from the fixed safe base
// plus the request's filtered chrome_args.
func buildArgs(port int, profilePath string, req *types.SessionRequest) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		fmt.Sprintf("--user-data-dir=%s", profilePath),
		"--no-first-run",
		"--no-default-browser-check",
	}

	if req != nil && req.ProxyConfig != nil && req.ProxyConfig.Server != "" {
		args = append(args, fmt.Sprintf("--proxy-server=%s", req.ProxyConfig.Server))
		bypass := "<-loopback>"
		if req.ProxyConfig.BypassList != "" {
			bypass = req.ProxyConfig.BypassList + ";<-loopback>"
		}
		args = append(args, fmt.Sprintf("--proxy-bypass-list=%s", bypass))
	}

	if req != nil && len(req.Extensions) > 0 {
		args = append(args, fmt.Sprintf("--load-extension=%s", strings.Join(req.Extensions, ",")))
	}

	if req != nil {
		for _, arg := range req.ChromeArgs {
			if argDenied(arg) {
				log.Warn().Str("arg", arg).Msg("Dropping denied chrome argument from request")
				continue
			}
			args = append(args, arg)
		}
	}

	args = append(args, "about:blank")
	return args
}
