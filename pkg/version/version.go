// Package version derives the build identity from the binary's
// embedded VCS metadata.
package version

import "runtime/debug"

const app = "sentinel"

// Info is the build identity reported in logs and on the health
// endpoint.
type Info struct {
	App      string
	Revision string
	Modified bool
}

var current = read()

func read() Info {
	info := Info{App: app, Revision: "dev"}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				info.Revision = shortRev(s.Value)
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Get returns the build identity.
func Get() Info { return current }

// Full renders "sentinel/<revision>", with a "+dirty" suffix for
// locally modified builds. Non-VCS builds (go test, source archives)
// render as "sentinel/dev".
func Full() string {
	s := current.App + "/" + current.Revision
	if current.Modified {
		s += "+dirty"
	}
	return s
}
