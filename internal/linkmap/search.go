package linkmap

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// expandTokens implements the canonical ELF dynamic-string-token
// substitutions, grounded on dlopen-rs's src/cache.rs / core_impl/find.rs
// doing the same expansion before filesystem probing (the distilled spec
// names only "runpath/rpath search per the canonical ELF rules" without
// naming the tokens — this is the SPEC_FULL supplement from that source).
func expandTokens(path, objectDir string) string {
	path = strings.ReplaceAll(path, "$ORIGIN", objectDir)
	path = strings.ReplaceAll(path, "${ORIGIN}", objectDir)
	path = strings.ReplaceAll(path, "$LIB", libDir())
	path = strings.ReplaceAll(path, "${LIB}", libDir())
	path = strings.ReplaceAll(path, "$PLATFORM", platformTag())
	path = strings.ReplaceAll(path, "${PLATFORM}", platformTag())
	return path
}

// libDir approximates glibc's $LIB token, which expands to "lib" or
// "lib64" depending on the target's primary library ABI. This core only
// supports 64-bit targets (spec.md §4.1), so it is always "lib64" on a
// multilib-capable host and "lib" otherwise; without section-header
// introspection of the running distro's ABI convention there is no
// portable way to tell the two apart, so "lib64" is the fixed choice.
func libDir() string { return "lib64" }

// platformTag approximates glibc's $PLATFORM token (normally sourced from
// the AT_PLATFORM auxiliary vector entry the kernel hands the dynamic
// linker at exec). Lacking that vector here, GOARCH is the closest
// available proxy.
func platformTag() string { return runtime.GOARCH }

// SearchPaths builds the ordered list of directories a dependency lookup
// probes for soname, per spec.md §4.1/§4.4: the requesting Object's own
// DT_RUNPATH (preferred) or DT_RPATH (legacy fallback), both token-expanded
// relative to the Object's directory, followed by any caller-supplied
// preload/library-path directories.
func SearchPaths(runpath, rpath, objectPath string, extra []string) []string {
	dir := filepath.Dir(objectPath)
	var out []string
	switch {
	case runpath != "":
		out = append(out, splitExpand(runpath, dir)...)
	case rpath != "":
		out = append(out, splitExpand(rpath, dir)...)
	}
	out = append(out, extra...)
	return out
}

func splitExpand(pathList, objectDir string) []string {
	parts := strings.Split(pathList, ":")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, expandTokens(p, objectDir))
	}
	return out
}

// FindDependency probes dirs in order for soname, returning the first
// existing regular file. A caller typically tries this before falling
// back to a bare soname lookup against a fixed system search path.
func FindDependency(soname string, dirs []string) (string, bool) {
	for _, d := range dirs {
		candidate := filepath.Join(d, soname)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, true
		}
	}
	return "", false
}
