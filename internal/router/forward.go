package router

import "strings"

// ForwardPath implements §4.F step 6's path synthesis and the §8 path
// forwarding law, following the exact slash-joining behavior of the
// original prototype's construct_backend_path: when strip_listen_path is
// set, the matched listen_path prefix is dropped and backendPath is
// joined with whatever remains of the incoming path; otherwise
// backendPath is joined with the full incoming path. Joining leaves
// exactly one '/' between the two parts, a result built on an empty
// backendPath still starts with '/', and ForwardPath falls back to
// backendPath alone when there is nothing to append.
func ForwardPath(incomingPath, listenPath string, stripListenPath bool, backendPath string) string {
	if stripListenPath {
		remaining := ""
		if len(incomingPath) > len(listenPath) {
			remaining = incomingPath[len(listenPath):]
		}
		if remaining == "" {
			return backendPath
		}
		return joinPath(backendPath, remaining)
	}
	return joinPath(backendPath, incomingPath)
}

func joinPath(a, b string) string {
	if a == "" {
		if strings.HasPrefix(b, "/") {
			return b
		}
		return "/" + b
	}
	if b == "" {
		return a
	}
	if strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/") {
		return a + b[1:]
	}
	if strings.HasSuffix(a, "/") || strings.HasPrefix(b, "/") {
		return a + b
	}
	return a + "/" + b
}
