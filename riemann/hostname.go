package riemann

import (
	"context"
	"net"
	"os"
	"strings"
	"time"
)

const hostnameLookupTimeout = 2 * time.Second

// canonicalHostname returns the fully qualified local hostname when DNS knows it.
// Params: override explicit hostname (used as-is when non-empty).
// Returns: hostname; falls back to the short name, then "localhost".
func canonicalHostname(override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}

	short, err := os.Hostname()
	if err != nil || short == "" {
		return "localhost"
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostnameLookupTimeout)
	defer cancel()
	cname, err := net.DefaultResolver.LookupCNAME(ctx, short)
	if err != nil {
		return short
	}
	if cname = strings.TrimSuffix(cname, "."); cname == "" {
		return short
	}
	return cname
}
