package registry

import (
	"strconv"
	"strings"
)

// proxyIDPrefix is the fixed family prefix for proxy instances; game server
// ids are prefixed by their own role/family string instead.
const proxyIDPrefix = "fulcrum-proxy-"

// idPrefixFor derives the allocation prefix for a registration, matching the
// wire naming convention (fulcrum-proxy-N for proxies, <family>-N for
// everything else).
func idPrefixFor(serviceType, role string) string {
	if serviceType == "PROXY" {
		return proxyIDPrefix
	}
	return role + "-"
}

// lowestFreeSuffix scans existingIDs for the given prefix and returns the
// smallest non-negative integer not already taken as a trailing suffix.
func lowestFreeSuffix(prefix string, existingIDs []string) int {
	taken := make(map[int]struct{})
	for _, id := range existingIDs {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(id, prefix)
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		taken[n] = struct{}{}
	}
	for n := 0; ; n++ {
		if _, ok := taken[n]; !ok {
			return n
		}
	}
}

// nextID computes the next contiguous-lowest-free id for prefix.
func nextID(prefix string, existingIDs []string) string {
	n := lowestFreeSuffix(prefix, existingIDs)
	return prefix + strconv.Itoa(n)
}
