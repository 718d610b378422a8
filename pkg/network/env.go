package network

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envName upper-cases and sanitizes a network name for use in an
// environment variable, matching PCOCC_NET_<NAME>_* from the wire contract.
func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_").Replace(name))
}

// EnvHWAddr returns PCOCC_NET_<NAME>_HWADDR if set.
func EnvHWAddr(networkName string) (string, bool) {
	v, ok := os.LookupEnv(fmt.Sprintf("PCOCC_NET_%s_HWADDR", envName(networkName)))
	return v, ok && v != ""
}

// EnvGUID returns PCOCC_NET_<NAME>_PORT_GUID or _NODE_GUID if set, parsed
// as a 64-bit hex value.
func EnvGUID(networkName, kind string) (uint64, bool) {
	key := fmt.Sprintf("PCOCC_NET_%s_%s_GUID", envName(networkName), strings.ToUpper(kind))
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	guid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return guid, true
}
