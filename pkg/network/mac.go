package network

import (
	"crypto/rand"
	"fmt"
)

// localOUI is the locally-administered, unicast OUI used for every
// generated MAC that does not come from an environment override.
const localOUI = "52:54:00"

// RandomLocalMAC generates a random locally-administered, unicast MAC
// address with the fixed OUI used throughout the catalog's generated
// addresses.
func RandomLocalMAC() (string, error) {
	var tail [3]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return "", fmt.Errorf("generate random mac suffix: %w", err)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", localOUI, tail[0], tail[1], tail[2]), nil
}

// DeterministicMAC computes the private-overlay type's per-VM MAC:
// <mac-prefix>:<rank zero-padded hex>, sized to fill the 6-byte address.
func DeterministicMAC(prefix string, rank int) (string, error) {
	prefixBytes, err := countColonBytes(prefix)
	if err != nil {
		return "", err
	}
	tailBytes := 6 - prefixBytes
	if tailBytes <= 0 {
		return "", fmt.Errorf("mac-prefix %q leaves no room for a rank suffix", prefix)
	}
	tailHexLen := tailBytes * 2
	format := fmt.Sprintf("%%0%dx", tailHexLen)
	tail := fmt.Sprintf(format, rank)
	return insertColons(prefix, tail, tailBytes), nil
}

func countColonBytes(prefix string) (int, error) {
	n := 0
	cur := 0
	for _, r := range prefix {
		switch r {
		case ':':
			n++
			cur = 0
		default:
			cur++
			if cur > 2 {
				return 0, fmt.Errorf("mac-prefix %q is not colon-separated hex octets", prefix)
			}
		}
	}
	return n + 1, nil
}

// insertColons splits tailHex (an even-length hex string) into octet pairs
// and joins it to prefix with colons.
func insertColons(prefix, tailHex string, tailBytes int) string {
	out := prefix
	for i := 0; i < len(tailHex); i += 2 {
		out += ":" + tailHex[i:i+2]
	}
	return out
}
