package network

import "os/user"

// BatchUser returns the username TAP devices and IOMMU group device nodes
// are handed to, the identity the VM launcher itself runs as.
func BatchUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
