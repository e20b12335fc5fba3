// Package bundleid parses the wire format shared by every component that
// names a bundle: "<namespace>/<range>", where range is a pair of hex
// bounds joined by an underscore, like "0x40000000_0x80000000". Namespace and range are split on the last
// slash because a namespace name may itself contain slashes (tenant/ns).
package bundleid

import (
	"fmt"
	"strings"
)

// Split divides a bundle id into its namespace and range components.
func Split(bundle string) (namespace string, bundleRange string, err error) {
	idx := strings.LastIndex(bundle, "/")
	if idx < 0 || idx == len(bundle)-1 {
		return "", "", fmt.Errorf("bundleid: %q is not in \"<namespace>/<range>\" form", bundle)
	}
	return bundle[:idx], bundle[idx+1:], nil
}

// Namespace returns only the namespace portion of a bundle id.
func Namespace(bundle string) (string, error) {
	ns, _, err := Split(bundle)
	return ns, err
}

// Join builds a bundle id from its parts, the inverse of Split.
func Join(namespace, bundleRange string) string {
	return namespace + "/" + bundleRange
}
