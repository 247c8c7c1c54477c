//go:build !unix

package draft

import "errors"

func diskAvailable(path string) (int64, error) {
	return 0, errors.New("disk usage not supported on this platform")
}
