//go:build !linux

package serial

import "errors"

// RawMode is only implemented on Linux (CR1's target host platform); other
// platforms get a stub so the package still builds for development.
func RawMode(fd int) (restore func() error, err error) {
	return nil, errors.New("serial: RawMode is only implemented on linux")
}
