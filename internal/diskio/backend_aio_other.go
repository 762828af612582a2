//go:build !linux

package diskio

import "errors"

func nativeAIOAvailable() bool { return false }

type nativeAIO struct{}

func newNativeAIO(maxEvents int) (*nativeAIO, error) {
	return nil, errors.New("diskio: native AIO backend not available on this platform")
}

func (b *nativeAIO) Submit(req *request) {}
func (b *nativeAIO) Close() error        { return nil }
