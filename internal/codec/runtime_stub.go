//go:build !govips || !cgo

package codec

func Startup() error {
	return nil
}

func Shutdown() {}

// webpEncoder is unavailable without libvips; WebP stays decode-only.
func webpEncoder() Encoder {
	return nil
}
