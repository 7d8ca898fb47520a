//go:build metal && !cuda

package backend

func Has(name string) bool {
	switch name {
	case Metal:
		return true
	default:
		return name == CPU
	}
}
