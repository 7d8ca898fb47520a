//go:build !cuda && !metal

package backend

func Has(name string) bool {
	return name == CPU
}
