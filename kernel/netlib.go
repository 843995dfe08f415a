//go:build netlib

package kernel

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// netlibタグを付けてビルドした場合、BLASはCBLASで計算する。
func init() {
	blas32.Use(netlib.Implementation{})
}
