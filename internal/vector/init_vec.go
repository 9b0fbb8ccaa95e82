//go:build sqlite_vec && cgo

package vector

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Auto-load the sqlite-vec extension so New() detects vec0 support and
	// KNN runs accelerated instead of brute force.
	vec.Auto()
}
