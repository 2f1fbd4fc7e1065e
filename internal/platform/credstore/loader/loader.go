// Package loader registers all credential store drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.com/sokoni/sokoni-client/internal/platform/credstore/loader"
package loader

import (
	_ "github.com/sokoni/sokoni-client/internal/platform/credstore/file"
	_ "github.com/sokoni/sokoni-client/internal/platform/credstore/memory"
	_ "github.com/sokoni/sokoni-client/internal/platform/credstore/sqlite"
	_ "github.com/sokoni/sokoni-client/internal/platform/credstore/valkey"
)
