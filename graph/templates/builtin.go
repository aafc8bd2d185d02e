package templates

import (
	"embed"
	"io/fs"

	"go.uber.org/zap"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtin returns a store with the templates shipped in the binary:
// research-report, listing-optimizer and content-studio.
func Builtin(logger *zap.Logger) *FileStore {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		panic(err)
	}
	return NewFileStore(sub, logger)
}
