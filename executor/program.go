package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Program is a guest module the executor can compile and instantiate.
type Program interface {
	// Name identifies the program. It is the compile cache key.
	Name() string

	// Module returns the WebAssembly binary.
	Module() []byte
}

type program struct {
	name string
	bin  []byte
}

func (p *program) Name() string   { return p.name }
func (p *program) Module() []byte { return p.bin }

// NewProgram wraps an in-memory binary.
func NewProgram(name string, bin []byte) Program {
	return &program{name: name, bin: bin}
}

// LoadProgram reads a .wasm file. The program is named after the file.
func LoadProgram(path string) (Program, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &program{name: name, bin: bin}, nil
}
