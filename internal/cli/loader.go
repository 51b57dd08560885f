package cli

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/lockstep/internal/compiler"
	"github.com/roach88/lockstep/internal/ir"
)

// Error code constants shared by the CLI commands.
const (
	ErrCodeGeneric     = "E001" // generic/unknown error
	ErrCodeNotFound    = "E005" // path not found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeBuildFailed = "E006" // CUE evaluation failed
)

// LoadError is a program loading failure with its CLI error code.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadProgram reads a reactor program descriptor and compiles it to
// ir.Program. The path names either a single CUE file or a directory
// holding a CUE package; a directory's files unify before compiling,
// so reactor classes may be split across files.
func LoadProgram(path string) (*ir.Program, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("program not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing %s: %v", path, err)}
	}

	var v cue.Value
	if info.IsDir() {
		v, err = loadPackage(path)
	} else {
		v, err = loadFile(path)
	}
	if err != nil {
		return nil, err
	}

	prog, err := compiler.CompileProgram(v)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", path, err)
	}
	return prog, nil
}

// loadFile evaluates one CUE file.
func loadFile(path string) (cue.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("evaluating %s: %v", path, err)}
	}
	return v, nil
}

// loadPackage evaluates a directory as one CUE instance.
func loadPackage(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("no CUE instance in %s", dir)}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading %s: %v", dir, inst.Err)}
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("evaluating %s: %v", dir, err)}
	}
	return v, nil
}
