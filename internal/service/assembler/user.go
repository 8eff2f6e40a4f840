package assembler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/service/extractor"
)

// userRequirer names the descriptor when the user package itself is missing.
const userRequirer = "package descriptor"

// LoadUserPackage stages the user's own package: from d.Source when set,
// otherwise from its installed copy in env.
func LoadUserPackage(d dist.Descriptor, env dist.Environment) (UserPackage, error) {
	name := dist.NormalizeName(d.Name)

	if d.Source == "" {
		m, ok := env.Lookup(name)
		if !ok {
			return UserPackage{}, &dist.UnresolvedDependencyError{Name: name, RequiredBy: userRequirer}
		}

		files, err := extractor.Files(m, name)
		if err != nil {
			return UserPackage{}, err
		}

		return UserPackage{Name: name, Files: files}, nil
	}

	src, err := filepath.Abs(d.Source)
	if err != nil {
		return UserPackage{}, fmt.Errorf("resolve package source: %w", err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return UserPackage{}, fmt.Errorf("package source: %w", err)
	}

	if !info.IsDir() {
		return UserPackage{
			Name: name,
			Files: []dist.StagedFile{{
				Source:  src,
				Dest:    filepath.Base(src),
				Package: name,
				Mode:    info.Mode().Perm(),
			}},
		}, nil
	}

	files, err := extractor.Dir(src, filepath.Base(src), name)
	if err != nil {
		return UserPackage{}, err
	}

	return UserPackage{Name: name, Files: files}, nil
}
