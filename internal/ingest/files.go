package ingest

import (
	"fmt"
	"os"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Paths names the dataset files of one graph. Features is optional; without
// it every transaction keeps the time step -1.
type Paths struct {
	Edges    string
	Classes  string
	Features string
}

// LoadGraph reads the edge list, class labels and optional time steps into a
// snapshot.
func LoadGraph(p Paths) (*domain.GraphSnapshot, error) {
	if p.Edges == "" || p.Classes == "" {
		return nil, fmt.Errorf("%w: edges and classes files are required", domain.ErrInvalidInput)
	}

	var snapshot domain.GraphSnapshot
	err := withFile(p.Classes, func(f *os.File) (err error) {
		snapshot.Transactions, err = ReadClasses(f)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = withFile(p.Edges, func(f *os.File) (err error) {
		snapshot.Edges, err = ReadEdges(f)
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.Features != "" {
		err = withFile(p.Features, func(f *os.File) error {
			steps, err := ReadTimeSteps(f)
			if err != nil {
				return err
			}
			ApplyTimeSteps(snapshot.Transactions, steps)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return &snapshot, nil
}

func withFile(path string, fn func(f *os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := fn(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
