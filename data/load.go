package data

import (
	"fmt"
	"io"
	"os"
)

// Source names the files a shard is read from. SubModels and Scales are optional and, when
// given, must have one row per data row.
type Source struct {
	Path      string
	Header    bool
	SubModels string
	Scales    string
}

// Load reads a training table whose last column is the response.
func (src Source) Load() (*Shard, error) {
	var x Matrix
	var y []float64
	err := readFile(src.Path, func(r io.Reader) (err error) {
		x, y, err = ReadCSV(r, src.Header)
		return err
	})
	if err != nil {
		return nil, err
	}
	if x.Empty() {
		return nil, fmt.Errorf("%w: %s holds no rows", ErrShape, src.Path)
	}
	return src.shard(x, y)
}

// LoadPredictors reads a table of predictors only, for prediction. The response is zero.
func (src Source) LoadPredictors() (*Shard, error) {
	x, err := src.matrix(src.Path)
	if err != nil {
		return nil, err
	}
	if x.Empty() {
		return nil, fmt.Errorf("%w: %s holds no rows", ErrShape, src.Path)
	}
	return src.shard(x, make([]float64, x.Rows))
}

func (src Source) shard(x Matrix, y []float64) (*Shard, error) {
	var options []ShardOption
	if src.SubModels != "" {
		f, err := src.matrix(src.SubModels)
		if err != nil {
			return nil, err
		}
		options = append(options, WithSubModels(f))
	}
	if src.Scales != "" {
		s, err := src.matrix(src.Scales)
		if err != nil {
			return nil, err
		}
		options = append(options, WithDiscrepancyScale(s))
	}
	return NewShard(0, x, y, options...)
}

func (src Source) matrix(path string) (Matrix, error) {
	var m Matrix
	err := readFile(path, func(r io.Reader) (err error) {
		m, err = ReadMatrix(r, src.Header)
		return err
	})
	return m, err
}

func readFile(path string, read func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := read(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
