package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ReadMatrix reads a numeric table. When header is true the first record is skipped.
func ReadMatrix(r io.Reader, header bool) (Matrix, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	var values []float64
	rows, cols := 0, -1
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Matrix{}, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if header && line == 1 {
			continue
		}
		if cols < 0 {
			cols = len(record)
		}
		for j, field := range record {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Matrix{}, fmt.Errorf("parse csv line %d field %d: %w", line, j+1, err)
			}
			values = append(values, value)
		}
		rows++
	}
	if cols < 0 {
		return Matrix{}, nil
	}
	return NewMatrix(rows, cols, values), nil
}

// ReadCSV reads a numeric table whose last column is the response.
func ReadCSV(r io.Reader, header bool) (Matrix, []float64, error) {
	table, err := ReadMatrix(r, header)
	if err != nil || table.Empty() {
		return Matrix{}, nil, err
	}
	if table.Cols < 2 {
		return Matrix{}, nil, fmt.Errorf("%w: %d fields per line, need predictors and a response", ErrShape, table.Cols)
	}
	p := table.Cols - 1
	values := make([]float64, 0, table.Rows*p)
	y := make([]float64, table.Rows)
	for i := 0; i < table.Rows; i++ {
		row := table.Row(i)
		values = append(values, row[:p]...)
		y[i] = row[p]
	}
	return NewMatrix(table.Rows, p, values), y, nil
}
