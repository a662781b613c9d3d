package sampler

import (
	"fmt"
	"math"

	"openbt/data"
	"openbt/model"
)

// CheckSubModels verifies that shard carries the sub-model outputs m predicts from.
// Models without extra inputs accept any shard.
func CheckSubModels(m model.Model, shard *data.Shard) error {
	in, ok := m.(model.Inputs)
	if !ok || shard.Len() == 0 {
		return nil
	}
	k, _ := in.Columns()
	if shard.F.Empty() || shard.F.Cols != k {
		return fmt.Errorf("%w: model mixes %d sub-models, rows %d..%d carry %d", data.ErrShape, k, shard.Offset, shard.Offset+shard.Len()-1, shard.F.Cols)
	}
	return nil
}

// CheckInputs verifies that shard carries every per-row column m reads while fitting,
// including usable discrepancy scales.
func CheckInputs(m model.Model, shard *data.Shard) error {
	if err := CheckSubModels(m, shard); err != nil {
		return err
	}
	in, ok := m.(model.Inputs)
	if !ok || shard.Len() == 0 {
		return nil
	}
	k, scales := in.Columns()
	if !scales {
		return nil
	}
	last := shard.Offset + shard.Len() - 1
	if shard.S.Empty() || shard.S.Cols != k {
		return fmt.Errorf("%w: non-stationary prior needs %d discrepancy scales, rows %d..%d carry %d", data.ErrShape, k, shard.Offset, last, shard.S.Cols)
	}
	for i := 0; i < shard.Len(); i++ {
		for l, v := range shard.S.Row(i) {
			if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: discrepancy scale %d of row %d is %g", model.ErrNumericalDegeneracy, l, shard.Offset+i, v)
			}
		}
	}
	return nil
}
