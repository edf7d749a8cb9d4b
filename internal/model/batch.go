package model

import "gonum.org/v1/gonum/mat"

// Stack copies equal-length input vectors into the rows of a new matrix.
func Stack(inputs [][]float64) *mat.Dense {
	if len(inputs) == 0 {
		return nil
	}
	cols := len(inputs[0])
	data := make([]float64, 0, len(inputs)*cols)
	for _, in := range inputs {
		data = append(data, in...)
	}
	return mat.NewDense(len(inputs), cols, data)
}
