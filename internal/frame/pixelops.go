// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package frame

import "math"

// Sets res=a-b, element-wise
func Subtract(res, a, b []float32) {
	for i, v := range a {
		res[i] = v - b[i]
	}
}

// Sets res=a+b, element-wise
func Add(res, a, b []float32) {
	for i, v := range a {
		res[i] = v + b[i]
	}
}

// Multiplies data by the given factor in place
func Scale(data []float32, factor float32) {
	for i := range data {
		data[i] *= factor
	}
}

// Divides a by b element-wise into res. Where b is below epsilon, res is zero
func Divide(res, a, b []float32, epsilon float32) {
	for i, v := range a {
		if d := b[i]; d > epsilon || d < -epsilon {
			res[i] = v / d
		} else {
			res[i] = 0
		}
	}
}

// Replaces each value d with max-d
func Invert(data []float32, max float32) {
	for i, d := range data {
		data[i] = max - d
	}
}

// Replaces each value with its absolute value
func Abs(data []float32) {
	for i, d := range data {
		data[i] = float32(math.Abs(float64(d)))
	}
}

// Returns the maximum of the data, or -Inf for empty data
func Max(data []float32) float32 {
	max := float32(math.Inf(-1))
	for _, d := range data {
		if d > max {
			max = d
		}
	}
	return max
}

// Returns the mean of the data
func MeanValue(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	sum := float64(0)
	for _, d := range data {
		sum += float64(d)
	}
	return float32(sum / float64(len(data)))
}
