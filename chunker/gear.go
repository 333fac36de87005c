/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package chunker

// gearSeed seeds the generator for gearTable. It is part of the chunk format:
// the same seed must be used everywhere chunks are compared.
const gearSeed uint64 = 0x6c61796572737963

// gearTable holds one 64-bit constant per byte value. The rolling hash is
// hash = hash<<1 + gearTable[b]. The entries come from splitmix64 seeded with
// gearSeed, which gives full width values with well mixed high bits.
var gearTable = newGearTable(gearSeed)

func newGearTable(seed uint64) [256]uint64 {
	var t [256]uint64
	x := seed
	for i := range t {
		x += 0x9e3779b97f4a7c15
		z := x
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		t[i] = z ^ (z >> 31)
	}
	return t
}

// findBoundary returns the length of the chunk starting at data[0]. When
// atEOF is false data must hold more than p.Max bytes.
func findBoundary(data []byte, p Params, atEOF bool) int {
	length := len(data)
	if atEOF && length <= p.Max {
		return length
	}

	mask := p.mask()
	var hash uint64
	position := p.skip()
	for position < p.Max && position < length {
		hash = (hash << 1) + gearTable[data[position]]
		position++

		if position >= p.Min && hash&mask == 0 {
			return position
		}
	}
	return min(p.Max, length)
}
