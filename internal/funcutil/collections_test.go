// Copyright the refcheck authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package funcutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMapParallelPreservesOrder(t *testing.T) {
	in := make([]int, 100)
	for i := range in {
		in[i] = i
	}
	for _, workers := range []int{0, 1, 4, 16} {
		got := MapParallel(in, func(x int) int { return x * x }, workers)
		want := make([]int, len(in))
		for i, x := range in {
			want[i] = x * x
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("workers=%d: result out of order (-want +got):\n%s", workers, diff)
		}
	}
}

func TestMapParallelEmptyInput(t *testing.T) {
	got := MapParallel(nil, func(x int) int { return x }, 4)
	if len(got) != 0 {
		t.Errorf("mapping an empty slice must yield an empty slice, got %v", got)
	}
}
